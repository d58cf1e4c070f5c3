// Package config loads mutsyncd's configuration from a layered source: a
// TOML file for the operator-edited static settings, overlaid by
// MUTSYNC_-prefixed environment variables and command-line flags, using
// viper the way a project config file gets parsed.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully-resolved set of settings mutsyncd needs to run.
type Config struct {
	// Upstream dispatch.
	PushURL        string        `mapstructure:"push_url"`
	UpstreamSchema string        `mapstructure:"upstream_schema"`
	AppID          string        `mapstructure:"app_id"`
	APIKey         string        `mapstructure:"api_key"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`

	// Relational store.
	DSN          string `mapstructure:"dsn"`
	StoreSchema  string `mapstructure:"store_schema"`

	// HTTP server.
	ListenAddr string `mapstructure:"listen_addr"`

	// Concurrency.
	MaxInFlightProcessorTx int64 `mapstructure:"max_inflight_processor_tx"`
}

// fileConfig mirrors the subset of Config that belongs in the static,
// operator-edited TOML file. Flags/env cover the rest (or override these).
type fileConfig struct {
	PushURL         string `toml:"push_url"`
	UpstreamSchema  string `toml:"upstream_schema"`
	AppID           string `toml:"app_id"`
	APIKey          string `toml:"api_key"`
	DSN             string `toml:"dsn"`
	StoreSchema     string `toml:"store_schema"`
	ListenAddr      string `toml:"listen_addr"`
}

// defaults applied before the file, env, and flag layers are overlaid.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"upstream_schema":           "public",
		"store_schema":              "mutsync",
		"listen_addr":               ":8080",
		"dispatch_timeout":          "30s",
		"max_inflight_processor_tx": 8,
	}
}

// Load resolves Config from, in increasing priority: built-in defaults, the
// TOML file at configPath (if non-empty and present), MUTSYNC_-prefixed
// environment variables, and flags bound from fs (nil is fine if the
// caller has no flag set to bind).
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	if configPath != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(configPath, &fc); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
		// File values go in the defaults layer so that environment
		// variables and flags still take precedence over them.
		for key, val := range fileConfigMap(fc) {
			if val != "" {
				v.SetDefault(key, val)
			}
		}
	}

	v.SetEnvPrefix("mutsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Watch installs an fsnotify-backed watch on configPath and calls onChange
// with a freshly re-Loaded Config every time the file is written, the same
// watch-a-file-react-on-write shape as a database-file watcher, just
// pointed at the static config file instead. A no-op if configPath is
// empty. The returned error is from the initial watcher setup only; onChange
// itself receives the error from each subsequent reload.
func Watch(configPath string, fs *pflag.FlagSet, onChange func(*Config, error)) error {
	if configPath == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: watch %s: %w", configPath, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Load(configPath, fs)
		onChange(cfg, err)
	})
	v.WatchConfig()
	return nil
}

func fileConfigMap(fc fileConfig) map[string]string {
	return map[string]string{
		"push_url":        fc.PushURL,
		"upstream_schema": fc.UpstreamSchema,
		"app_id":          fc.AppID,
		"api_key":         fc.APIKey,
		"dsn":             fc.DSN,
		"store_schema":    fc.StoreSchema,
		"listen_addr":     fc.ListenAddr,
	}
}
