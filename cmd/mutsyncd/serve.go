package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"

	"github.com/syncbridge/mutsync/internal/config"
	"github.com/syncbridge/mutsync/internal/debug"
	"github.com/syncbridge/mutsync/internal/dispatch"
	"github.com/syncbridge/mutsync/internal/httpapi"
	"github.com/syncbridge/mutsync/internal/processor"
	"github.com/syncbridge/mutsync/internal/store"
	"github.com/syncbridge/mutsync/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mutsyncd HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			debug.Logf("serve: telemetry shutdown: %v", err)
		}
	}()

	db, err := sql.Open(driverForDSN(cfg.DSN), cfg.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if err := store.EnsureSchema(ctx, db, cfg.StoreSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	st := store.Open(db, cfg.StoreSchema)
	proc := processor.New(st, processor.NewRegistry())

	srv := httpapi.New(dispatch.Config{
		PushURL:        cfg.PushURL,
		UpstreamSchema: cfg.UpstreamSchema,
		AppID:          cfg.AppID,
		APIKey:         cfg.APIKey,
		Timeout:        cfg.DispatchTimeout,
	}, proc, cfg.MaxInFlightProcessorTx)

	if err := config.Watch(configPath, cmd.Flags(), func(newCfg *config.Config, err error) {
		if err != nil {
			debug.Logf("serve: config reload failed, keeping previous dispatch config: %v", err)
			return
		}
		debug.Logf("serve: config file changed, reloading dispatch config")
		srv.UpdateDispatchConfig(dispatch.Config{
			PushURL:        newCfg.PushURL,
			UpstreamSchema: newCfg.UpstreamSchema,
			AppID:          newCfg.AppID,
			APIKey:         newCfg.APIKey,
			Timeout:        newCfg.DispatchTimeout,
		})
	}); err != nil {
		debug.Logf("serve: config watch disabled: %v", err)
	}

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		debug.Logf("serve: listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// driverForDSN picks the registered database/sql driver name from dsn's
// scheme, so the operator selects embedded Dolt, a Dolt sql-server, or
// plain MySQL by DSN alone rather than a separate config flag.
func driverForDSN(dsn string) string {
	if strings.HasPrefix(dsn, "dolt://") {
		return "dolt"
	}
	return "mysql"
}
