package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"time"

	_ "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"

	"github.com/syncbridge/mutsync/internal/config"
	"github.com/syncbridge/mutsync/internal/doctor"
)

var doctorFix bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the configured environment for common problems",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "prompt for a corrected push URL on failure (the answer is not written to the config file)")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var db *sql.DB
	if cfg.DSN != "" {
		db, err = sql.Open(driverForDSN(cfg.DSN), cfg.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	results := doctor.Run(ctx, cfg, http.DefaultClient, db)
	doctor.Render(os.Stdout, results)

	if doctorFix && doctor.AnyFailed(results) {
		if _, err := doctor.PromptFix(cfg, results); err != nil {
			return err
		}
	}

	if doctor.AnyFailed(results) {
		os.Exit(1)
	}
	return nil
}
