// Command bk-server runs the backup custody service and its admin tasks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/backup-keeper/internal/config"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app carries what every subcommand shares.
type app struct {
	cfgPath string
	cfg     config.Config
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "bk-server",
		Short:         "Backup artifact custody service",
		Version:       version + " (" + buildDate + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.cfgPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log, err = newLogger(cfg.Log)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", os.Getenv("BK_CONFIG"), "path to YAML config (env BK_CONFIG)")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newServersCmd(a),
		newTokenCmd(a),
	)
	return root
}

func newLogger(c config.Log) (*zap.Logger, error) {
	if c.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (a *app) requireDSN() error {
	if a.cfg.Database.DSN == "" {
		return errors.New("database.dsn is required (config or BK_DATABASE_DSN)")
	}
	return nil
}
