package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"maiachat/backend/internal/config"
	"maiachat/backend/internal/logging"
	"maiachat/backend/internal/repository"
)

type rootOptions struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "maiachat-workflows",
		Short: "Workflow execution service with human approval gates",
		Long: `maiachat-workflows runs workflow definitions step by step, checkpoints
every step, and pauses at approval gates until a human approves or rejects
the step through the REST API or the MCP tools.

Running without a subcommand starts the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "",
		"config file (default: ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"log level (debug, info, warn, error); overrides log.level")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP and MCP server",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(cmd, opts)
			},
		},
	)
	return root
}

// load reads the configuration and builds the logger shared by all commands.
func (o *rootOptions) load() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(o.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, logger, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runMigrate(cmd *cobra.Command, opts *rootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd)
	defer cancel()

	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := repository.MigratePostgres(ctx, pool); err != nil {
			return err
		}
	case config.StoreDriverSQLite:
		// Opening the store applies pending migrations.
		store, err := repository.NewSQLiteStore(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		if err := store.Close(); err != nil {
			return err
		}
	default:
		logger.Info("store has no schema to migrate", "driver", cfg.Store.Driver)
		return nil
	}
	logger.Info("migrations applied", "driver", cfg.Store.Driver)
	return nil
}
