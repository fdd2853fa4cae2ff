// Command roastlog runs the timeline and stats projection engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	app "github.com/okian/roastlog/internal/app"
	"github.com/okian/roastlog/internal/config"
	"github.com/okian/roastlog/pkg/logger"
	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigFile string
	Database   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "roastlog:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "roastlog",
		Short:         "Timeline and stats projections for a coffee catalogue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "YAML config file (overrides "+config.EnvConfigFile+")")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "SQLite database path (overrides database_path)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newRebuildCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	return cmd
}

// bootstrap loads config and initializes logging the way every command needs.
func bootstrap(ctx context.Context, opts *rootOptions) (*config.Config, error) {
	if opts.ConfigFile != "" {
		if err := os.Setenv(config.EnvConfigFile, opts.ConfigFile); err != nil {
			return nil, fmt.Errorf("set config file: %w", err)
		}
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Database != "" {
		cfg.DatabasePath = opts.Database
	}

	if err := logger.InitWithWriter(os.Stderr, cfg.LogFormat); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		logger.Get().Warn(ctx, "invalid log_level; falling back to info",
			logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return cfg, nil
}

// newService builds the service from cfg. Periodic rebuilds only make sense
// for the long-running server.
func newService(cfg *config.Config, periodic bool) *app.Service {
	opts := []app.Option{
		app.WithLogger(logger.Named("service")),
		app.WithDatabasePath(cfg.DatabasePath),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithStatsQuietPeriod(cfg.StatsQuietPeriod()),
	}
	if periodic {
		opts = append(opts, app.WithRebuildInterval(cfg.RebuildInterval()))
	}
	return app.New(opts...)
}

// stopService stops svc and folds its error into err.
func stopService(ctx context.Context, svc *app.Service, err *error) {
	if stopErr := svc.Stop(context.WithoutCancel(ctx)); stopErr != nil {
		*err = errors.Join(*err, stopErr)
	}
}
