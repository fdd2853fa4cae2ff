package main

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/roastlog/internal/domain/rebuild"
	"github.com/okian/roastlog/pkg/logger"
	"github.com/spf13/cobra"
)

func newRebuildCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the whole timeline and wait for it to finish",
		Long: `Rebuild regenerates every timeline event from the entity store.

Exit codes:
  0 - rebuild finished
  1 - rebuild failed or timed out`,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			cfg, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}

			svc := newService(cfg, false)
			if err := svc.Start(ctx); err != nil {
				return fmt.Errorf("failed to start service: %w", err)
			}
			defer stopService(ctx, svc, &err)

			if err := svc.RequestRebuild(ctx, rebuild.ScopeAll); err != nil {
				return err
			}
			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := svc.WaitRebuilds(waitCtx); err != nil {
				return err
			}

			st := svc.RebuildStatus()
			logger.Get().Info(ctx, "rebuild complete",
				logger.String("run_id", st.LastRunID),
				logger.Int64("duration_ms", st.LastDurationMS))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "maximum time to wait for the rebuild")
	return cmd
}
