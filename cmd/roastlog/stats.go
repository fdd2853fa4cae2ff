package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Compute the stats snapshot and print it as JSON",
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

			st, err := svc.RefreshStats(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}
