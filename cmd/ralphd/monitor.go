package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"ralphd/internal/monitor"
)

func newMonitorCmd(a *app) *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch slots, executions and pending checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd.Context(), func(ctx context.Context) error {
				return monitor.Run(ctx, &monitor.StoreSource{Store: a.store, Slots: a.slots}, monitor.WithRefresh(refresh))
			})
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", monitor.DefaultRefresh, "poll interval")
	return cmd
}
