package main

import (
	"context"

	"github.com/spf13/cobra"

	"ralphd/internal/ralph"
)

func newLoopsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loops",
		Short: "Inspect Ralph loops",
	}

	var statuses []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List loops by status (unfinished by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			want := make([]ralph.Status, 0, len(statuses))
			for _, s := range statuses {
				st, err := ralph.ParseStatus(s)
				if err != nil {
					return err
				}
				want = append(want, st)
			}
			return a.with(cmd.Context(), func(ctx context.Context) error {
				loops, err := a.store.ListLoopsByStatus(ctx, want...)
				if err != nil {
					return err
				}
				if len(loops) == 0 {
					writef(a.out, "no loops\n")
				}
				for _, l := range loops {
					writef(a.out, "%s  %-12s %d/%d  exec=%s\n", l.ID, l.Status, l.CurrentIteration, l.MaxIterations, l.ExecutionID)
				}
				return nil
			})
		},
	}
	list.Flags().StringSliceVar(&statuses, "status", []string{
		string(ralph.StatusInitializing), string(ralph.StatusRunning), string(ralph.StatusValidating),
	}, "statuses to include")

	show := &cobra.Command{
		Use:   "show <loop-id>",
		Short: "Show a loop and its iterations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd.Context(), func(ctx context.Context) error {
				l, err := a.store.GetLoop(ctx, args[0])
				if err != nil {
					return err
				}
				its, err := a.store.ListIterations(ctx, l.ID)
				if err != nil {
					return err
				}
				ralph.PrintSummary(a.out, &ralph.Result{Loop: *l, Iterations: its})
				return nil
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
