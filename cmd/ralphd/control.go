package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"ralphd/internal/actor"
	"ralphd/internal/control"
)

func newControlCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "control",
		Short: "Pause, resume or take over a running execution",
	}

	var by, reason string
	transition := func(use, short string, fn func(ctx context.Context, id string, who actor.Actor) error) *cobra.Command {
		c := &cobra.Command{
			Use:   use + " <execution-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				who, err := actor.Parse(by)
				if err != nil {
					return err
				}
				return a.with(cmd.Context(), func(ctx context.Context) error {
					if err := fn(ctx, args[0], who); err != nil {
						return err
					}
					return a.printState(ctx, args[0])
				})
			},
		}
		c.Flags().StringVar(&by, "by", defaultReviewer(), "actor as kind:id")
		c.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")
		return c
	}

	pause := transition("pause", "Pause at the next iteration boundary", func(ctx context.Context, id string, who actor.Actor) error {
		return a.control.Pause(ctx, id, who, reason)
	})
	resume := transition("resume", "Resume a paused execution", func(ctx context.Context, id string, who actor.Actor) error {
		return a.control.Resume(ctx, id, who, reason)
	})

	var from, handoffType string
	takeover := transition("takeover", "Hand the execution to a human; the loop stops at its next boundary", func(ctx context.Context, id string, who actor.Actor) error {
		src, err := actor.Parse(from)
		if err != nil {
			return err
		}
		t, err := control.ParseHandoffType(handoffType)
		if err != nil {
			return err
		}
		return a.control.Takeover(ctx, id, control.HandoffRequest{
			From:   src,
			To:     who,
			Type:   t,
			Reason: reason,
			Snapshot: map[string]string{
				"requested_at": time.Now().UTC().Format(time.RFC3339),
			},
		})
	})
	takeover.Flags().StringVar(&from, "from", "agent:ralph", "actor handing over control")
	takeover.Flags().StringVar(&handoffType, "type", string(control.HandoffTakeover), "handoff type")

	history := &cobra.Command{
		Use:   "history <execution-id>",
		Short: "Show pause/resume history and handoffs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd.Context(), func(ctx context.Context) error {
				if err := a.printState(ctx, args[0]); err != nil {
					return err
				}
				recs, err := a.control.History(ctx, args[0])
				if err != nil {
					return err
				}
				for _, r := range recs {
					writef(a.out, "  %s %-6s by %s: %s\n", r.At.Local().Format(time.DateTime), r.Action, r.InitiatedBy, r.Reason)
				}
				handoffs, err := a.control.Handoffs(ctx, args[0])
				if err != nil {
					return err
				}
				for _, h := range handoffs {
					writef(a.out, "  %s %s %s -> %s: %s\n", h.At.Local().Format(time.DateTime), h.Type, h.From, h.To, h.Reason)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(pause, resume, takeover, history)
	return cmd
}

func (a *app) printState(ctx context.Context, executionID string) error {
	ex, err := a.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	line := "execution " + ex.ID + ": " + string(ex.Status) + ", " + string(ex.State)
	if ex.PauseReason != "" {
		line += " (" + ex.PauseReason + ")"
	}
	writef(a.out, "%s\n", line)
	return nil
}
