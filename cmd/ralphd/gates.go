package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"ralphd/internal/actor"
	"ralphd/internal/checkpoint"
)

func newGatesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gates",
		Short: "Create approval gates and vote on pending ones",
	}

	var file string
	create := &cobra.Command{
		Use:   "create -f FILE",
		Short: "Create the gates listed in a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := readPolicy(file)
			if err != nil {
				return err
			}
			return a.with(cmd.Context(), func(ctx context.Context) error {
				for _, gs := range p.Gates {
					g, err := gs.Build()
					if err != nil {
						return err
					}
					if err := a.engine.CreateGate(ctx, g); err != nil {
						return err
					}
					writef(a.out, "created gate %s %s (%s, %d of %d)\n", g.ID, g.Name, g.Type, g.MinApprovals, len(g.Approvers))
				}
				return nil
			})
		},
	}
	create.Flags().StringVarP(&file, "file", "f", "", "policy file")
	_ = create.MarkFlagRequired("file")

	var by, comment, reason string
	vote := &cobra.Command{
		Use:   "vote <pending-gate-id> approved|rejected|abstained",
		Short: "Record a decision on a pending gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := checkpoint.ParseGateDecision(args[1])
			if err != nil {
				return err
			}
			approver, err := actor.Parse(by)
			if err != nil {
				return err
			}
			return a.with(cmd.Context(), func(ctx context.Context) error {
				pg, err := a.engine.SubmitApproval(ctx, args[0], approver, d, comment)
				if err != nil {
					return err
				}
				a.printPendingGate(*pg)
				return nil
			})
		},
	}
	vote.Flags().StringVar(&by, "by", defaultReviewer(), "approver as kind:id")
	vote.Flags().StringVar(&comment, "comment", "", "comment recorded with the decision")

	bypass := &cobra.Command{
		Use:   "bypass <pending-gate-id>",
		Short: "Bypass a pending gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor.Parse(by)
			if err != nil {
				return err
			}
			return a.with(cmd.Context(), func(ctx context.Context) error {
				pg, err := a.engine.Bypass(ctx, args[0], who, reason)
				if err != nil {
					return err
				}
				a.printPendingGate(*pg)
				return nil
			})
		},
	}
	bypass.Flags().StringVar(&by, "by", defaultReviewer(), "actor as kind:id")
	bypass.Flags().StringVar(&reason, "reason", "", "bypass reason (required)")
	_ = bypass.MarkFlagRequired("reason")

	list := &cobra.Command{
		Use:   "list <execution-id>",
		Short: "List an execution's gates with their votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd.Context(), func(ctx context.Context) error {
				pgs, err := a.engine.PendingGates(ctx, args[0])
				if err != nil {
					return err
				}
				if len(pgs) == 0 {
					writef(a.out, "no gates\n")
				}
				for _, pg := range pgs {
					a.printPendingGate(pg)
					votes, err := a.engine.Approvals(ctx, pg.ID)
					if err != nil {
						return err
					}
					for _, v := range votes {
						line := "    " + v.Approver.String() + " " + string(v.Decision)
						if v.Comment != "" {
							line += ": " + v.Comment
						}
						writef(a.out, "%s\n", line)
					}
				}
				return nil
			})
		},
	}

	cmd.AddCommand(create, vote, bypass, list)
	return cmd
}

func (a *app) printPendingGate(pg checkpoint.PendingGate) {
	approvers := "anyone"
	if len(pg.Approvers) > 0 {
		names := make([]string, len(pg.Approvers))
		for i, ap := range pg.Approvers {
			names[i] = ap.String()
		}
		approvers = strings.Join(names, ",")
	}
	writef(a.out, "%s  %-10s %-20s %s  approved %d/%d rejected %d abstained %d  approvers=%s\n",
		pg.ID, pg.Status, pg.Name, pg.Type, pg.ApprovalCount, pg.MinApprovals, pg.RejectionCount, pg.AbstentionCount, approvers)
	if pg.BypassReason != "" {
		writef(a.out, "    bypassed: %s\n", pg.BypassReason)
	}
}
