package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ralphd/internal/actor"
	"ralphd/internal/checkpoint"
)

// policyFile is the document read by "checkpoints define" and
// "gates create".
type policyFile struct {
	Checkpoints []checkpoint.DefinitionSpec `yaml:"checkpoints"`
	Gates       []checkpoint.GateSpec       `yaml:"gates"`
}

func readPolicy(path string) (*policyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &p, nil
}

func newCheckpointsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Review checkpoints and manage checkpoint definitions",
	}

	var execID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending checkpoints, or every checkpoint of one execution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd.Context(), func(ctx context.Context) error {
				var (
					cps []checkpoint.Checkpoint
					err error
				)
				if execID != "" {
					cps, err = a.engine.Checkpoints(ctx, execID)
				} else {
					cps, err = a.store.PendingCheckpoints(ctx)
				}
				if err != nil {
					return err
				}
				a.printCheckpoints(cps)
				return nil
			})
		},
	}
	list.Flags().StringVar(&execID, "execution", "", "execution id")

	cmd.AddCommand(list,
		newResolveCmd(a, "approve", checkpoint.Approve),
		newResolveCmd(a, "reject", checkpoint.Reject),
		newResolveCmd(a, "skip", checkpoint.Skip),
		newDefineCmd(a),
		newDefinitionsCmd(a),
		&cobra.Command{
			Use:   "disable <definition-id>",
			Short: "Deactivate a checkpoint definition",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.with(cmd.Context(), func(ctx context.Context) error {
					return a.engine.SetDefinitionActive(ctx, args[0], false)
				})
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Auto-approve and expire due checkpoints once",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.with(cmd.Context(), func(ctx context.Context) error {
					res, err := a.engine.Sweep(ctx, time.Now())
					if err != nil {
						return err
					}
					writef(a.out, "auto-approved %d, expired %d\n", res.AutoApproved, res.Expired)
					return nil
				})
			},
		},
	)
	return cmd
}

func newResolveCmd(a *app, verb string, d checkpoint.Decision) *cobra.Command {
	var by, note string
	cmd := &cobra.Command{
		Use:   verb + " <checkpoint-id>",
		Short: "Resolve a pending checkpoint: " + verb,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reviewer, err := actor.Parse(by)
			if err != nil {
				return err
			}
			return a.with(cmd.Context(), func(ctx context.Context) error {
				cp, err := a.engine.Resolve(ctx, args[0], d, reviewer, note)
				if err != nil {
					return err
				}
				writef(a.out, "checkpoint %s %s by %s\n", cp.ID, cp.Status, reviewer)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", defaultReviewer(), "reviewer as kind:id")
	cmd.Flags().StringVar(&note, "note", "", "review note")
	return cmd
}

func newDefineCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "define -f FILE",
		Short: "Create the checkpoint definitions listed in a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := readPolicy(file)
			if err != nil {
				return err
			}
			return a.with(cmd.Context(), func(ctx context.Context) error {
				for _, ds := range p.Checkpoints {
					d, err := ds.Build()
					if err != nil {
						return err
					}
					if err := a.engine.CreateDefinition(ctx, d); err != nil {
						return err
					}
					writef(a.out, "defined %s %s (%s)\n", d.ID, d.Name, d.Type())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "policy file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newDefinitionsCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "List active checkpoint definitions in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd.Context(), func(ctx context.Context) error {
				defs, err := a.engine.Definitions(ctx, project)
				if err != nil {
					return err
				}
				for _, d := range defs {
					scope := d.ProjectID
					if scope == "" {
						scope = "global"
					}
					approval := "record"
					if d.RequiresApproval {
						approval = "approval"
					}
					writef(a.out, "%s  %-24s %-15s %-10s prio=%d %s\n", d.ID, d.Name, d.Type(), scope, d.Priority, approval)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "include this project's definitions")
	return cmd
}

func (a *app) printCheckpoints(cps []checkpoint.Checkpoint) {
	if len(cps) == 0 {
		writef(a.out, "no checkpoints\n")
		return
	}
	for _, c := range cps {
		writef(a.out, "%s  %-10s %-24s exec=%s %s\n", c.ID, c.Status, c.Name, c.ExecutionID, c.Origin)
		if c.Reason != "" {
			writef(a.out, "    reason: %s\n", c.Reason)
		}
		if c.AutoApproveAt != nil {
			writef(a.out, "    auto-approves at %s\n", c.AutoApproveAt.Local().Format(time.DateTime))
		}
		if c.ExpiresAt != nil {
			writef(a.out, "    expires at %s\n", c.ExpiresAt.Local().Format(time.DateTime))
		}
		if c.Reviewer != nil {
			writef(a.out, "    reviewed by %s: %s\n", c.Reviewer, c.ReviewNote)
		}
	}
}

// defaultReviewer is the local user as a human actor.
func defaultReviewer() string {
	if u := os.Getenv("USER"); u != "" {
		return "human:" + u
	}
	return "human:operator"
}
