package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ralphd/internal/backpressure"
	"ralphd/internal/checkpoint"
	"ralphd/internal/control"
	"ralphd/internal/events"
	"ralphd/internal/monitor"
	"ralphd/internal/profile"
	"ralphd/internal/ralph"
	"ralphd/internal/scheduler"
	"ralphd/internal/slot"
)

type runOptions struct {
	req         scheduler.Request
	category    string
	autonomy    string
	projectType string
	maxIter     int
	promise     string
	flags       []string
	withMonitor bool
	stream      bool
}

func newRunCmd(a *app) *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run --project ID [flags] TASK",
		Short: "Run one task through a loop and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.req.Task = args[0]
			if err := o.complete(cmd); err != nil {
				return err
			}
			if o.withMonitor {
				a.feed = make(chan events.Event, 256)
			}
			return a.with(cmd.Context(), func(ctx context.Context) error {
				return a.run(ctx, o)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.req.ProjectID, "project", "", "project id (required)")
	f.StringVar(&o.req.TaskID, "task-id", "", "task id recorded on the execution")
	f.StringVar(&o.req.AttemptID, "attempt", "", "attempt id (generated when empty)")
	f.StringVar(&o.req.WorkDir, "workdir", ".", "directory the agent and validation run in")
	f.StringVar(&o.req.Profile, "profile", profile.DefaultProfile, "execution profile")
	f.StringVar(&o.projectType, "project-type", "", "project type for default validation (detected when empty)")
	f.StringVar(&o.category, "category", string(slot.InteractiveAgent), "slot category")
	f.IntVar(&o.req.Weight, "weight", 1, "slot weight")
	f.IntVar(&o.req.Priority, "priority", 0, "execution priority")
	f.StringVar(&o.autonomy, "autonomy", string(checkpoint.AgentAssisted), "agent_driven, agent_assisted or review_driven")
	f.IntVar(&o.maxIter, "max-iterations", 0, "override the profile's iteration cap")
	f.StringVar(&o.promise, "completion-promise", "", "override the completion promise")
	f.StringSliceVar(&o.flags, "flag", nil, "raise a custom checkpoint flag (repeatable)")
	f.StringToStringVar(&o.req.GateAttrs, "gate-attr", nil, "attribute matched against gate conditions (key=value)")
	f.BoolVar(&o.withMonitor, "monitor", false, "show the terminal monitor while running")
	f.BoolVar(&o.stream, "stream", false, "stream the agent's raw output")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func (o *runOptions) complete(cmd *cobra.Command) error {
	cat, err := slot.ParseCategory(o.category)
	if err != nil {
		return err
	}
	o.req.Category = cat
	if o.req.Autonomy, err = checkpoint.ParseAutonomyMode(o.autonomy); err != nil {
		return err
	}
	if o.req.WorkDir, err = filepath.Abs(o.req.WorkDir); err != nil {
		return err
	}
	o.req.ProjectType = backpressure.ProjectType(o.projectType)

	var over profile.Override
	changed := false
	if cmd.Flags().Changed("max-iterations") {
		over.MaxIterations = &o.maxIter
		changed = true
	}
	if cmd.Flags().Changed("completion-promise") {
		over.CompletionPromise = &o.promise
		changed = true
	}
	if changed {
		o.req.TaskOverride = &over
	}
	if len(o.flags) > 0 {
		o.req.Flags = make(map[string]bool, len(o.flags))
		for _, fl := range o.flags {
			o.req.Flags[fl] = true
		}
	}
	return nil
}

func (a *app) run(ctx context.Context, o runOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := a.startService(ctx, o.stream, o.withMonitor)
	if err != nil {
		return err
	}
	h, err := svc.Start(ctx, o.req)
	if err != nil {
		return err
	}
	if !o.withMonitor {
		writef(a.out, "execution %s started (profile %s, %s mode, slot %s)\n", h.ExecutionID, h.Effective.Profile, h.Effective.Mode, h.SlotID)
	}
	return a.follow(ctx, svc, h, o.withMonitor)
}

// startService builds the service and reconciles work left by processes
// that went away.
func (a *app) startService(ctx context.Context, stream, withMonitor bool) (*scheduler.Service, error) {
	var progress, raw io.Writer = a.out, nil
	if stream {
		raw = a.out
	}
	if withMonitor {
		progress, raw = nil, nil
	}
	svc, err := a.newService(progress, raw)
	if err != nil {
		return nil, err
	}
	rep, err := svc.Recover(ctx)
	if err != nil {
		return nil, err
	}
	if rep.Loops+rep.Executions > 0 {
		a.logger.Warn("recovered interrupted work", "loops", rep.Loops, "executions", rep.Executions, "slots", rep.Slots)
	}
	if rep.Suspended > 0 {
		a.logger.Info("executions waiting to be continued", "count", rep.Suspended)
	}
	return svc, nil
}

// follow waits for an execution, running the sweeper (and the monitor)
// alongside it, and prints its outcome. Interrupting ctx cancels it at the
// next boundary.
func (a *app) follow(ctx context.Context, svc *scheduler.Service, h *scheduler.Handle, withMonitor bool) error {
	// background ends when the execution finishes.
	background, finished := context.WithCancel(context.WithoutCancel(ctx))
	defer finished()

	g := new(errgroup.Group)
	g.Go(func() error { return svc.RunSweeper(background, a.cfg.SweepInterval) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
			_, err := svc.Shutdown(background, "interrupted")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-background.Done():
		}
		return nil
	})
	if withMonitor {
		g.Go(func() error {
			return monitor.Run(background, &monitor.StoreSource{Store: a.store, Slots: a.slots}, monitor.WithEvents(a.feed))
		})
	}

	res, waitErr := svc.Wait(context.WithoutCancel(ctx), h.ExecutionID)
	finished()
	if err := g.Wait(); err != nil {
		a.logger.Warn("background task failed", "error", err)
	}
	if waitErr != nil {
		return waitErr
	}

	ralph.PrintSummary(a.out, res)
	ex, err := a.store.GetExecution(context.WithoutCancel(ctx), h.ExecutionID)
	if err != nil {
		return err
	}
	writef(a.out, "execution %s: %s\n", ex.ID, ex.Status)

	code := res.ExitCode()
	if code == 0 && ex.Status != control.StatusCompleted {
		code = 1
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func newContinueCmd(a *app) *cobra.Command {
	var withMonitor, stream bool
	cmd := &cobra.Command{
		Use:   "continue <execution-id>",
		Short: "Continue an execution left waiting at a checkpoint by a previous process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if withMonitor {
				a.feed = make(chan events.Event, 256)
			}
			return a.with(cmd.Context(), func(ctx context.Context) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				svc, err := a.startService(ctx, stream, withMonitor)
				if err != nil {
					return err
				}
				h, err := svc.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				if !withMonitor {
					writef(a.out, "execution %s continued (profile %s, slot %s)\n", h.ExecutionID, h.Effective.Profile, h.SlotID)
				}
				return a.follow(ctx, svc, h, withMonitor)
			})
		},
	}
	cmd.Flags().BoolVar(&withMonitor, "monitor", false, "show the terminal monitor while running")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the agent's raw output")
	return cmd
}
