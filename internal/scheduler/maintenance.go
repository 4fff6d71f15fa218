package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ralphd/internal/control"
	"ralphd/internal/ralph"
)

const (
	// DefaultSweepInterval is how often RunSweeper resolves due
	// checkpoints.
	DefaultSweepInterval = 15 * time.Second
	// finishedRetention is how long a finished execution stays waitable
	// in the tracker.
	finishedRetention = time.Hour
)

// RunSweeper auto-approves and expires due checkpoints every interval
// until ctx ends. It also forgets executions that finished long ago.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if n := s.d.Tracker.Prune(finishedRetention); n > 0 {
			s.d.Logger.Debug("pruned finished executions", "count", n)
		}
		res, err := s.d.Checkpoints.Sweep(ctx, s.d.Now())
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			s.d.Logger.Warn("checkpoint sweep failed", "error", err)
		case res.AutoApproved+res.Expired > 0:
			s.d.Logger.Info("checkpoint sweep", "auto_approved", res.AutoApproved, "expired", res.Expired)
		}
	}
}

// RecoveryReport counts what Recover repaired. Suspended counts
// executions left waiting at a boundary; they keep their slot and can be
// continued with Resume.
type RecoveryReport struct {
	Loops      int
	Executions int
	Slots      int
	Suspended  int
}

// interruptedError is recorded on loops and executions orphaned by a
// previous process.
const interruptedError = "interrupted by restart"

// Recover reconciles state left by processes that died mid-run. Running
// executions are only considered once their lease expired, so executions
// driven by another live process are left alone. An orphan that was
// waiting at an iteration boundary for review or a paused control-state is
// kept for Resume; any other orphan is failed with its loop and its slots
// released. Loops left unfinished under an execution that is no longer
// running are failed too.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	execs, err := s.d.Store.ListExecutions(ctx, control.StatusRunning)
	if err != nil {
		return rep, fmt.Errorf("listing running executions: %w", err)
	}
	for i := range execs {
		ex := &execs[i]
		if _, live := s.d.Tracker.Get(ex.ID); live || !ex.LeaseExpired(s.d.Now()) {
			continue
		}
		suspended, err := s.suspended(ctx, ex)
		if err != nil {
			return rep, fmt.Errorf("inspecting execution %s: %w", ex.ID, err)
		}
		if suspended {
			s.d.Logger.Info("execution kept for resume", "execution", ex.ID, "state", ex.State, "iteration", ex.Iteration)
			rep.Suspended++
			continue
		}
		now := s.d.Now()
		claimed, err := s.d.Store.ClaimExecution(ctx, ex.ID, s.d.Owner, now, now.Add(s.d.LeaseTTL))
		if err != nil {
			return rep, fmt.Errorf("claiming execution %s: %w", ex.ID, err)
		}
		if claimed == nil {
			continue
		}
		if ex.LoopID != "" {
			failed, err := s.failLoop(ctx, ex.LoopID)
			if err != nil {
				return rep, err
			}
			if failed {
				rep.Loops++
			}
		}
		if err := s.d.Store.FinishExecution(ctx, ex.ID, control.StatusFailed, s.d.Now()); err != nil {
			return rep, fmt.Errorf("failing execution %s: %w", ex.ID, err)
		}
		rep.Executions++
		n, err := s.d.Slots.ReleaseAllForAttempt(ctx, ex.AttemptID)
		if err != nil {
			return rep, err
		}
		rep.Slots += n
		s.d.Logger.Warn("execution failed on recovery", "execution", ex.ID, "reason", interruptedError, "slots_released", n)
	}

	loops, err := s.d.Store.ListLoopsByStatus(ctx, ralph.StatusInitializing, ralph.StatusRunning, ralph.StatusValidating)
	if err != nil {
		return rep, fmt.Errorf("listing unfinished loops: %w", err)
	}
	for _, l := range loops {
		if l.ExecutionID != "" {
			if _, live := s.d.Tracker.Get(l.ExecutionID); live {
				continue
			}
			ex, err := s.d.Store.GetExecution(ctx, l.ExecutionID)
			if err != nil && !errors.Is(err, control.ErrNotFound) {
				return rep, err
			}
			if ex != nil && ex.Status == control.StatusRunning {
				continue
			}
		}
		failed, err := s.failLoop(ctx, l.ID)
		if err != nil {
			return rep, err
		}
		if failed {
			rep.Loops++
		}
	}
	return rep, nil
}

// suspended reports whether an orphaned execution stopped at an iteration
// boundary while waiting on a review or a paused control-state.
func (s *Service) suspended(ctx context.Context, ex *control.Execution) (bool, error) {
	if ex.LoopID == "" || len(ex.Launch) == 0 {
		return false, nil
	}
	waiting := ex.State == control.AwaitingInput || ex.State == control.Paused
	if !waiting {
		sum, err := s.d.Checkpoints.PendingSummary(ctx, ex.ID)
		if err != nil {
			return false, err
		}
		waiting = sum.Total() > 0
	}
	if !waiting {
		return false, nil
	}
	l, err := s.d.Store.GetLoop(ctx, ex.LoopID)
	if errors.Is(err, ralph.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	its, err := s.d.Store.ListIterations(ctx, l.ID)
	if err != nil {
		return false, err
	}
	return ralph.AtBoundary(l, its), nil
}

// failLoop marks a non-terminal loop as interrupted. It reports false when
// the loop is already terminal or changed concurrently.
func (s *Service) failLoop(ctx context.Context, id string) (bool, error) {
	l, err := s.d.Store.GetLoop(ctx, id)
	if errors.Is(err, ralph.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if l.Status.Terminal() {
		return false, nil
	}
	expected := l.Status
	now := s.d.Now()
	l.Status = ralph.StatusFailed
	l.LastError = interruptedError
	l.UpdatedAt = now
	l.EndedAt = &now
	err = s.d.Store.UpdateLoop(ctx, l, expected)
	if errors.Is(err, ralph.ErrStaleState) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failing loop %s: %w", l.ID, err)
	}
	s.d.Logger.Warn("loop failed on recovery", "loop", l.ID, "execution", l.ExecutionID, "was", expected)
	return true, nil
}
