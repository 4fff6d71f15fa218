package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ralphd/internal/checkpoint"
	"ralphd/internal/control"
	"ralphd/internal/ralph"
	"ralphd/internal/slot"
)

// Snapshot is one poll of the persisted state.
type Snapshot struct {
	Projects   []slot.ProjectCapacity
	Executions []control.Execution
	Loops      map[string]ralph.LoopState // by execution id
	Pending    []checkpoint.Checkpoint
	TakenAt    time.Time
}

// Source produces snapshots.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Snapshot, error)

// Snapshot calls f.
func (f SourceFunc) Snapshot(ctx context.Context) (*Snapshot, error) { return f(ctx) }

// Reader is the read side of the store the monitor polls.
type Reader interface {
	AllActiveSlots(ctx context.Context) ([]slot.Slot, error)
	ListExecutions(ctx context.Context, statuses ...control.Status) ([]control.Execution, error)
	ListLoopsByStatus(ctx context.Context, statuses ...ralph.Status) ([]ralph.LoopState, error)
	PendingCheckpoints(ctx context.Context) ([]checkpoint.Checkpoint, error)
}

// StoreSource builds snapshots from the store. Projects shown are those
// with an active slot or a running execution.
type StoreSource struct {
	Store Reader
	Slots *slot.Manager
	Now   func() time.Time
}

// Snapshot implements Source.
func (s *StoreSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	snap := &Snapshot{Loops: make(map[string]ralph.LoopState), TakenAt: now()}

	execs, err := s.Store.ListExecutions(ctx, control.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	snap.Executions = execs

	loops, err := s.Store.ListLoopsByStatus(ctx, ralph.StatusInitializing, ralph.StatusRunning, ralph.StatusValidating)
	if err != nil {
		return nil, fmt.Errorf("listing loops: %w", err)
	}
	for _, l := range loops {
		snap.Loops[l.ExecutionID] = l
	}

	if snap.Pending, err = s.Store.PendingCheckpoints(ctx); err != nil {
		return nil, fmt.Errorf("listing pending checkpoints: %w", err)
	}

	active, err := s.Store.AllActiveSlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing slots: %w", err)
	}
	projects := make(map[string]struct{})
	for _, sl := range active {
		projects[sl.ProjectID] = struct{}{}
	}
	for _, ex := range execs {
		projects[ex.ProjectID] = struct{}{}
	}
	ids := make([]string, 0, len(projects))
	for id := range projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		pc, err := s.Slots.Capacity(ctx, id)
		if err != nil {
			return nil, err
		}
		snap.Projects = append(snap.Projects, *pc)
	}
	return snap, nil
}
