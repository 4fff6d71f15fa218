// Package session tracks the loops running in this process. The Tracker
// maps execution ids to a cancel token and a completion signal so a loop
// can be cancelled and awaited by id, and counts running loops per
// project.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ralphd/internal/ralph"
)

var (
	// ErrUnknown is returned for an execution id the tracker never saw.
	ErrUnknown = errors.New("unknown execution")
	// ErrDuplicate is returned when registering an id that is still running.
	ErrDuplicate = errors.New("execution already running")
)

// Entry describes one running loop.
type Entry struct {
	ExecutionID string
	ProjectID   string
	AttemptID   string
	LoopID      string
	SlotID      string
	StartedAt   time.Time
}

type handle struct {
	entry  Entry
	token  *ralph.CancelToken
	done   chan struct{}
	result *ralph.Result
	err    error
	ended  time.Time
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	handles map[string]*handle
	now     func() time.Time
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{handles: make(map[string]*handle), now: time.Now}
}

// Register starts tracking e. The token is what Cancel sets.
func (t *Tracker) Register(e Entry, token *ralph.CancelToken) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.handles[e.ExecutionID]; ok && !h.finished() {
		return fmt.Errorf("execution %s: %w", e.ExecutionID, ErrDuplicate)
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = t.now()
	}
	t.handles[e.ExecutionID] = &handle{entry: e, token: token, done: make(chan struct{})}
	return nil
}

// Finish records the loop's outcome and wakes waiters. Finishing twice is
// a no-op.
func (t *Tracker) Finish(executionID string, res *ralph.Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[executionID]
	if !ok || h.finished() {
		return
	}
	h.result, h.err, h.ended = res, err, t.now()
	close(h.done)
}

// Cancel sets the loop's cancel token. It reports false if the execution
// is not running.
func (t *Tracker) Cancel(executionID, reason string) bool {
	t.mu.RLock()
	h, ok := t.handles[executionID]
	t.mu.RUnlock()
	if !ok || h.finished() {
		return false
	}
	h.token.Cancel(reason)
	return true
}

// CancelAll cancels every running loop and returns how many it signalled.
func (t *Tracker) CancelAll(reason string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, h := range t.handles {
		if !h.finished() {
			h.token.Cancel(reason)
			n++
		}
	}
	return n
}

// Wait blocks until the execution finishes or ctx ends.
func (t *Tracker) Wait(ctx context.Context, executionID string) (*ralph.Result, error) {
	t.mu.RLock()
	h, ok := t.handles[executionID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrUnknown)
	}
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitAll blocks until every registered loop has finished or ctx ends.
func (t *Tracker) WaitAll(ctx context.Context) error {
	t.mu.RLock()
	var pending []chan struct{}
	for _, h := range t.handles {
		pending = append(pending, h.done)
	}
	t.mu.RUnlock()
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Get returns the entry for a running execution.
func (t *Tracker) Get(executionID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[executionID]
	if !ok || h.finished() {
		return Entry{}, false
	}
	return h.entry, true
}

// Running returns the running loops, oldest first.
func (t *Tracker) Running() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, h := range t.handles {
		if !h.finished() {
			out = append(out, h.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out
}

// Count returns the number of running loops.
func (t *Tracker) Count() int {
	return len(t.Running())
}

// CountForProject returns the number of running loops for a project.
func (t *Tracker) CountForProject(projectID string) int {
	n := 0
	for _, e := range t.Running() {
		if e.ProjectID == projectID {
			n++
		}
	}
	return n
}

// Prune forgets loops that finished more than age ago and returns how
// many it removed.
func (t *Tracker) Prune(age time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-age)
	pruned := 0
	for id, h := range t.handles {
		if h.finished() && !h.ended.After(cutoff) {
			delete(t.handles, id)
			pruned++
		}
	}
	return pruned
}
