package control

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralphd/internal/actor"
	"ralphd/internal/events"
)

// memStore is an in-memory Store for machine tests.
type memStore struct {
	mu       sync.Mutex
	execs    map[string]*Execution
	pauses   []PauseRecord
	handoffs []Handoff
}

func newMemStore() *memStore {
	return &memStore{execs: make(map[string]*Execution)}
}

func (s *memStore) CreateExecution(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.execs[e.ID] = &cp
	return nil
}

func (s *memStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) ApplyTransition(_ context.Context, t Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[t.ExecutionID]
	if !ok {
		return false, ErrNotFound
	}
	if e.State != t.From {
		return false, nil
	}
	e.State = t.To
	e.PauseReason = t.PauseReason
	if t.Pause != nil {
		s.pauses = append(s.pauses, *t.Pause)
	}
	if t.Handoff != nil {
		s.handoffs = append(s.handoffs, *t.Handoff)
	}
	return true, nil
}

func (s *memStore) PauseHistory(_ context.Context, id string) ([]PauseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PauseRecord
	for _, p := range s.pauses {
		if p.ExecutionID == id {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) Handoffs(_ context.Context, id string) ([]Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Handoff
	for _, h := range s.handoffs {
		if h.ExecutionID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

func newTestMachine(t *testing.T) (*Machine, *memStore, *events.Recorder, *bytes.Buffer) {
	t.Helper()
	store := newMemStore()
	require.NoError(t, store.CreateExecution(context.Background(), &Execution{ID: "exec-1", State: Running}))
	rec := &events.Recorder{}
	var logs bytes.Buffer
	m := NewMachine(store,
		WithEmitter(rec),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
	)
	return m, store, rec, &logs
}

func TestCanTransition(t *testing.T) {
	valid := [][2]State{
		{Running, Paused},
		{Paused, Running},
		{Running, HumanTakeover},
		{Running, AwaitingInput},
		{AwaitingInput, Running},
	}
	for _, v := range valid {
		assert.True(t, CanTransition(v[0], v[1]), "%s -> %s", v[0], v[1])
	}
	invalid := [][2]State{
		{Paused, AwaitingInput},
		{Paused, HumanTakeover},
		{AwaitingInput, Paused},
		{HumanTakeover, Running},
		{HumanTakeover, Paused},
		{Running, Running},
	}
	for _, v := range invalid {
		assert.False(t, CanTransition(v[0], v[1]), "%s -> %s", v[0], v[1])
	}
}

func TestPauseResume_RecordsHistory(t *testing.T) {
	m, _, rec, _ := newTestMachine(t)
	ctx := context.Background()
	alice := actor.Human("alice")

	require.NoError(t, m.Pause(ctx, "exec-1", alice, "reviewing diff"))
	st, err := m.State(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, Paused, st)

	require.NoError(t, m.Resume(ctx, "exec-1", alice, "looks fine"))
	st, _ = m.State(ctx, "exec-1")
	assert.Equal(t, Running, st)

	hist, err := m.History(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, ActionPause, hist[0].Action)
	assert.Equal(t, "reviewing diff", hist[0].Reason)
	assert.Equal(t, alice, hist[0].InitiatedBy)
	assert.Equal(t, ActionResume, hist[1].Action)

	assert.Len(t, rec.OfKind(events.ControlTransition), 2)
	assert.Len(t, rec.OfKind(events.ControlPause), 1)
	assert.Len(t, rec.OfKind(events.ControlResume), 1)
}

func TestInvalidTransition_RejectedAndLogged(t *testing.T) {
	m, store, _, logs := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.Pause(ctx, "exec-1", actor.Human("alice"), "hold"))

	err := m.AwaitInput(ctx, "exec-1", "checkpoint")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, Paused, te.From)
	assert.Equal(t, AwaitingInput, te.To)

	e, _ := store.GetExecution(ctx, "exec-1")
	assert.Equal(t, Paused, e.State, "state must not be coerced")
	assert.True(t, strings.Contains(logs.String(), "rejected control-state transition"))
}

func TestTakeover(t *testing.T) {
	m, _, rec, _ := newTestMachine(t)
	ctx := context.Background()

	err := m.Takeover(ctx, "exec-1", HandoffRequest{From: actor.Agent("builder"), To: actor.Agent("other")})
	require.Error(t, err, "takeover must hand to a human")

	snapshot := map[string]string{"iteration": "4"}
	require.NoError(t, m.Takeover(ctx, "exec-1", HandoffRequest{
		From:     actor.Agent("builder"),
		To:       actor.Human("bob"),
		Reason:   "stuck on migration",
		Snapshot: snapshot,
	}))
	snapshot["iteration"] = "mutated"

	st, _ := m.State(ctx, "exec-1")
	assert.Equal(t, HumanTakeover, st)

	hs, err := m.Handoffs(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, HandoffTakeover, hs[0].Type)
	assert.Equal(t, "4", hs[0].ContextSnapshot["iteration"])
	assert.Len(t, rec.OfKind(events.ControlHandoff), 1)

	// No way back out of a takeover.
	assert.ErrorIs(t, m.Resume(ctx, "exec-1", actor.Human("bob"), ""), ErrInvalidTransition)
	assert.ErrorIs(t, m.ResumeInput(ctx, "exec-1"), ErrInvalidTransition)
}

func TestAwaitAndResumeInput(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.AwaitInput(ctx, "exec-1", "checkpoint cost-cap"))
	e, _ := store.GetExecution(ctx, "exec-1")
	assert.Equal(t, AwaitingInput, e.State)
	assert.Equal(t, "checkpoint cost-cap", e.PauseReason)

	assert.ErrorIs(t, m.Pause(ctx, "exec-1", actor.System(), ""), ErrInvalidTransition)
	require.NoError(t, m.ResumeInput(ctx, "exec-1"))
	e, _ = store.GetExecution(ctx, "exec-1")
	assert.Equal(t, Running, e.State)
}

func TestUnknownExecution(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	assert.ErrorIs(t, m.Pause(context.Background(), "missing", actor.System(), ""), ErrNotFound)
}

func TestParseState(t *testing.T) {
	for _, s := range []State{Running, Paused, HumanTakeover, AwaitingInput} {
		got, err := ParseState(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("sleeping")
	assert.Error(t, err)
}
