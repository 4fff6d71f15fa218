package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ralphd/internal/actor"
	"ralphd/internal/events"
)

// Store persists executions and their control history.
type Store interface {
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// ApplyTransition swaps the state from t.From to t.To and writes the
	// audit rows in one transaction. It reports false when the stored
	// state was no longer t.From.
	ApplyTransition(ctx context.Context, t Transition) (bool, error)
	PauseHistory(ctx context.Context, executionID string) ([]PauseRecord, error)
	Handoffs(ctx context.Context, executionID string) ([]Handoff, error)
}

// Machine applies control-state transitions.
type Machine struct {
	store   Store
	emitter events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithEmitter sets the event sink.
func WithEmitter(e events.Emitter) Option { return func(m *Machine) { m.emitter = e } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// NewMachine returns a Machine backed by store.
func NewMachine(store Store, opts ...Option) *Machine {
	m := &Machine{store: store, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	m.emitter = events.OrNop(m.emitter)
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// State returns the current control-state of an execution.
func (m *Machine) State(ctx context.Context, executionID string) (State, error) {
	e, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	return e.State, nil
}

// Pause moves running → paused.
func (m *Machine) Pause(ctx context.Context, executionID string, by actor.Actor, reason string) error {
	now := m.now()
	return m.apply(ctx, Transition{
		ExecutionID: executionID,
		From:        Running,
		To:          Paused,
		PauseReason: reason,
		At:          now,
		Pause: &PauseRecord{
			ID:          uuid.NewString(),
			ExecutionID: executionID,
			Action:      ActionPause,
			Reason:      reason,
			InitiatedBy: by,
			At:          now,
		},
	})
}

// Resume moves paused → running.
func (m *Machine) Resume(ctx context.Context, executionID string, by actor.Actor, reason string) error {
	now := m.now()
	return m.apply(ctx, Transition{
		ExecutionID: executionID,
		From:        Paused,
		To:          Running,
		At:          now,
		Pause: &PauseRecord{
			ID:          uuid.NewString(),
			ExecutionID: executionID,
			Action:      ActionResume,
			Reason:      reason,
			InitiatedBy: by,
			At:          now,
		},
	})
}

// HandoffRequest describes a takeover.
type HandoffRequest struct {
	From     actor.Actor
	To       actor.Actor
	Type     HandoffType
	Reason   string
	Snapshot map[string]string
}

// Takeover moves running → human_takeover and records the handoff. The
// receiving actor must be human.
func (m *Machine) Takeover(ctx context.Context, executionID string, req HandoffRequest) error {
	if !req.To.IsHuman() {
		return fmt.Errorf("takeover of %s: receiving actor %s is not human", executionID, req.To)
	}
	if req.Type == "" {
		req.Type = HandoffTakeover
	}
	snapshot := make(map[string]string, len(req.Snapshot))
	for k, v := range req.Snapshot {
		snapshot[k] = v
	}
	now := m.now()
	return m.apply(ctx, Transition{
		ExecutionID: executionID,
		From:        Running,
		To:          HumanTakeover,
		PauseReason: req.Reason,
		At:          now,
		Handoff: &Handoff{
			ID:              uuid.NewString(),
			ExecutionID:     executionID,
			From:            req.From,
			To:              req.To,
			Type:            req.Type,
			Reason:          req.Reason,
			ContextSnapshot: snapshot,
			At:              now,
		},
	})
}

// AwaitInput moves running → awaiting_input when a checkpoint or gate
// blocks.
func (m *Machine) AwaitInput(ctx context.Context, executionID, reason string) error {
	return m.apply(ctx, Transition{
		ExecutionID: executionID,
		From:        Running,
		To:          AwaitingInput,
		PauseReason: reason,
		At:          m.now(),
	})
}

// ResumeInput moves awaiting_input → running once the blocking item is
// resolved.
func (m *Machine) ResumeInput(ctx context.Context, executionID string) error {
	return m.apply(ctx, Transition{
		ExecutionID: executionID,
		From:        AwaitingInput,
		To:          Running,
		At:          m.now(),
	})
}

// History returns pause/resume records, oldest first.
func (m *Machine) History(ctx context.Context, executionID string) ([]PauseRecord, error) {
	return m.store.PauseHistory(ctx, executionID)
}

// Handoffs returns handoff records, oldest first.
func (m *Machine) Handoffs(ctx context.Context, executionID string) ([]Handoff, error) {
	return m.store.Handoffs(ctx, executionID)
}

func (m *Machine) apply(ctx context.Context, t Transition) error {
	current, err := m.store.GetExecution(ctx, t.ExecutionID)
	if err != nil {
		return err
	}
	if current.State != t.From || !CanTransition(t.From, t.To) {
		return m.reject(ctx, t.ExecutionID, current.State, t.To)
	}
	ok, err := m.store.ApplyTransition(ctx, t)
	if err != nil {
		return fmt.Errorf("applying %s -> %s on %s: %w", t.From, t.To, t.ExecutionID, err)
	}
	if !ok {
		// Lost a race; report against whatever state won.
		latest, err := m.store.GetExecution(ctx, t.ExecutionID)
		if err != nil {
			return err
		}
		return m.reject(ctx, t.ExecutionID, latest.State, t.To)
	}

	m.logger.Info("control-state changed",
		"execution", t.ExecutionID, "from", t.From, "to", t.To, "reason", t.PauseReason)
	m.emit(events.ControlTransition, t, map[string]string{
		"from":   string(t.From),
		"to":     string(t.To),
		"reason": t.PauseReason,
	})
	if p := t.Pause; p != nil {
		kind := events.ControlPause
		if p.Action == ActionResume {
			kind = events.ControlResume
		}
		m.emit(kind, t, map[string]string{"by": p.InitiatedBy.String(), "reason": p.Reason})
	}
	if h := t.Handoff; h != nil {
		m.emit(events.ControlHandoff, t, map[string]string{
			"from": h.From.String(),
			"to":   h.To.String(),
			"type": string(h.Type),
		})
	}
	return nil
}

func (m *Machine) reject(ctx context.Context, executionID string, from, to State) error {
	err := &TransitionError{ExecutionID: executionID, From: from, To: to}
	m.logger.ErrorContext(ctx, "rejected control-state transition",
		"execution", executionID, "from", from, "to", to)
	return err
}

func (m *Machine) emit(kind events.Kind, t Transition, attrs map[string]string) {
	m.emitter.Emit(events.Event{
		Kind:        kind,
		ExecutionID: t.ExecutionID,
		Attrs:       attrs,
		Timestamp:   t.At,
	})
}
