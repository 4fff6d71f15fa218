// Package control tracks the high-level control-state of an execution
// (running, paused, human_takeover, awaiting_input) and records pause,
// resume and handoff history. Only the transitions in the table below are
// valid; anything else is rejected and logged, never coerced.
package control

import (
	"errors"
	"fmt"
	"time"

	"ralphd/internal/actor"
	"ralphd/internal/jsonutil"
)

// State is an execution's control-state.
type State string

const (
	Running       State = "running"
	Paused        State = "paused"
	HumanTakeover State = "human_takeover"
	AwaitingInput State = "awaiting_input"
)

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// ParseState parses a stored state.
func ParseState(s string) (State, error) {
	switch State(s) {
	case Running, Paused, HumanTakeover, AwaitingInput:
		return State(s), nil
	}
	return "", jsonutil.ParseEnumError("control state", s)
}

var transitions = map[State][]State{
	Running:       {Paused, HumanTakeover, AwaitingInput},
	Paused:        {Running},
	AwaitingInput: {Running},
}

// CanTransition reports whether from → to is a valid transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidTransition is wrapped by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid control-state transition")
	// ErrNotFound is returned for an unknown execution.
	ErrNotFound = errors.New("execution not found")
)

// TransitionError reports a rejected transition.
type TransitionError struct {
	ExecutionID string
	From        State
	To          State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution %s: cannot transition %s -> %s", e.ExecutionID, e.From, e.To)
}

// Unwrap returns ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Status is the execution's lifecycle status, separate from control-state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Execution is the slice of the externally owned execution-process record
// that the core reads and writes.
type Execution struct {
	ID          string
	ProjectID   string
	AttemptID   string
	TaskID      string
	Status      Status
	SlotID      string
	Priority    int
	State       State
	PauseReason string
	LoopID      string
	Iteration   int
	// Owner is the process currently driving the execution. Its claim is
	// valid until LeaseExpiresAt; an expired lease may be taken over.
	Owner          string
	LeaseExpiresAt time.Time
	// Launch is the encoded request the execution was started with.
	Launch    []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LeaseExpired reports whether no process holds the execution at now.
func (e *Execution) LeaseExpired(now time.Time) bool {
	return !now.Before(e.LeaseExpiresAt)
}

// PauseAction is the kind of a PauseRecord.
type PauseAction string

const (
	ActionPause  PauseAction = "pause"
	ActionResume PauseAction = "resume"
)

// PauseRecord is one entry of pause/resume history.
type PauseRecord struct {
	ID          string
	ExecutionID string
	Action      PauseAction
	Reason      string
	InitiatedBy actor.Actor
	At          time.Time
}

// HandoffType classifies a handoff.
type HandoffType string

const (
	HandoffTakeover      HandoffType = "takeover"
	HandoffReturn        HandoffType = "return"
	HandoffEscalation    HandoffType = "escalation"
	HandoffDelegation    HandoffType = "delegation"
	HandoffAssistance    HandoffType = "assistance"
	HandoffReviewRequest HandoffType = "review_request"
)

// ParseHandoffType parses a stored handoff type.
func ParseHandoffType(s string) (HandoffType, error) {
	switch HandoffType(s) {
	case HandoffTakeover, HandoffReturn, HandoffEscalation, HandoffDelegation, HandoffAssistance, HandoffReviewRequest:
		return HandoffType(s), nil
	}
	return "", jsonutil.ParseEnumError("handoff type", s)
}

// Handoff records control passing between actors. ContextSnapshot is a
// point-in-time capture and is never updated.
type Handoff struct {
	ID              string
	ExecutionID     string
	From            actor.Actor
	To              actor.Actor
	Type            HandoffType
	Reason          string
	ContextSnapshot map[string]string
	At              time.Time
}

// Transition is one compare-and-swap on an execution's control-state with
// the audit rows written alongside it.
type Transition struct {
	ExecutionID string
	From        State
	To          State
	PauseReason string
	At          time.Time
	Pause       *PauseRecord
	Handoff     *Handoff
}
