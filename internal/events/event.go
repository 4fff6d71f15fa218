// Package events carries state-transition notifications out of the core:
// loop status changes, iteration results, slot admission, checkpoint and
// gate activity, and control-state changes. Emission is fire and forget.
package events

import (
	"time"
)

// Kind names an event.
type Kind string

const (
	LoopStatus          Kind = "loop.status"
	IterationStarted    Kind = "iteration.started"
	IterationCompleted  Kind = "iteration.completed"
	ValidationStarted   Kind = "validation.started"
	ValidationCompleted Kind = "validation.completed"
	SessionCaptured     Kind = "session.captured"

	SlotAcquired Kind = "slot.acquired"
	SlotReleased Kind = "slot.released"
	SlotRejected Kind = "slot.rejected"

	CheckpointTriggered Kind = "checkpoint.triggered"
	CheckpointResolved  Kind = "checkpoint.resolved"
	GateTriggered       Kind = "gate.triggered"
	GateDecision        Kind = "gate.decision"
	GateResolved        Kind = "gate.resolved"

	ControlTransition Kind = "control.transition"
	ControlPause      Kind = "control.pause"
	ControlResume     Kind = "control.resume"
	ControlHandoff    Kind = "control.handoff"
)

// Event is one notification. Attrs carries kind-specific detail such as
// "status", "iteration" or "checkpoint_id".
type Event struct {
	Kind        Kind
	ExecutionID string
	LoopID      string
	Message     string
	Attrs       map[string]string
	Timestamp   time.Time
}

// Attr returns the named attribute or "".
func (e Event) Attr(key string) string {
	return e.Attrs[key]
}

// Emitter receives events. Implementations must not block the caller for
// long; the core never waits on acknowledgement.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f.
func (f EmitterFunc) Emit(ev Event) { f(ev) }

// Nop discards events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// OrNop returns e, or a Nop emitter when e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop{}
	}
	return e
}

// ChanEmitter sends events to a channel for a consumer such as the monitor.
type ChanEmitter struct {
	Ch chan<- Event
}

// Emit sends the event (non-blocking; drops if the channel is full).
func (e *ChanEmitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case e.Ch <- ev:
	default:
	}
}
