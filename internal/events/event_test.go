package events

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestChanEmitter_DropsWhenFull(t *testing.T) {
	ch := make(chan Event, 1)
	e := &ChanEmitter{Ch: ch}

	e.Emit(Event{Kind: LoopStatus, Message: "first"})
	e.Emit(Event{Kind: LoopStatus, Message: "second"})

	got := <-ch
	if got.Message != "first" {
		t.Errorf("Message = %q, want %q", got.Message, "first")
	}
	if got.Timestamp.IsZero() {
		t.Error("Timestamp not filled in")
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected second event %+v", ev)
	default:
	}
}

func TestMulti_IsolatesPanics(t *testing.T) {
	var rec Recorder
	panicky := EmitterFunc(func(Event) { panic("boom") })
	m := NewMulti(nil, panicky, &rec)

	m.Emit(Event{Kind: SlotAcquired})
	m.Emit(Event{Kind: SlotReleased})

	if n := len(rec.Events()); n != 2 {
		t.Fatalf("recorder saw %d events, want 2", n)
	}
	if n := len(rec.OfKind(SlotReleased)); n != 1 {
		t.Errorf("OfKind(SlotReleased) = %d, want 1", n)
	}
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := &LogEmitter{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	l.Emit(Event{
		Kind:        CheckpointTriggered,
		ExecutionID: "exec-1",
		Attrs:       map[string]string{"checkpoint_id": "cp-9"},
	})
	out := buf.String()
	for _, want := range []string{"event=checkpoint.triggered", "execution=exec-1", "checkpoint_id=cp-9"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestOrNop(t *testing.T) {
	if _, ok := OrNop(nil).(Nop); !ok {
		t.Error("OrNop(nil) should return Nop")
	}
	var rec Recorder
	if OrNop(&rec) != Emitter(&rec) {
		t.Error("OrNop should return the emitter it was given")
	}
}
