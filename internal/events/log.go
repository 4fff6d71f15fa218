package events

import (
	"context"
	"log/slog"
	"sort"
)

// LogEmitter writes every event to a structured logger at info level.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(ev Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := make([]any, 0, 4+2*len(ev.Attrs))
	if ev.ExecutionID != "" {
		args = append(args, "execution", ev.ExecutionID)
	}
	if ev.LoopID != "" {
		args = append(args, "loop", ev.LoopID)
	}
	keys := make([]string, 0, len(ev.Attrs))
	for k := range ev.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, ev.Attrs[k])
	}
	msg := ev.Message
	if msg == "" {
		msg = string(ev.Kind)
	}
	logger.Log(context.Background(), slog.LevelInfo, msg, append([]any{"event", string(ev.Kind)}, args...)...)
}
