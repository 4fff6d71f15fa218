package ralph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ralphd/internal/jsonutil"
)

// Invocation is everything an agent needs to run one iteration.
type Invocation struct {
	LoopID       string
	ExecutionID  string
	Iteration    int
	Prompt       string
	SessionToken string // empty unless the loop preserves sessions
	WorkDir      string
}

// AgentResult is the outcome of one agent invocation.
type AgentResult struct {
	Output       string
	SessionToken string
	Success      bool
	ExitCode     int
	Usage        Usage
	Duration     time.Duration

	// FilesChanged and ExternalCalls feed checkpoint conditions at the
	// following iteration boundary.
	FilesChanged  []string
	ExternalCalls []string

	Error string
}

// Agent runs one iteration of work. Implementations must honour ctx; the
// loop stops waiting for them when ctx expires either way.
type Agent interface {
	RunIteration(ctx context.Context, inv Invocation) (*AgentResult, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, inv Invocation) (*AgentResult, error)

// RunIteration implements Agent.
func (f AgentFunc) RunIteration(ctx context.Context, inv Invocation) (*AgentResult, error) {
	return f(ctx, inv)
}

// ErrCancelled is returned by boundary hooks that want the loop to stop as
// cancelled rather than failed.
var ErrCancelled = errors.New("loop cancelled")

var (
	errIterationTimeout = errors.New("iteration timeout")
	errTotalTimeout     = errors.New("total timeout")
)

// CancelToken is a cooperative cancellation flag. The loop checks it at
// iteration boundaries; an in-flight agent call is never interrupted by it.
type CancelToken struct {
	once   sync.Once
	mu     sync.Mutex
	reason string
	done   chan struct{}
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the token. Only the first reason is kept.
func (t *CancelToken) Cancel(reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
	})
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the token is cancelled.
func (t *CancelToken) Done() <-chan struct{} { return t.done }

// Reason returns the reason passed to the first Cancel call.
func (t *CancelToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// agentOutcome is what supervise observed. timeout is non-nil when a
// deadline fired, and carries which one.
type agentOutcome struct {
	res     *AgentResult
	err     error
	timeout error
}

// supervise runs the agent under the iteration timeout. The agent call runs
// in its own goroutine so an agent that ignores ctx cannot hold the loop
// past either deadline.
func supervise(ctx context.Context, agent Agent, inv Invocation, timeout time.Duration) agentOutcome {
	ictx, cancel := context.WithTimeoutCause(ctx, timeout, errIterationTimeout)
	defer cancel()

	ch := make(chan agentOutcome, 1)
	go func() {
		r, e := agent.RunIteration(ictx, inv)
		ch <- agentOutcome{res: r, err: e}
	}()

	select {
	case o := <-ch:
		if ictx.Err() != nil {
			o.timeout = timeoutCause(ictx)
		}
		return o
	case <-ictx.Done():
		return agentOutcome{timeout: timeoutCause(ictx)}
	}
}

func timeoutCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, errIterationTimeout) || errors.Is(cause, errTotalTimeout) {
		return cause
	}
	return fmt.Errorf("%w: %v", errIterationTimeout, cause)
}

// SessionIDFromOutput returns the session id announced in stream-json agent
// output, or "" when there is none. The last announcement wins.
func SessionIDFromOutput(output string) string {
	var id string
	jsonutil.ScanObjects(output, func(obj map[string]any) bool {
		sid := jsonutil.GetString(obj, "session_id")
		if sid == "" {
			return true
		}
		if jsonutil.GetString(obj, "subtype") == "session_id" || jsonutil.GetString(obj, "type") == "system" {
			id = sid
		}
		return true
	})
	return id
}

// summarize keeps the tail of output, which is where agents put their
// conclusions.
func summarize(output string, limit int) string {
	output = strings.TrimSpace(output)
	if len(output) <= limit {
		return output
	}
	return "..." + output[len(output)-limit:]
}
