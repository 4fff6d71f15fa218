package ralph

import (
	"errors"
	"fmt"
	"time"

	"ralphd/internal/backpressure"
	"ralphd/internal/completion"
	"ralphd/internal/jsonutil"
)

// Status is a loop's status.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusValidating   Status = "validating"
	StatusComplete     Status = "complete"
	StatusMaxReached   Status = "max_reached"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// String implements fmt.Stringer.
func (s Status) String() string { return string(s) }

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusMaxReached, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ExitCode maps a terminal status to a process exit code.
func (s Status) ExitCode() int {
	switch s {
	case StatusComplete:
		return 0
	case StatusMaxReached:
		return 2
	case StatusFailed:
		return 3
	case StatusCancelled:
		return 5
	default:
		return 1
	}
}

// ParseStatus parses a stored status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusInitializing, StatusRunning, StatusValidating, StatusComplete,
		StatusMaxReached, StatusFailed, StatusCancelled:
		return Status(s), nil
	}
	return "", jsonutil.ParseEnumError("loop status", s)
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) { return jsonutil.MarshalEnum(s) }

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	v, err := jsonutil.UnmarshalEnum(data, ParseStatus)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

var nextStatuses = map[Status][]Status{
	StatusInitializing: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:      {StatusValidating, StatusFailed, StatusCancelled},
	StatusValidating:   {StatusRunning, StatusComplete, StatusMaxReached, StatusFailed, StatusCancelled},
}

// AtBoundary reports whether a loop stopped between iterations: before the
// first one, or after the last recorded one ended. Only such a loop can be
// resumed from its persisted state.
func AtBoundary(l *LoopState, its []Iteration) bool {
	switch l.Status {
	case StatusInitializing:
		return l.CurrentIteration == 0 && len(its) == 0
	case StatusValidating:
		if l.CurrentIteration == 0 || len(its) != l.CurrentIteration {
			return false
		}
		return its[len(its)-1].Ended()
	}
	return false
}

// CanTransition reports whether a loop may move from → to. Terminal
// statuses have no successors; a failed loop is never re-initialized.
func CanTransition(from, to Status) bool {
	for _, s := range nextStatuses[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IterationStatus is an iteration's status.
type IterationStatus string

const (
	IterationRunning   IterationStatus = "running"
	IterationCompleted IterationStatus = "completed"
	IterationFailed    IterationStatus = "failed"
	IterationTimeout   IterationStatus = "timeout"
)

// ParseIterationStatus parses a stored iteration status.
func ParseIterationStatus(s string) (IterationStatus, error) {
	switch IterationStatus(s) {
	case IterationRunning, IterationCompleted, IterationFailed, IterationTimeout:
		return IterationStatus(s), nil
	}
	return "", jsonutil.ParseEnumError("iteration status", s)
}

// Usage accumulates token and cost metrics.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add returns u + o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		CostUSD:      u.CostUSD + o.CostUSD,
	}
}

// LoopState is the persisted state of one loop.
type LoopState struct {
	ID                    string
	AttemptID             string
	ExecutionID           string
	CurrentIteration      int
	MaxIterations         int
	SessionToken          string
	Status                Status
	CompletionPromise     string
	ExitSignalKey         string
	CompletionDetectedAt  *time.Time
	FinalValidationPassed bool
	Usage                 Usage
	ConsecutiveFailures   int
	LastError             string
	StartedAt             time.Time
	UpdatedAt             time.Time
	EndedAt               *time.Time
}

// Iteration is the record of one agent round.
type Iteration struct {
	ID                    string
	LoopID                string
	Number                int
	Status                IterationStatus
	CompletionSignalFound bool
	ExitSignalFound       bool
	Backpressure          *backpressure.Result
	BackpressurePassed    bool
	Usage                 Usage
	Duration              time.Duration
	OutputSummary         string
	Error                 string
	FilesChanged          []string
	ExternalCalls         []string
	StartedAt             time.Time
	EndedAt               *time.Time
}

// Ended reports whether the iteration reached a final status.
func (it *Iteration) Ended() bool {
	return it.EndedAt != nil && it.Status != IterationRunning
}

// Signals returns the iteration's gate results.
func (it *Iteration) Signals() completion.Signals {
	return completion.Signals{
		CompletionSignalFound: it.CompletionSignalFound,
		ExitSignalFound:       it.ExitSignalFound,
	}
}

// ValidationPolicy decides when backpressure runs.
type ValidationPolicy string

const (
	// ValidateEachIteration runs backpressure after every successful
	// agent invocation.
	ValidateEachIteration ValidationPolicy = "each_iteration"
	// ValidateOnCompletion runs it only when both completion gates are
	// found.
	ValidateOnCompletion ValidationPolicy = "on_completion"
)

// Defaults.
const (
	DefaultMaxIterations           = 50
	DefaultIterationDelay          = 2 * time.Second
	DefaultIterationTimeout        = 10 * time.Minute
	DefaultTotalTimeout            = 2 * time.Hour
	DefaultConsecutiveFailureLimit = 3
)

// PromptTemplates are text/template sources for the prompts sent to the
// agent. Empty fields use the built-in templates.
type PromptTemplates struct {
	System   string `yaml:"system,omitempty" json:"system,omitempty"`
	Initial  string `yaml:"initial,omitempty" json:"initial,omitempty"`
	Followup string `yaml:"followup,omitempty" json:"followup,omitempty"`
}

// Config is the effective configuration of one loop.
type Config struct {
	MaxIterations          int
	CompletionPromise      string
	ExitSignalKey          string
	Backpressure           []backpressure.Command
	BackpressureParallel   bool
	FailOnAny              bool
	Validation             ValidationPolicy
	IterationDelay         time.Duration
	IterationTimeout       time.Duration
	TotalTimeout           time.Duration
	PreserveSession        bool
	MaxConsecutiveFailures int
	Templates              PromptTemplates
}

// ErrInvalidConfig is wrapped by configuration errors returned from Run.
var ErrInvalidConfig = errors.New("invalid loop configuration")

// Validate rejects configurations a loop cannot run with.
func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("%w: max_iterations must be positive, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if c.IterationTimeout < 0 || c.TotalTimeout < 0 || c.IterationDelay < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	switch c.Validation {
	case "", ValidateEachIteration, ValidateOnCompletion:
	default:
		return fmt.Errorf("%w: unknown validation policy %q", ErrInvalidConfig, c.Validation)
	}
	return nil
}

// withDefaults fills unset optional fields. MaxIterations is never
// defaulted: zero is a configuration error.
func (c Config) withDefaults() Config {
	if c.CompletionPromise == "" {
		c.CompletionPromise = completion.DefaultPromise
	}
	if c.ExitSignalKey == "" {
		c.ExitSignalKey = completion.DefaultExitSignalKey
	}
	if c.Validation == "" {
		c.Validation = ValidateEachIteration
	}
	if c.IterationTimeout == 0 {
		c.IterationTimeout = DefaultIterationTimeout
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultConsecutiveFailureLimit
	}
	return c
}

// Result is what Run returns: the terminal state and the full iteration
// history.
type Result struct {
	Loop       LoopState
	Iterations []Iteration
}

// Status is the loop's terminal status.
func (r *Result) Status() Status { return r.Loop.Status }

// ExitCode is the process exit code for the terminal status.
func (r *Result) ExitCode() int { return r.Loop.Status.ExitCode() }
