// Package profile holds execution profiles and resolves the effective loop
// configuration for one attempt.
//
// Profiles and backpressure definitions come from an embedded seed file,
// optionally overridden by a user file, and are loaded once into an
// immutable Registry. A Resolver merges the selected profile with
// project-type backpressure and agent- and task-level overrides.
package profile

import (
	"errors"
	"time"

	"ralphd/internal/backpressure"
	"ralphd/internal/jsonutil"
	"ralphd/internal/ralph"
)

var (
	// ErrInvalidConfig is wrapped by every resolution or load error caused
	// by bad configuration.
	ErrInvalidConfig = errors.New("invalid execution configuration")
	// ErrUnknownProfile is returned for a profile name not in the registry.
	ErrUnknownProfile = errors.New("unknown execution profile")
)

// Mode selects how an attempt executes.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeRalph    Mode = "ralph"
	ModeParallel Mode = "parallel"
	ModePipeline Mode = "pipeline"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStandard, ModeRalph, ModeParallel, ModePipeline:
		return Mode(s), nil
	}
	return "", jsonutil.ParseEnumError("execution mode", s)
}

// Iterative reports whether m runs a loop.
func (m Mode) Iterative() bool { return m == ModeRalph }

// ContextStrategy controls what context the agent keeps between iterations.
type ContextStrategy string

const (
	// ContextFresh starts every iteration cold.
	ContextFresh ContextStrategy = "fresh"
	// ContextCumulative continues one agent session across iterations.
	ContextCumulative ContextStrategy = "cumulative"
	// ContextSliding continues the session but the agent trims history.
	ContextSliding ContextStrategy = "sliding"
)

// ParseContextStrategy parses a strategy name.
func ParseContextStrategy(s string) (ContextStrategy, error) {
	switch ContextStrategy(s) {
	case ContextFresh, ContextCumulative, ContextSliding:
		return ContextStrategy(s), nil
	}
	return "", jsonutil.ParseEnumError("context strategy", s)
}

// Profile is a named, reusable execution configuration.
type Profile struct {
	Name                   string                 `yaml:"name"`
	Description            string                 `yaml:"description,omitempty"`
	Mode                   Mode                   `yaml:"mode"`
	MaxIterations          int                    `yaml:"max_iterations"`
	CompletionPromise      string                 `yaml:"completion_promise,omitempty"`
	ExitSignalKey          string                 `yaml:"exit_signal_key,omitempty"`
	Backpressure           []backpressure.Command `yaml:"backpressure,omitempty"`
	BackpressureRefs       []string               `yaml:"backpressure_refs,omitempty"`
	FailOnAny              *bool                  `yaml:"fail_on_any,omitempty"`
	Validation             ralph.ValidationPolicy `yaml:"validation,omitempty"`
	IterationDelay         time.Duration          `yaml:"iteration_delay,omitempty"`
	IterationTimeout       time.Duration          `yaml:"iteration_timeout,omitempty"`
	TotalTimeout           time.Duration          `yaml:"total_timeout,omitempty"`
	PreserveSession        bool                   `yaml:"preserve_session,omitempty"`
	ContextStrategy        ContextStrategy        `yaml:"context_strategy,omitempty"`
	MaxConsecutiveFailures int                    `yaml:"max_consecutive_failures,omitempty"`
	Templates              ralph.PromptTemplates  `yaml:"templates,omitempty"`
}

// BackpressureDefinition is a named command set. Definitions with a
// ProjectType apply automatically to projects of that type; others are
// pulled in by name through Profile.BackpressureRefs.
type BackpressureDefinition struct {
	Name        string                   `yaml:"name"`
	ProjectType backpressure.ProjectType `yaml:"project_type,omitempty"`
	Commands    []backpressure.Command   `yaml:"commands"`
	FailOnAny   bool                     `yaml:"fail_on_any"`
	Parallel    bool                     `yaml:"parallel,omitempty"`
	Timeout     time.Duration            `yaml:"timeout,omitempty"`
}

// Override adjusts a resolved configuration. Nil fields keep the inherited
// value. It is used for both agent- and task-level overrides.
type Override struct {
	Mode          *Mode `yaml:"mode,omitempty"`
	MaxIterations *int  `yaml:"max_iterations,omitempty"`
	// Backpressure replaces the inherited command list when non-nil.
	Backpressure []backpressure.Command `yaml:"backpressure,omitempty"`
	// ProjectBackpressure appends commands for the detected project type.
	ProjectBackpressure map[backpressure.ProjectType][]backpressure.Command `yaml:"project_backpressure,omitempty"`
	FailOnAny           *bool                                               `yaml:"fail_on_any,omitempty"`
	CompletionPromise   *string                                             `yaml:"completion_promise,omitempty"`
	IterationTimeout    *time.Duration                                      `yaml:"iteration_timeout,omitempty"`
	TotalTimeout        *time.Duration                                      `yaml:"total_timeout,omitempty"`
	PreserveSession     *bool                                               `yaml:"preserve_session,omitempty"`
	SystemPromptPrefix  string                                              `yaml:"system_prompt_prefix,omitempty"`
	SystemPromptSuffix  string                                              `yaml:"system_prompt_suffix,omitempty"`
}

// Effective is one fully resolved configuration.
type Effective struct {
	Profile         string
	Mode            Mode
	ProjectType     backpressure.ProjectType
	ContextStrategy ContextStrategy
	Loop            ralph.Config
}

// Iterative reports whether the attempt runs a Ralph loop.
func (e *Effective) Iterative() bool { return e.Mode.Iterative() }
