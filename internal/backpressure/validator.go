// Package backpressure runs validation commands (tests, linters, builds)
// between loop iterations and reports whether they passed. It knows nothing
// about loops or sessions; it executes and reports.
package backpressure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a command that does not set its own timeout.
const DefaultTimeout = 5 * time.Minute

// maxOutput caps the captured output kept per command.
const maxOutput = 64 * 1024

// failureSummaryLimit caps FailureSummary.
const failureSummaryLimit = 500

// Command is one shell-level check.
type Command struct {
	Name    string        `json:"name,omitempty" yaml:"name,omitempty"`
	Run     string        `json:"run" yaml:"run"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Key identifies the command in results: its name, or the command line.
func (c Command) Key() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Run
}

// Options controls a Validate call.
type Options struct {
	Parallel  bool
	FailOnAny bool
}

// CommandResult is the outcome of one command.
type CommandResult struct {
	Command  string        `json:"command"`
	Passed   bool          `json:"passed"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// Result aggregates a Validate call.
//
// AllPassed is the AND over every result when FailOnAny is set. With
// FailOnAny unset failures are still recorded in Results and FailedCount
// but AllPassed stays true: they do not block completion.
type Result struct {
	Results       []CommandResult `json:"results"`
	AllPassed     bool            `json:"all_passed"`
	FailOnAny     bool            `json:"fail_on_any"`
	PassedCount   int             `json:"passed_count"`
	FailedCount   int             `json:"failed_count"`
	SkippedCount  int             `json:"skipped_count"`
	TotalDuration time.Duration   `json:"total_duration"`
	Summary       string          `json:"summary"`
}

// FailedCommands lists the keys of failed commands in execution order.
func (r *Result) FailedCommands() []string {
	var out []string
	for _, cr := range r.Results {
		if !cr.Passed {
			out = append(out, cr.Command)
		}
	}
	return out
}

// StatusString is a one-line status for logs and prompts.
func (r *Result) StatusString() string {
	if r.FailedCount == 0 {
		return fmt.Sprintf("PASSED (%d/%d)", r.PassedCount, len(r.Results))
	}
	return fmt.Sprintf("FAILED (%d/%d passed)", r.PassedCount, len(r.Results))
}

// FailureSummary describes the failed commands for feeding back to the
// agent, truncated to a bounded size.
func (r *Result) FailureSummary() string {
	var b strings.Builder
	for _, cr := range r.Results {
		if cr.Passed {
			continue
		}
		if cr.TimedOut {
			fmt.Fprintf(&b, "## %s (timed out)\n", cr.Command)
		} else {
			fmt.Fprintf(&b, "## %s (exit %d)\n", cr.Command, cr.ExitCode)
		}
		if out := strings.TrimSpace(cr.Output); out != "" {
			b.WriteString(out)
			b.WriteString("\n")
		}
	}
	s := b.String()
	if len(s) > failureSummaryLimit {
		s = s[:failureSummaryLimit] + "\n...(truncated)"
	}
	return s
}

// CommandFactory builds the process for one shell script. Tests inject a
// factory that re-executes the test binary.
type CommandFactory func(ctx context.Context, dir, script string) *exec.Cmd

func defaultCommandFactory(ctx context.Context, dir, script string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = dir
	return cmd
}

// Validator executes commands in Dir.
type Validator struct {
	Dir            string
	DefaultTimeout time.Duration
	CommandFactory CommandFactory
}

// Validate runs commands and aggregates their results. An empty command
// list passes.
func (v *Validator) Validate(ctx context.Context, commands []Command, opts Options) *Result {
	start := time.Now()
	var results []CommandResult
	if opts.Parallel {
		results = v.runParallel(ctx, commands)
	} else {
		results = v.runSequential(ctx, commands, opts.FailOnAny)
	}
	return aggregate(results, len(commands), opts.FailOnAny, time.Since(start))
}

func (v *Validator) runSequential(ctx context.Context, commands []Command, failOnAny bool) []CommandResult {
	results := make([]CommandResult, 0, len(commands))
	for _, c := range commands {
		cr := v.run(ctx, c)
		results = append(results, cr)
		if !cr.Passed && failOnAny {
			break
		}
	}
	return results
}

func (v *Validator) runParallel(ctx context.Context, commands []Command) []CommandResult {
	results := make([]CommandResult, len(commands))
	var g errgroup.Group
	for i, c := range commands {
		g.Go(func() error {
			results[i] = v.run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (v *Validator) run(ctx context.Context, c Command) CommandResult {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = v.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	factory := v.CommandFactory
	if factory == nil {
		factory = defaultCommandFactory
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := factory(cctx, v.Dir, c.Run)
	// Grandchildren of sh can hold the pipes open after the kill.
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	cr := CommandResult{
		Command:  c.Key(),
		Duration: time.Since(start),
		Stdout:   tail(stdout.String()),
		Stderr:   tail(stderr.String()),
	}
	cr.Output = combine(cr.Stdout, cr.Stderr)

	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		cr.TimedOut = true
		cr.ExitCode = -1
		cr.Output = combine(cr.Output, fmt.Sprintf("command timed out after %s", timeout))
		return cr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cr.ExitCode = exitErr.ExitCode()
		} else {
			cr.ExitCode = -1
			cr.Output = combine(cr.Output, err.Error())
		}
		return cr
	}
	cr.Passed = true
	return cr
}

func aggregate(results []CommandResult, requested int, failOnAny bool, elapsed time.Duration) *Result {
	r := &Result{
		Results:       results,
		FailOnAny:     failOnAny,
		TotalDuration: elapsed,
		SkippedCount:  requested - len(results),
	}
	for _, cr := range results {
		if cr.Passed {
			r.PassedCount++
		} else {
			r.FailedCount++
		}
	}
	if failOnAny {
		r.AllPassed = r.FailedCount == 0 && r.SkippedCount == 0
	} else {
		r.AllPassed = true
	}

	switch {
	case len(results) == 0:
		r.Summary = "no validation commands configured"
	case r.FailedCount == 0:
		r.Summary = fmt.Sprintf("All %d validation commands passed", len(results))
	default:
		r.Summary = fmt.Sprintf("%d of %d commands failed: %s",
			r.FailedCount, len(results), strings.Join(r.FailedCommands(), ", "))
		if !failOnAny {
			r.Summary += " (non-blocking)"
		}
	}
	return r
}

func tail(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}

func combine(a, b string) string {
	a = strings.TrimRight(a, "\n")
	b = strings.TrimRight(b, "\n")
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n" + b
	}
}
