// Package completion detects the dual-gate completion signal in agent
// output. Both the completion promise and the exit signal must appear in
// the same output; either one alone is recorded but never completes a loop.
//
// Matching is plain substring presence. An agent that quotes both tokens
// without doing the work is indistinguishable from one that finished.
package completion

import (
	"strings"
)

// Default gate tokens.
const (
	DefaultPromise       = "<promise>TASK_COMPLETE</promise>"
	DefaultExitSignalKey = "EXIT_SIGNAL: true"
)

// Signals reports which gates were found in one iteration's output.
type Signals struct {
	CompletionSignalFound bool `json:"completion_signal_found"`
	ExitSignalFound       bool `json:"exit_signal_found"`
}

// Complete reports whether both gates are satisfied.
func (s Signals) Complete() bool {
	return s.CompletionSignalFound && s.ExitSignalFound
}

// Status classifies the pair of gates.
type Status string

const (
	StatusComplete    Status = "complete"
	StatusPromiseOnly Status = "promise_only"
	StatusSignalOnly  Status = "signal_only"
	StatusIncomplete  Status = "incomplete"
)

// Status returns the classification of s.
func (s Signals) Status() Status {
	switch {
	case s.Complete():
		return StatusComplete
	case s.CompletionSignalFound:
		return StatusPromiseOnly
	case s.ExitSignalFound:
		return StatusSignalOnly
	default:
		return StatusIncomplete
	}
}

// Detect looks for promise and exitKey in output. An empty token never
// matches.
func Detect(output, promise, exitKey string) Signals {
	return Signals{
		CompletionSignalFound: contains(output, promise),
		ExitSignalFound:       contains(output, exitKey),
	}
}

func contains(output, token string) bool {
	return token != "" && strings.Contains(output, token)
}

// maxContextLines bounds ExtractContext.
const maxContextLines = 5

// ExtractContext returns the lines around the first line containing token,
// at most radius lines either side and never more than five lines total.
// It returns "" when token is absent.
func ExtractContext(output, token string, radius int) string {
	if token == "" {
		return ""
	}
	lines := strings.Split(output, "\n")
	for i, line := range lines {
		if !strings.Contains(line, token) {
			continue
		}
		if radius < 0 {
			radius = 0
		}
		start := max(0, i-radius)
		end := min(len(lines), i+radius+1)
		for end-start > maxContextLines {
			if i-start > end-1-i {
				start++
			} else {
				end--
			}
		}
		return strings.Join(lines[start:end], "\n")
	}
	return ""
}
