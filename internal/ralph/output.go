package ralph

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// writef writes formatted output, ignoring errors.
// Use for non-critical output where write failures are acceptable.
func writef(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func printIteration(out io.Writer, it *Iteration, maxIterations int) {
	if out == nil {
		return
	}
	gates := it.Signals().Status()
	writef(out, "[%d/%d] %s (%s) gates=%s", it.Number, maxIterations, it.Status, it.Duration.Round(time.Millisecond), gates)
	if it.Backpressure != nil {
		writef(out, " validation=%s", it.Backpressure.StatusString())
	}
	writef(out, "\n")
	if it.Error != "" {
		writef(out, "  error: %s\n", it.Error)
	}
	if it.Backpressure != nil && !it.Backpressure.AllPassed {
		for _, name := range it.Backpressure.FailedCommands() {
			writef(out, "  failed: %s\n", name)
		}
	}
}

// PrintSummary writes a human-readable summary of a finished loop.
func PrintSummary(out io.Writer, r *Result) {
	l := r.Loop
	writef(out, "loop %s: %s after %d/%d iterations\n", l.ID, l.Status, l.CurrentIteration, l.MaxIterations)
	if l.LastError != "" {
		writef(out, "  last error: %s\n", l.LastError)
	}
	if l.Usage != (Usage{}) {
		writef(out, "  usage: %d in / %d out tokens, $%.4f\n", l.Usage.InputTokens, l.Usage.OutputTokens, l.Usage.CostUSD)
	}
	if l.SessionToken != "" {
		writef(out, "  session: %s\n", l.SessionToken)
	}
	if len(r.Iterations) == 0 {
		return
	}
	writef(out, "  iterations:\n")
	for _, it := range r.Iterations {
		line := fmt.Sprintf("    #%d %-9s gates=%s", it.Number, it.Status, it.Signals().Status())
		if it.Backpressure != nil {
			line += " validation=" + it.Backpressure.StatusString()
		}
		if it.Error != "" {
			line += " error=" + strings.ReplaceAll(it.Error, "\n", " ")
		}
		writef(out, "%s\n", line)
	}
}
