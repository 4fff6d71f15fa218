// Command ralphd runs agent tasks through Ralph loops and lets an operator
// inspect and steer them: slot capacity, checkpoints, approval gates and
// pause/resume/takeover of running executions.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// exitError carries a process exit code out of a command.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "ralphd:", err)
		os.Exit(1)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "ralphd",
		Short:         "Agent execution orchestrator",
		Long:          "ralphd admits agent tasks against per-project slot capacity and drives them through\nvalidated Ralph loops with checkpoints, approval gates and operator control.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.ralphd/config.yaml)")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "database path (overrides config)")

	root.AddCommand(
		newRunCmd(a),
		newContinueCmd(a),
		newSlotsCmd(a),
		newCheckpointsCmd(a),
		newGatesCmd(a),
		newControlCmd(a),
		newProfilesCmd(a),
		newLoopsCmd(a),
		newMonitorCmd(a),
	)
	return root
}
