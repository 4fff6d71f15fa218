// Package pty runs agent CLIs on a pseudo-terminal. Some agent CLIs buffer
// or suppress streaming output unless stdout is a TTY.
package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// Size is a terminal size in rows and columns.
type Size struct {
	Rows uint16
	Cols uint16
}

// DefaultSize is wide enough that agent CLIs do not wrap JSON lines.
var DefaultSize = Size{Rows: 50, Cols: 4096}

// Starter starts cmd attached to a terminal and returns the controlling
// side. Tests substitute a pipe-backed Starter.
type Starter interface {
	Start(cmd *exec.Cmd, size Size) (*os.File, error)
}

// Creack starts processes with github.com/creack/pty.
type Creack struct{}

var _ Starter = Creack{}

// Start implements Starter.
func (Creack) Start(cmd *exec.Cmd, size Size) (*os.File, error) {
	return pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
}

// Run starts cmd on a terminal from s, copies everything it prints to out
// and waits for it to exit. The returned error is cmd.Wait's.
//
// If ctx ends while output is still being drained (a grandchild holding the
// terminal open), the terminal is closed and Run returns.
func Run(ctx context.Context, s Starter, cmd *exec.Cmd, size Size, out io.Writer) error {
	f, err := s.Start(cmd, size)
	if err != nil {
		return fmt.Errorf("starting %s on pty: %w", cmd.Path, err)
	}
	defer f.Close()

	copied := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, f)
		copied <- err
	}()

	waitErr := cmd.Wait()

	select {
	case err := <-copied:
		// The controlling side reports EIO once the child side closes.
		if err != nil && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) && waitErr == nil {
			return fmt.Errorf("reading pty output: %w", err)
		}
	case <-ctx.Done():
		_ = f.Close()
		<-copied
	}
	return waitErr
}
