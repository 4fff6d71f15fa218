// Package agent runs one loop iteration by invoking an agent CLI that
// speaks stream-json (one JSON event per line).
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"ralphd/internal/pty"
	"ralphd/internal/ralph"
)

// Config describes the agent command line.
type Config struct {
	Binary     string   `yaml:"binary"`
	Model      string   `yaml:"model"`
	Args       []string `yaml:"args"`
	ResumeFlag string   `yaml:"resume_flag"`
	UsePTY     bool     `yaml:"use_pty"`
}

// DefaultBinary is the agent CLI used when Config.Binary is empty.
const DefaultBinary = "claude"

// CommandFactory builds the command for one invocation. Tests inject a
// factory that re-executes the test binary.
type CommandFactory func(ctx context.Context, workDir string, args ...string) *exec.Cmd

// Process is a ralph.Agent backed by an external CLI.
type Process struct {
	cfg     Config
	factory CommandFactory
	live    io.Writer
	starter pty.Starter
	logger  *slog.Logger
	now     func() time.Time
}

var _ ralph.Agent = (*Process)(nil)

// Option configures a Process.
type Option func(*Process)

// WithCommandFactory overrides how commands are built.
func WithCommandFactory(f CommandFactory) Option { return func(p *Process) { p.factory = f } }

// WithLiveOutput tees agent stdout to w as it is produced.
func WithLiveOutput(w io.Writer) Option { return func(p *Process) { p.live = w } }

// WithPTYStarter overrides the terminal used when Config.UsePTY is set.
func WithPTYStarter(s pty.Starter) Option { return func(p *Process) { p.starter = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Process) { p.logger = l } }

// New returns a Process for cfg.
func New(cfg Config, opts ...Option) *Process {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.ResumeFlag == "" {
		cfg.ResumeFlag = "--resume"
	}
	p := &Process{cfg: cfg, live: io.Discard, starter: pty.Creack{}, now: time.Now}
	p.factory = func(ctx context.Context, workDir string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, p.cfg.Binary, args...)
		cmd.Dir = workDir
		return cmd
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Args returns the command-line arguments for inv.
func (p *Process) Args(inv ralph.Invocation) []string {
	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if p.cfg.Model != "" {
		args = append(args, "--model", p.cfg.Model)
	}
	if inv.SessionToken != "" {
		args = append(args, p.cfg.ResumeFlag, inv.SessionToken)
	}
	args = append(args, p.cfg.Args...)
	return append(args, inv.Prompt)
}

// RunIteration implements ralph.Agent. A non-zero exit or an is_error
// result is reported as an unsuccessful AgentResult; only a failure to
// start the process is returned as an error.
func (p *Process) RunIteration(ctx context.Context, inv ralph.Invocation) (*ralph.AgentResult, error) {
	cmd := p.factory(ctx, inv.WorkDir, p.Args(inv)...)
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env,
		"RALPH_LOOP_ID="+inv.LoopID,
		"RALPH_EXECUTION_ID="+inv.ExecutionID,
		"RALPH_ITERATION="+strconv.Itoa(inv.Iteration),
	)

	var stdout, stderr bytes.Buffer
	out := io.MultiWriter(&stdout, p.live)

	start := p.now()
	var err error
	if p.cfg.UsePTY {
		err = pty.Run(ctx, p.starter, cmd, pty.DefaultSize, out)
	} else {
		cmd.Stdout = out
		cmd.Stderr = &stderr
		err = cmd.Run()
	}
	res := &ralph.AgentResult{
		Output:   stdout.String(),
		Success:  true,
		Duration: p.now().Sub(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running agent %s: %w", p.cfg.Binary, err)
		}
		res.Success = false
		res.ExitCode = exitErr.ExitCode()
		res.Error = lastLine(stderr.String())
		if res.Error == "" {
			res.Error = fmt.Sprintf("agent exited with code %d", res.ExitCode)
		}
	}

	s := parseStream(res.Output)
	res.SessionToken = s.sessionID
	res.Usage = s.usage
	res.FilesChanged = s.filesChanged
	res.ExternalCalls = s.externalCalls
	if s.sawResult && s.isError && res.Success {
		res.Success = false
		res.Error = lastLine(s.resultText)
		if res.Error == "" {
			res.Error = "agent reported an error result"
		}
	}

	p.logger.Debug("agent iteration finished",
		"loop", inv.LoopID, "iteration", inv.Iteration, "exit_code", res.ExitCode,
		"success", res.Success, "files_changed", len(res.FilesChanged), "duration", res.Duration)
	return res, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
