package profile

import (
	"fmt"
	"strings"

	"ralphd/internal/backpressure"
	"ralphd/internal/ralph"
)

// Request selects what to resolve for one attempt.
type Request struct {
	// Profile defaults to DefaultProfile.
	Profile string
	// ProjectType is detected from WorkDir when empty.
	ProjectType backpressure.ProjectType
	WorkDir     string
	Agent       *Override
	Task        *Override
}

// Resolver produces effective configurations from a Registry.
type Resolver struct {
	Registry *Registry
	// Detect finds the project type of a directory. Defaults to
	// backpressure.DetectProjectType.
	Detect func(dir string) backpressure.ProjectType
}

// NewResolver returns a resolver over reg.
func NewResolver(reg *Registry) *Resolver {
	return &Resolver{Registry: reg}
}

// Resolve merges profile, project-type backpressure, agent override and
// task override, in that order.
func (r *Resolver) Resolve(req Request) (*Effective, error) {
	name := req.Profile
	if name == "" {
		name = DefaultProfile
	}
	p, err := r.Registry.Get(name)
	if err != nil {
		return nil, err
	}

	pt := req.ProjectType
	if pt == backpressure.ProjectUnknown && req.WorkDir != "" {
		detect := r.Detect
		if detect == nil {
			detect = backpressure.DetectProjectType
		}
		pt = detect(req.WorkDir)
	}

	strategy := p.ContextStrategy
	if strategy == "" {
		strategy = ContextFresh
	}
	eff := &Effective{
		Profile:         p.Name,
		Mode:            p.Mode,
		ProjectType:     pt,
		ContextStrategy: strategy,
		Loop: ralph.Config{
			MaxIterations:          p.MaxIterations,
			CompletionPromise:      p.CompletionPromise,
			ExitSignalKey:          p.ExitSignalKey,
			Validation:             p.Validation,
			IterationDelay:         p.IterationDelay,
			IterationTimeout:       p.IterationTimeout,
			TotalTimeout:           p.TotalTimeout,
			PreserveSession:        p.PreserveSession,
			MaxConsecutiveFailures: p.MaxConsecutiveFailures,
			Templates:              p.Templates,
		},
	}
	r.resolveBackpressure(eff, p, pt)
	if p.FailOnAny != nil {
		eff.Loop.FailOnAny = *p.FailOnAny
	}

	if err := apply(eff, req.Agent); err != nil {
		return nil, fmt.Errorf("agent override: %w", err)
	}
	if err := apply(eff, req.Task); err != nil {
		return nil, fmt.Errorf("task override: %w", err)
	}

	if strategy == ContextFresh {
		eff.Loop.PreserveSession = false
	}
	if !eff.Mode.Iterative() {
		// Single-shot modes run exactly one agent invocation.
		eff.Loop.MaxIterations = 1
	}
	if err := eff.Loop.Validate(); err != nil {
		return nil, fmt.Errorf("%w: profile %q: %w", ErrInvalidConfig, p.Name, err)
	}
	return eff, nil
}

func (r *Resolver) resolveBackpressure(eff *Effective, p Profile, pt backpressure.ProjectType) {
	cmds := append([]backpressure.Command(nil), p.Backpressure...)
	var defs []BackpressureDefinition
	for _, ref := range p.BackpressureRefs {
		if d, ok := r.Registry.Definition(ref); ok {
			defs = append(defs, d)
		}
	}
	if pt != backpressure.ProjectUnknown {
		for _, d := range r.Registry.Definitions() {
			if d.ProjectType == pt && !containsDefinition(defs, d.Name) {
				defs = append(defs, d)
			}
		}
	}

	failOnAny := len(defs) == 0
	for _, d := range defs {
		for _, c := range d.Commands {
			if c.Timeout == 0 {
				c.Timeout = d.Timeout
			}
			cmds = append(cmds, c)
		}
		failOnAny = failOnAny || d.FailOnAny
		eff.Loop.BackpressureParallel = eff.Loop.BackpressureParallel || d.Parallel
	}
	if len(cmds) == 0 && eff.Mode.Iterative() {
		cmds = backpressure.DefaultCommands(pt)
	}
	eff.Loop.Backpressure = cmds
	eff.Loop.FailOnAny = failOnAny
}

func containsDefinition(defs []BackpressureDefinition, name string) bool {
	for _, d := range defs {
		if d.Name == name {
			return true
		}
	}
	return false
}

func apply(eff *Effective, o *Override) error {
	if o == nil {
		return nil
	}
	if o.Mode != nil {
		m, err := ParseMode(string(*o.Mode))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		eff.Mode = m
	}
	if o.MaxIterations != nil {
		eff.Loop.MaxIterations = *o.MaxIterations
	}
	if o.Backpressure != nil {
		eff.Loop.Backpressure = append([]backpressure.Command(nil), o.Backpressure...)
	}
	if extra := o.ProjectBackpressure[eff.ProjectType]; len(extra) > 0 && eff.ProjectType != backpressure.ProjectUnknown {
		eff.Loop.Backpressure = append(eff.Loop.Backpressure, extra...)
	}
	if o.FailOnAny != nil {
		eff.Loop.FailOnAny = *o.FailOnAny
	}
	if o.CompletionPromise != nil {
		eff.Loop.CompletionPromise = *o.CompletionPromise
	}
	if o.IterationTimeout != nil {
		eff.Loop.IterationTimeout = *o.IterationTimeout
	}
	if o.TotalTimeout != nil {
		eff.Loop.TotalTimeout = *o.TotalTimeout
	}
	if o.PreserveSession != nil {
		eff.Loop.PreserveSession = *o.PreserveSession
	}
	if o.SystemPromptPrefix != "" || o.SystemPromptSuffix != "" {
		parts := []string{o.SystemPromptPrefix, eff.Loop.Templates.System, o.SystemPromptSuffix}
		var kept []string
		for _, s := range parts {
			if s = strings.TrimSpace(s); s != "" {
				kept = append(kept, s)
			}
		}
		eff.Loop.Templates.System = strings.Join(kept, "\n\n")
	}
	return nil
}
