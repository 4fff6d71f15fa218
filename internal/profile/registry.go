package profile

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"ralphd/internal/ralph"
)

//go:embed seed.yaml
var seedYAML []byte

// DefaultProfile is used when a request names no profile.
const DefaultProfile = "default"

type document struct {
	Profiles     []Profile                `yaml:"profiles"`
	Backpressure []BackpressureDefinition `yaml:"backpressure"`
}

// Registry is an immutable set of profiles and backpressure definitions.
// Accessors return copies.
type Registry struct {
	profiles map[string]Profile
	defs     map[string]BackpressureDefinition
}

// Seed returns the registry built from the embedded seed file.
func Seed() (*Registry, error) {
	return Parse(seedYAML)
}

// Load builds the registry from the embedded seed and, when userPath is
// not empty, the user file on top of it. A missing user file is not an
// error.
func Load(userPath string) (*Registry, error) {
	if userPath == "" {
		return Seed()
	}
	data, err := os.ReadFile(userPath)
	if errors.Is(err, os.ErrNotExist) {
		return Seed()
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles %s: %w", userPath, err)
	}
	return Parse(seedYAML, data)
}

// Parse builds a registry from YAML documents. Later documents replace
// earlier entries with the same name.
func Parse(docs ...[]byte) (*Registry, error) {
	r := &Registry{
		profiles: make(map[string]Profile),
		defs:     make(map[string]BackpressureDefinition),
	}
	for i, data := range docs {
		var doc document
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: profiles document %d: %v", ErrInvalidConfig, i, err)
		}
		for _, d := range doc.Backpressure {
			if d.Name == "" {
				return nil, fmt.Errorf("%w: backpressure definition without a name", ErrInvalidConfig)
			}
			r.defs[d.Name] = d
		}
		for _, p := range doc.Profiles {
			if p.Name == "" {
				return nil, fmt.Errorf("%w: profile without a name", ErrInvalidConfig)
			}
			r.profiles[p.Name] = p
		}
	}
	for _, p := range r.profiles {
		if err := r.check(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) check(p Profile) error {
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return fmt.Errorf("%w: profile %q: %v", ErrInvalidConfig, p.Name, err)
	}
	if p.Mode.Iterative() && p.MaxIterations <= 0 {
		return fmt.Errorf("%w: profile %q: max_iterations must be positive", ErrInvalidConfig, p.Name)
	}
	if p.ContextStrategy != "" {
		if _, err := ParseContextStrategy(string(p.ContextStrategy)); err != nil {
			return fmt.Errorf("%w: profile %q: %v", ErrInvalidConfig, p.Name, err)
		}
	}
	switch p.Validation {
	case "", ralph.ValidateEachIteration, ralph.ValidateOnCompletion:
	default:
		return fmt.Errorf("%w: profile %q: unknown validation policy %q", ErrInvalidConfig, p.Name, p.Validation)
	}
	for _, ref := range p.BackpressureRefs {
		if _, ok := r.defs[ref]; !ok {
			return fmt.Errorf("%w: profile %q: unknown backpressure definition %q", ErrInvalidConfig, p.Name, ref)
		}
	}
	return nil
}

// Get returns the named profile.
func (r *Registry) Get(name string) (Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return cloneProfile(p), nil
}

// Profiles returns all profiles sorted by name.
func (r *Registry) Profiles() []Profile {
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, cloneProfile(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definition returns the named backpressure definition.
func (r *Registry) Definition(name string) (BackpressureDefinition, bool) {
	d, ok := r.defs[name]
	d.Commands = slices.Clone(d.Commands)
	return d, ok
}

// Definitions returns all backpressure definitions sorted by name.
func (r *Registry) Definitions() []BackpressureDefinition {
	out := make([]BackpressureDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		d.Commands = slices.Clone(d.Commands)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func cloneProfile(p Profile) Profile {
	p.Backpressure = slices.Clone(p.Backpressure)
	p.BackpressureRefs = slices.Clone(p.BackpressureRefs)
	if p.FailOnAny != nil {
		v := *p.FailOnAny
		p.FailOnAny = &v
	}
	return p
}
