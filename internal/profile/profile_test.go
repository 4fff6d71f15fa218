package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralphd/internal/backpressure"
	"ralphd/internal/ralph"
)

func TestSeed(t *testing.T) {
	reg, err := Seed()
	require.NoError(t, err)

	names := make([]string, 0)
	for _, p := range reg.Profiles() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"aggressive", "default", "quick", "ralph"}, names)

	aggressive, err := reg.Get("aggressive")
	require.NoError(t, err)
	assert.Equal(t, ModeRalph, aggressive.Mode)
	assert.Equal(t, 100, aggressive.MaxIterations)
	assert.Equal(t, 4*time.Hour, aggressive.TotalTimeout)

	quick, err := reg.Get("quick")
	require.NoError(t, err)
	assert.Equal(t, 20, quick.MaxIterations)

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestRegistryIsImmutable(t *testing.T) {
	reg, err := Seed()
	require.NoError(t, err)

	d, ok := reg.Definition("go")
	require.True(t, ok)
	d.Commands[0].Run = "rm -rf /"

	again, _ := reg.Definition("go")
	assert.Equal(t, "go vet ./...", again.Commands[0].Run)
}

func TestLoad_UserFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  - name: ralph
    mode: ralph
    max_iterations: 7
  - name: nightly
    mode: ralph
    max_iterations: 200
    backpressure_refs: [lint]
`), 0o644))

	reg, err := Load(path)
	require.NoError(t, err)

	p, err := reg.Get("ralph")
	require.NoError(t, err)
	assert.Equal(t, 7, p.MaxIterations)

	p, err = reg.Get("nightly")
	require.NoError(t, err)
	assert.Equal(t, []string{"lint"}, p.BackpressureRefs)

	_, err = reg.Get("quick")
	assert.NoError(t, err, "seed profiles survive an overlay")
}

func TestLoad_MissingUserFile(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	_, err = reg.Get(DefaultProfile)
	assert.NoError(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"zero iterations", "profiles:\n  - {name: x, mode: ralph, max_iterations: 0}\n"},
		{"bad mode", "profiles:\n  - {name: x, mode: turbo, max_iterations: 3}\n"},
		{"bad strategy", "profiles:\n  - {name: x, mode: ralph, max_iterations: 3, context_strategy: all}\n"},
		{"unknown ref", "profiles:\n  - {name: x, mode: ralph, max_iterations: 3, backpressure_refs: [nope]}\n"},
		{"unknown field", "profiles:\n  - {name: x, mode: ralph, max_iterations: 3, colour: red}\n"},
		{"unnamed", "profiles:\n  - {mode: ralph, max_iterations: 3}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func seedResolver(t *testing.T) *Resolver {
	t.Helper()
	reg, err := Seed()
	require.NoError(t, err)
	return NewResolver(reg)
}

func commandNames(cmds []backpressure.Command) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.Key())
	}
	return out
}

func TestResolve_Defaults(t *testing.T) {
	eff, err := seedResolver(t).Resolve(Request{})
	require.NoError(t, err)
	assert.Equal(t, "default", eff.Profile)
	assert.Equal(t, ModeStandard, eff.Mode)
	assert.False(t, eff.Iterative())
	assert.Equal(t, 1, eff.Loop.MaxIterations)
	assert.Empty(t, eff.Loop.Backpressure)
}

func TestResolve_ProjectTypeBackpressure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))

	eff, err := seedResolver(t).Resolve(Request{Profile: "ralph", WorkDir: dir})
	require.NoError(t, err)
	assert.Equal(t, backpressure.ProjectGo, eff.ProjectType)
	assert.Equal(t, []string{"go-vet", "go-test"}, commandNames(eff.Loop.Backpressure))
	assert.True(t, eff.Loop.FailOnAny)
	assert.True(t, eff.Loop.BackpressureParallel)
	assert.Equal(t, ralph.ValidateOnCompletion, eff.Loop.Validation)
	assert.True(t, eff.Loop.PreserveSession)
}

func TestResolve_TimeoutInheritedFromDefinition(t *testing.T) {
	eff, err := seedResolver(t).Resolve(Request{Profile: "ralph", ProjectType: backpressure.ProjectRust})
	require.NoError(t, err)
	for _, c := range eff.Loop.Backpressure {
		assert.Equal(t, 10*time.Minute, c.Timeout, c.Key())
	}
}

func TestResolve_FallsBackToBuiltinCommands(t *testing.T) {
	reg, err := Parse([]byte("profiles:\n  - {name: r, mode: ralph, max_iterations: 3}\n"))
	require.NoError(t, err)
	eff, err := NewResolver(reg).Resolve(Request{Profile: "r", ProjectType: backpressure.ProjectNode})
	require.NoError(t, err)
	assert.Equal(t, commandNames(backpressure.DefaultCommands(backpressure.ProjectNode)), commandNames(eff.Loop.Backpressure))
}

func TestResolve_OverrideOrder(t *testing.T) {
	agentMax, taskMax := 30, 12
	noFail := false
	eff, err := seedResolver(t).Resolve(Request{
		Profile:     "ralph",
		ProjectType: backpressure.ProjectPython,
		Agent: &Override{
			MaxIterations:      &agentMax,
			SystemPromptPrefix: "You are the build agent.",
			ProjectBackpressure: map[backpressure.ProjectType][]backpressure.Command{
				backpressure.ProjectPython: {{Name: "mypy", Run: "mypy ."}},
				backpressure.ProjectGo:     {{Name: "ignored", Run: "true"}},
			},
		},
		Task: &Override{MaxIterations: &taskMax, FailOnAny: &noFail},
	})
	require.NoError(t, err)

	assert.Equal(t, 12, eff.Loop.MaxIterations, "task override wins over agent override")
	assert.Equal(t, []string{"pytest", "mypy"}, commandNames(eff.Loop.Backpressure))
	assert.False(t, eff.Loop.FailOnAny)
	assert.Equal(t, "You are the build agent.", eff.Loop.Templates.System)
}

func TestResolve_TaskReplacesBackpressure(t *testing.T) {
	eff, err := seedResolver(t).Resolve(Request{
		Profile:     "aggressive",
		ProjectType: backpressure.ProjectGo,
		Task:        &Override{Backpressure: []backpressure.Command{{Name: "only", Run: "make check"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, commandNames(eff.Loop.Backpressure))
}

func TestResolve_FreshStrategyDropsSession(t *testing.T) {
	keep := true
	eff, err := seedResolver(t).Resolve(Request{Profile: "quick", Task: &Override{PreserveSession: &keep}})
	require.NoError(t, err)
	assert.Equal(t, ContextFresh, eff.ContextStrategy)
	assert.False(t, eff.Loop.PreserveSession)
}

func TestResolve_Errors(t *testing.T) {
	r := seedResolver(t)

	_, err := r.Resolve(Request{Profile: "missing"})
	assert.ErrorIs(t, err, ErrUnknownProfile)

	zero := 0
	_, err = r.Resolve(Request{Profile: "ralph", Task: &Override{MaxIterations: &zero}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, ralph.ErrInvalidConfig)

	bad := Mode("turbo")
	_, err = r.Resolve(Request{Profile: "ralph", Agent: &Override{Mode: &bad}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestResolve_ModeOverrideToSingleShot(t *testing.T) {
	standard := ModeStandard
	eff, err := seedResolver(t).Resolve(Request{Profile: "ralph", Task: &Override{Mode: &standard}})
	require.NoError(t, err)
	assert.False(t, eff.Iterative())
	assert.Equal(t, 1, eff.Loop.MaxIterations)
}
