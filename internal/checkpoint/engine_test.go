package checkpoint_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralphd/internal/actor"
	"ralphd/internal/checkpoint"
	"ralphd/internal/control"
	"ralphd/internal/events"
	"ralphd/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine  *checkpoint.Engine
	store   *store.Store
	machine *control.Machine
	clock   *fakeClock
	rec     *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &events.Recorder{}
	m := control.NewMachine(st, control.WithClock(clock.Now))
	e := checkpoint.NewEngine(st, m,
		checkpoint.WithClock(clock.Now),
		checkpoint.WithEmitter(rec),
		checkpoint.WithPollInterval(10*time.Millisecond))
	return &harness{engine: e, store: st, machine: m, clock: clock, rec: rec}
}

func (h *harness) execution(t *testing.T, id string, mode checkpoint.AutonomyMode) checkpoint.Execution {
	t.Helper()
	now := h.clock.Now()
	require.NoError(t, h.store.CreateExecution(context.Background(), &control.Execution{
		ID:        id,
		ProjectID: "proj",
		AttemptID: "att-" + id,
		Status:    control.StatusRunning,
		State:     control.Running,
		CreatedAt: now,
		UpdatedAt: now,
	}))
	return checkpoint.Execution{ID: id, ProjectID: "proj", Autonomy: mode}
}

func (h *harness) state(t *testing.T, id string) control.State {
	t.Helper()
	st, err := h.machine.State(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (h *harness) define(t *testing.T, d checkpoint.Definition) *checkpoint.Definition {
	t.Helper()
	d.Active = true
	require.NoError(t, h.engine.CreateDefinition(context.Background(), &d))
	return &d
}

func dur(d time.Duration) *time.Duration { return &d }

func TestCreateDefinition_RejectsInvalidConditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, c := range []checkpoint.Condition{
		checkpoint.FileChange{MinFiles: 1, Patterns: []string{"*.{go"}},
		checkpoint.CostThreshold{},
		checkpoint.TimeThreshold{},
	} {
		err := h.engine.CreateDefinition(ctx, &checkpoint.Definition{Name: "typo", Condition: c, Active: true})
		assert.ErrorIs(t, err, checkpoint.ErrInvalidCondition, c.Type())
	}
	defs, err := h.engine.Definitions(ctx, "proj")
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestEvaluate_BlocksOnFirstApprovalMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ex := h.execution(t, "ex-1", checkpoint.AgentAssisted)

	h.define(t, checkpoint.Definition{Name: "files", Condition: checkpoint.FileChange{MinFiles: 2}, RequiresApproval: true, Priority: 5})
	h.define(t, checkpoint.Definition{Name: "cost", Condition: checkpoint.CostThreshold{MaxCostUSD: 1}, RequiresApproval: true, Priority: 1})

	bc := checkpoint.BoundaryContext{
		Point:        checkpoint.PointIteration,
		Iteration:    2,
		FilesChanged: []string{"a.go", "b.go"},
		CostUSD:      3,
	}
	cps, err := h.engine.Evaluate(ctx, ex, bc)
	require.NoError(t, err)
	require.Len(t, cps, 1, "evaluation stops at the first blocking match")
	assert.Equal(t, "files", cps[0].Name)
	assert.Equal(t, checkpoint.StatusPending, cps[0].Status)
	assert.Equal(t, 2, cps[0].Data.Iteration)
	assert.Equal(t, []string{"a.go", "b.go"}, cps[0].Data.FilesChanged)
	assert.Equal(t, control.AwaitingInput, h.state(t, ex.ID))

	v, err := h.engine.CanProceed(ctx, ex.ID)
	require.NoError(t, err)
	assert.False(t, v.Proceed)
	assert.False(t, v.Blocked)
	assert.Equal(t, 1, v.PendingCheckpoints)
	assert.Len(t, h.rec.OfKind(events.CheckpointTriggered), 1)
}

func TestEvaluate_ProjectScopedBeforeGlobal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ex := h.execution(t, "ex-1", checkpoint.AgentAssisted)

	h.define(t, checkpoint.Definition{Name: "global-high", Condition: checkpoint.CostThreshold{MaxCostUSD: 1}, RequiresApproval: true, Priority: 100})
	h.define(t, checkpoint.Definition{Name: "project-low", ProjectID: "proj", Condition: checkpoint.CostThreshold{MaxCostUSD: 1}, RequiresApproval: true, Priority: 1})
	h.define(t, checkpoint.Definition{Name: "other-project", ProjectID: "other", Condition: checkpoint.CostThreshold{MaxCostUSD: 1}, RequiresApproval: true, Priority: 500})

	defs, err := h.engine.Definitions(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "project-low", defs[0].Name)
	assert.Equal(t, "global-high", defs[1].Name)

	cps, err := h.engine.Evaluate(ctx, ex, checkpoint.BoundaryContext{CostUSD: 2})
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "project-low", cps[0].Name)
}

func TestEvaluate_FiresOncePerExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ex := h.execution(t, "ex-1", checkpoint.AgentAssisted)
	h.define(t, checkpoint.Definition{Name: "cost", Condition: checkpoint.CostThreshold{MaxCostUSD: 1}})

	first, err := h.engine.Evaluate(ctx, ex, checkpoint.BoundaryContext{CostUSD: 2})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, checkpoint.StatusAutoApproved, first[0].Status, "no approval required")
	assert.Equal(t, control.Running, h.state(t, ex.ID))

	again, err := h.engine.Evaluate(ctx, ex, checkpoint.BoundaryContext{CostUSD: 3})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestEvaluate_AutonomyModes(t *testing.T) {
	for _, tc := range []struct {
		mode     checkpoint.AutonomyMode
		requires bool
		want     checkpoint.Status
	}{
		{checkpoint.AgentDriven, true, checkpoint.StatusAutoApproved},
		{checkpoint.AgentAssisted, true, checkpoint.StatusPending},
		{checkpoint.AgentAssisted, false, checkpoint.StatusAutoApproved},
		{checkpoint.ReviewDriven, false, checkpoint.StatusPending},
	} {
		t.Run(string(tc.mode), func(t *testing.T) {
			h := newHarness(t)
			ex := h.execution(t, "ex-1", tc.mode)
			h.define(t, checkpoint.Definition{Name: "cost", Condition: checkpoint.CostThreshold{MaxCostUSD: 1}, RequiresApproval: tc.requires})
			cps, err := h.engine.Evaluate(context.Background(), ex, checkpoint.BoundaryContext{CostUSD: 2})
			require.NoError(t, err)
			require.Len(t, cps, 1)
			assert.Equal(t, tc.want, cps[0].Status)
		})
	}
}

func TestResolve_OnlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ex := h.execution(t, "ex-1", checkpoint.AgentAssisted)
	h.define(t, checkpoint.Definition{Name: "cost", Condition: checkpoint.CostThreshold{MaxCostUSD: 1}, RequiresApproval: true})

	cps, err := h.engine.Evaluate(ctx, ex, checkpoint.BoundaryContext{CostUSD: 2})
	require.NoError(t, err)
	require.Len(t, cps, 1)
	id := cps[0].ID

	cp, err := h.engine.Resolve(ctx, id, checkpoint.Approve, actor.Human("alice"), "looks fine")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusApproved, cp.Status)
	require.NotNil(t, cp.Reviewer)
	assert.Equal(t, actor.Human("alice"), *cp.Reviewer)
	assert.Equal(t, control.Running, h.state(t, ex.ID), "resolution resumes the execution")

	_, err = h.engine.Resolve(ctx, id, checkpoint.Reject, actor.Human("bob"), "too late")
	require.ErrorIs(t, err, checkpoint.ErrAlreadyResolved)

	cp, err = h.store.GetCheckpoint(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusApproved, cp.Status)
	assert.Equal(t, "looks fine", cp.ReviewNote)
}

func TestResolve_RejectBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ex := h.execution(t, "ex-1", checkpoint.AgentAssisted)
	cp, err := h.engine.TriggerCustom(ctx, ex, "touches billing", true, nil)
	require.NoError(t, err)
	assert.Equal(t, control.AwaitingInput, h.state(t, ex.ID))

	_, err = h.engine.Resolve(ctx, cp.ID, checkpoint.Reject, actor.Human("alice"), "")
	require.NoError(t, err)

	err = h.engine.Await(ctx, ex.ID)
	var blocked *checkpoint.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Contains(t, blocked.Reason, "rejected")
	assert.ErrorIs(t, err, checkpoint.ErrBlocked)
}

func TestSweep_AutoApproveAfterZero(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ex := h.execution(t, "ex-1", checkpoint.AgentAssisted)
	h.define(t, checkpoint.Definition{
		Name:             "files",
		Condition:        checkpoint.FileChange{MinFiles: 1},
		RequiresApproval: true,
		AutoApproveAfter: dur(0),
	})

	cps, err := h.engine.Evaluate(ctx, ex, checkpoint.BoundaryContext{FilesChanged: []string{"x.go"}})
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, checkpoint.StatusPending, cps[0].Status)
	require.NotNil(t, cps[0].AutoApproveAt)
	assert.Nil(t, cps[0].ExpiresAt)
	assert.Equal(t, control.AwaitingInput, h.state(t, ex.ID))

	res, err := h.engine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, checkpoint.SweepResult{AutoApproved: 1}, res)

	cp, err := h.store.GetCheckpoint(ctx, cps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusAutoApproved, cp.Status)
	require.NotNil(t, cp.Reviewer)
	assert.Equal(t, actor.System(), *cp.Reviewer)
	assert.Equal(t, control.Running, h.state(t, ex.ID))
	require.NoError(t, h.engine.Await(ctx, ex.ID))
}

func TestSweep_ExpiryBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ex := h.execution(t, "ex-1", checkpoint.AgentAssisted)
	h.define(t, checkpoint.Definition{
		Name:             "files",
		Condition:        checkpoint.FileChange{MinFiles: 1},
		RequiresApproval: true,
		ExpiresAfter:     dur(time.Hour),
	})
	cps, err := h.engine.Evaluate(ctx, ex, checkpoint.BoundaryContext{FilesChanged: []string{"x.go"}})
	require.NoError(t, err)
	require.Len(t, cps, 1)

	res, err := h.engine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, res.Expired, "not yet due")

	h.clock.Advance(time.Hour)
	res, err = h.engine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	v, err := h.engine.CanProceed(ctx, ex.ID)
	require.NoError(t, err)
	assert.True(t, v.Blocked)
	assert.Contains(t, v.Reason, "expired")
	assert.Equal(t, control.AwaitingInput, h.state(t, ex.ID), "an expired checkpoint keeps the execution suspended")
}

func TestAwait_WakesOnResolution(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ex := h.execution(t, "ex-1", checkpoint.ReviewDriven)
	cp, err := h.engine.TriggerCustom(ctx, ex, "manual review", false, nil)
	require.NoError(t, err)
	require.Equal(t, checkpoint.StatusPending, cp.Status)

	done := make(chan error, 1)
	go func() { done <- h.engine.Await(ctx, ex.ID) }()

	select {
	case err := <-done:
		t.Fatalf("Await returned before resolution: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = h.engine.Resolve(ctx, cp.ID, checkpoint.Approve, actor.Human("alice"), "")
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestAwait_ContextCancelled(t *testing.T) {
	h := newHarness(t)
	ex := h.execution(t, "ex-1", checkpoint.AgentAssisted)
	_, err := h.engine.TriggerCustom(context.Background(), ex, "hold", true, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = h.engine.Await(ctx, ex.ID)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGates_MinApprovals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ex := h.execution(t, "ex-1", checkpoint.AgentAssisted)
	alice, bob, carol := actor.Human("alice"), actor.Human("bob"), actor.Human("carol")

	require.NoError(t, h.engine.CreateGate(ctx, &checkpoint.Gate{
		Name:         "release",
		Type:         checkpoint.GatePreCommit,
		Approvers:    []actor.Actor{alice, bob, carol},
		MinApprovals: 2,
		Active:       true,
	}))

	fired, err := h.engine.TriggerGates(ctx, ex, checkpoint.GatePreCommit, nil)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, control.AwaitingInput, h.state(t, ex.ID))
	id := fired[0].ID

	again, err := h.engine.TriggerGates(ctx, ex, checkpoint.GatePreCommit, nil)
	require.NoError(t, err)
	assert.Empty(t, again, "a gate triggers once per execution")

	pg, err := h.engine.SubmitApproval(ctx, id, alice, checkpoint.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.GatePending, pg.Status)

	_, err = h.engine.SubmitApproval(ctx, id, alice, checkpoint.DecisionApproved, "again")
	require.ErrorIs(t, err, checkpoint.ErrDuplicateDecision)

	_, err = h.engine.SubmitApproval(ctx, id, actor.Human("mallory"), checkpoint.DecisionApproved, "")
	require.ErrorIs(t, err, checkpoint.ErrNotApprover)

	pg, err = h.engine.SubmitApproval(ctx, id, bob, checkpoint.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.GateApproved, pg.Status)
	assert.Equal(t, 2, pg.ApprovalCount)
	assert.Equal(t, control.Running, h.state(t, ex.ID))

	_, err = h.engine.SubmitApproval(ctx, id, carol, checkpoint.DecisionRejected, "")
	require.ErrorIs(t, err, checkpoint.ErrAlreadyResolved)

	approvals, err := h.engine.Approvals(ctx, id)
	require.NoError(t, err)
	assert.Len(t, approvals, 2)
}

func TestGates_RejectedOnceUnreachable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ex := h.execution(t, "ex-1", checkpoint.AgentAssisted)
	alice, bob, carol := actor.Human("alice"), actor.Human("bob"), actor.Human("carol")
	require.NoError(t, h.engine.CreateGate(ctx, &checkpoint.Gate{
		Name:         "deploy",
		Type:         checkpoint.GatePostExecution,
		Approvers:    []actor.Actor{alice, bob, carol},
		MinApprovals: 2,
		Active:       true,
	}))
	fired, err := h.engine.TriggerGates(ctx, ex, checkpoint.GatePostExecution, nil)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	id := fired[0].ID

	pg, err := h.engine.SubmitApproval(ctx, id, alice, checkpoint.DecisionRejected, "")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.GatePending, pg.Status, "two approvers remain")

	pg, err = h.engine.SubmitApproval(ctx, id, bob, checkpoint.DecisionAbstained, "")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.GateRejected, pg.Status)
	assert.Equal(t, 1, pg.AbstentionCount)

	v, err := h.engine.CanProceed(ctx, ex.ID)
	require.NoError(t, err)
	assert.True(t, v.Blocked)
}

func TestGates_ConditionsAndBypass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ex := h.execution(t, "ex-1", checkpoint.AgentAssisted)
	require.NoError(t, h.engine.CreateGate(ctx, &checkpoint.Gate{
		Name:         "prod",
		Type:         checkpoint.GatePreExecution,
		MinApprovals: 1,
		Conditions:   map[string]string{"env": "prod"},
		Active:       true,
	}))

	fired, err := h.engine.TriggerGates(ctx, ex, checkpoint.GatePreExecution, map[string]string{"env": "staging"})
	require.NoError(t, err)
	assert.Empty(t, fired)
	assert.Equal(t, control.Running, h.state(t, ex.ID))

	fired, err = h.engine.TriggerGates(ctx, ex, checkpoint.GatePreExecution, map[string]string{"env": "prod"})
	require.NoError(t, err)
	require.Len(t, fired, 1)

	pg, err := h.engine.Bypass(ctx, fired[0].ID, actor.Human("oncall"), "hotfix")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.GateBypassed, pg.Status)
	assert.Equal(t, "hotfix", pg.BypassReason)
	assert.Equal(t, control.Running, h.state(t, ex.ID))

	_, err = h.engine.Bypass(ctx, fired[0].ID, actor.Human("oncall"), "again")
	require.ErrorIs(t, err, checkpoint.ErrAlreadyResolved)
}

func TestCreateGate_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	err := h.engine.CreateGate(ctx, &checkpoint.Gate{Name: "g", Type: checkpoint.GateCustom, MinApprovals: 0})
	assert.Error(t, err)
	err = h.engine.CreateGate(ctx, &checkpoint.Gate{
		Name: "g", Type: checkpoint.GateCustom, MinApprovals: 3,
		Approvers: []actor.Actor{actor.Human("a"), actor.Human("b")},
	})
	assert.Error(t, err)
	err = h.engine.CreateGate(ctx, &checkpoint.Gate{Name: "g", Type: "bogus", MinApprovals: 1})
	assert.Error(t, err)
}
