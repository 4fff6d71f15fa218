package scheduler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralphd/internal/actor"
	"ralphd/internal/backpressure"
	"ralphd/internal/checkpoint"
	"ralphd/internal/control"
	"ralphd/internal/events"
	"ralphd/internal/profile"
	"ralphd/internal/ralph"
	"ralphd/internal/scheduler"
	"ralphd/internal/slot"
	"ralphd/internal/store"
)

const testProfiles = `
profiles:
  - name: loop
    mode: ralph
    max_iterations: 5
    validation: each_iteration
    backpressure:
      - {name: check, run: "true"}
  - name: once
    mode: standard
    max_iterations: 1
`

const done = "<promise>TASK_COMPLETE</promise>\nEXIT_SIGNAL: true\n"

type passValidator struct{}

func (passValidator) Validate(context.Context, []backpressure.Command, backpressure.Options) *backpressure.Result {
	return &backpressure.Result{AllPassed: true, PassedCount: 1, Summary: "1/1 passed"}
}

type env struct {
	svc     *scheduler.Service
	store   *store.Store
	slots   *slot.Manager
	machine *control.Machine
	engine  *checkpoint.Engine
	rec     *events.Recorder
	calls   atomic.Int32
}

// newEnv wires a Service whose agent runs fn for every iteration.
func newEnv(t *testing.T, fn func(e *env, inv ralph.Invocation) (*ralph.AgentResult, error)) *env {
	t.Helper()
	return newEnvAt(t, filepath.Join(t.TempDir(), "ralphd.db"), fn)
}

// newEnvAt is newEnv on a given database file, so several services can
// share one database the way separate processes do.
func newEnvAt(t *testing.T, path string, fn func(e *env, inv ralph.Invocation) (*ralph.AgentResult, error), opts ...func(*scheduler.Deps)) *env {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg, err := profile.Parse([]byte(testProfiles))
	require.NoError(t, err)

	e := &env{store: st, rec: &events.Recorder{}}
	e.slots = slot.NewManager(st, slot.WithEmitter(e.rec))
	e.machine = control.NewMachine(st, control.WithEmitter(e.rec))
	e.engine = checkpoint.NewEngine(st, e.machine,
		checkpoint.WithEmitter(e.rec),
		checkpoint.WithPollInterval(10*time.Millisecond))

	agent := ralph.AgentFunc(func(ctx context.Context, inv ralph.Invocation) (*ralph.AgentResult, error) {
		e.calls.Add(1)
		return fn(e, inv)
	})
	deps := scheduler.Deps{
		Store:        st,
		Slots:        e.slots,
		Resolver:     profile.NewResolver(reg),
		Control:      e.machine,
		Checkpoints:  e.engine,
		Agent:        agent,
		ValidatorFor: func(string) ralph.Validator { return passValidator{} },
		Emitter:      e.rec,
		PollInterval: 10 * time.Millisecond,
	}
	for _, o := range opts {
		o(&deps)
	}
	e.svc, err = scheduler.New(deps)
	require.NoError(t, err)
	return e
}

func (e *env) start(t *testing.T, req scheduler.Request) *scheduler.Handle {
	t.Helper()
	if req.ProjectID == "" {
		req.ProjectID = "proj"
	}
	if req.Profile == "" {
		req.Profile = "loop"
	}
	if req.WorkDir == "" {
		req.WorkDir = t.TempDir()
	}
	h, err := e.svc.Start(context.Background(), req)
	require.NoError(t, err)
	return h
}

func (e *env) wait(t *testing.T, id string) *ralph.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.svc.Wait(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func (e *env) execution(t *testing.T, id string) *control.Execution {
	t.Helper()
	ex, err := e.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return ex
}

func (e *env) activeSlots(t *testing.T) int {
	t.Helper()
	active, err := e.store.AllActiveSlots(context.Background())
	require.NoError(t, err)
	return len(active)
}

// completeOn returns an agent that reports both completion gates on
// iteration n.
func completeOn(n int) func(*env, ralph.Invocation) (*ralph.AgentResult, error) {
	return func(_ *env, inv ralph.Invocation) (*ralph.AgentResult, error) {
		if inv.Iteration >= n {
			return &ralph.AgentResult{Success: true, Output: done}, nil
		}
		return &ralph.AgentResult{Success: true, Output: "still working"}, nil
	}
}

func TestStart_RunsToCompletionAndReleasesSlot(t *testing.T) {
	e := newEnv(t, completeOn(2))
	h := e.start(t, scheduler.Request{Task: "add a flag"})
	assert.Equal(t, "loop", h.Effective.Profile)

	res := e.wait(t, h.ExecutionID)
	assert.Equal(t, ralph.StatusComplete, res.Status())
	assert.Len(t, res.Iterations, 2)

	ex := e.execution(t, h.ExecutionID)
	assert.Equal(t, control.StatusCompleted, ex.Status)
	assert.Equal(t, 2, ex.Iteration)
	assert.Equal(t, res.Loop.ID, ex.LoopID)
	assert.Zero(t, e.activeSlots(t))
	assert.Len(t, e.rec.OfKind(events.SlotReleased), 1)
	assert.Zero(t, e.svc.Tracker().Count())
}

func TestStart_RejectsAtCapacity(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, func(_ *env, _ ralph.Invocation) (*ralph.AgentResult, error) {
		<-release
		return &ralph.AgentResult{Success: true, Output: done}, nil
	})
	ctx := context.Background()
	require.NoError(t, e.slots.SetCapacity(ctx, "proj", slot.Capacities{slot.InteractiveAgent: 1}))

	h := e.start(t, scheduler.Request{Task: "first"})
	_, err := e.svc.Start(ctx, scheduler.Request{ProjectID: "proj", Profile: "loop", Task: "second"})
	var rej *slot.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 1, rej.Used)
	assert.ErrorIs(t, err, slot.ErrCapacityExceeded)

	close(release)
	e.wait(t, h.ExecutionID)

	h2 := e.start(t, scheduler.Request{Task: "third"})
	assert.Equal(t, ralph.StatusComplete, e.wait(t, h2.ExecutionID).Status())
}

func TestStart_ConfigurationErrorHoldsNoSlot(t *testing.T) {
	e := newEnv(t, completeOn(1))
	_, err := e.svc.Start(context.Background(), scheduler.Request{ProjectID: "proj", Profile: "missing"})
	assert.ErrorIs(t, err, profile.ErrUnknownProfile)

	zero := 0
	_, err = e.svc.Start(context.Background(), scheduler.Request{
		ProjectID:    "proj",
		Profile:      "loop",
		TaskOverride: &profile.Override{MaxIterations: &zero},
	})
	assert.ErrorIs(t, err, profile.ErrInvalidConfig)
	assert.Zero(t, e.activeSlots(t))
}

func TestCheckpoint_SuspendsUntilApproved(t *testing.T) {
	e := newEnv(t, func(_ *env, inv ralph.Invocation) (*ralph.AgentResult, error) {
		if inv.Iteration == 1 {
			return &ralph.AgentResult{Success: true, Output: "spent money", Usage: ralph.Usage{CostUSD: 2}}, nil
		}
		return &ralph.AgentResult{Success: true, Output: done}, nil
	})
	ctx := context.Background()
	require.NoError(t, e.engine.CreateDefinition(ctx, &checkpoint.Definition{
		Name:             "budget",
		Condition:        checkpoint.CostThreshold{MaxCostUSD: 1},
		RequiresApproval: true,
		Active:           true,
	}))

	h := e.start(t, scheduler.Request{Task: "t"})

	var pending *checkpoint.Summary
	require.Eventually(t, func() bool {
		s, err := e.engine.PendingSummary(ctx, h.ExecutionID)
		if err != nil || s.Total() != 1 {
			return false
		}
		pending = s
		st, err := e.machine.State(ctx, h.ExecutionID)
		return err == nil && st == control.AwaitingInput
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, e.calls.Load(), "no iteration runs while awaiting input")

	_, err := e.engine.Resolve(ctx, pending.Checkpoints[0].ID, checkpoint.Approve, actor.Human("alice"), "ok")
	require.NoError(t, err)

	res := e.wait(t, h.ExecutionID)
	assert.Equal(t, ralph.StatusComplete, res.Status())
	assert.EqualValues(t, 2, e.calls.Load())
}

func TestCheckpoint_RejectionFailsExecution(t *testing.T) {
	e := newEnv(t, completeOn(3))
	ctx := context.Background()
	require.NoError(t, e.engine.CreateDefinition(ctx, &checkpoint.Definition{
		Name:             "always",
		Condition:        checkpoint.CustomFlag{Flag: "review"},
		RequiresApproval: true,
		Active:           true,
	}))

	h := e.start(t, scheduler.Request{Task: "t", Flags: map[string]bool{"review": true}})
	var pending *checkpoint.Summary
	require.Eventually(t, func() bool {
		s, err := e.engine.PendingSummary(ctx, h.ExecutionID)
		pending = s
		return err == nil && s.Total() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, e.calls.Load(), "the pre-execution boundary blocks the first iteration")

	_, err := e.engine.Resolve(ctx, pending.Checkpoints[0].ID, checkpoint.Reject, actor.Human("alice"), "no")
	require.NoError(t, err)

	res := e.wait(t, h.ExecutionID)
	assert.Equal(t, ralph.StatusFailed, res.Status())
	assert.Contains(t, res.Loop.LastError, "rejected")
	assert.Equal(t, control.StatusFailed, e.execution(t, h.ExecutionID).Status)
	assert.Zero(t, e.activeSlots(t))
}

func TestGate_PreExecutionNeedsApproval(t *testing.T) {
	e := newEnv(t, completeOn(1))
	ctx := context.Background()
	require.NoError(t, e.engine.CreateGate(ctx, &checkpoint.Gate{
		Name:         "kickoff",
		Type:         checkpoint.GatePreExecution,
		MinApprovals: 1,
		Active:       true,
	}))

	h := e.start(t, scheduler.Request{Task: "t"})
	var gate checkpoint.PendingGate
	require.Eventually(t, func() bool {
		gates, err := e.engine.PendingGates(ctx, h.ExecutionID)
		if err != nil || len(gates) != 1 {
			return false
		}
		gate = gates[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, e.calls.Load())

	_, err := e.engine.SubmitApproval(ctx, gate.ID, actor.Human("lead"), checkpoint.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, ralph.StatusComplete, e.wait(t, h.ExecutionID).Status())
}

func TestControl_PauseHoldsIterations(t *testing.T) {
	e := newEnv(t, func(e *env, inv ralph.Invocation) (*ralph.AgentResult, error) {
		if inv.Iteration == 1 {
			if err := e.machine.Pause(context.Background(), inv.ExecutionID, actor.Human("ops"), "lunch"); err != nil {
				return nil, err
			}
			return &ralph.AgentResult{Success: true, Output: "paused myself"}, nil
		}
		return &ralph.AgentResult{Success: true, Output: done}, nil
	})
	ctx := context.Background()
	h := e.start(t, scheduler.Request{Task: "t"})

	require.Eventually(t, func() bool {
		st, err := e.machine.State(ctx, h.ExecutionID)
		return err == nil && st == control.Paused
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, e.calls.Load())

	require.NoError(t, e.machine.Resume(ctx, h.ExecutionID, actor.Human("ops"), "back"))
	res := e.wait(t, h.ExecutionID)
	assert.Equal(t, ralph.StatusComplete, res.Status())
	assert.Len(t, res.Iterations, 2)
}

func TestControl_TakeoverCancelsLoop(t *testing.T) {
	e := newEnv(t, func(e *env, inv ralph.Invocation) (*ralph.AgentResult, error) {
		err := e.machine.Takeover(context.Background(), inv.ExecutionID, control.HandoffRequest{
			From:   actor.Agent("builder"),
			To:     actor.Human("alice"),
			Reason: "needs judgement",
		})
		if err != nil {
			return nil, err
		}
		return &ralph.AgentResult{Success: true, Output: "handing over"}, nil
	})
	h := e.start(t, scheduler.Request{Task: "t"})
	res := e.wait(t, h.ExecutionID)
	assert.Equal(t, ralph.StatusCancelled, res.Status())
	assert.Contains(t, res.Loop.LastError, "taken over")
	assert.Equal(t, control.StatusCancelled, e.execution(t, h.ExecutionID).Status)
	assert.Zero(t, e.activeSlots(t))
}

func TestCancel_StopsAtNextBoundary(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	e := newEnv(t, func(_ *env, inv ralph.Invocation) (*ralph.AgentResult, error) {
		if inv.Iteration == 1 {
			close(started)
			<-proceed
		}
		return &ralph.AgentResult{Success: true, Output: "working"}, nil
	})
	h := e.start(t, scheduler.Request{Task: "t"})
	<-started
	assert.True(t, e.svc.Cancel(h.ExecutionID, "operator"))
	close(proceed)

	res := e.wait(t, h.ExecutionID)
	assert.Equal(t, ralph.StatusCancelled, res.Status())
	assert.Len(t, res.Iterations, 1, "the in-flight iteration finishes")
	assert.Equal(t, ralph.IterationCompleted, res.Iterations[0].Status)
	assert.False(t, e.svc.Cancel(h.ExecutionID, "again"))
}

func TestStandardModeRunsOnce(t *testing.T) {
	e := newEnv(t, completeOn(5))
	h := e.start(t, scheduler.Request{Profile: "once", Task: "t"})
	assert.Equal(t, 1, h.Effective.Loop.MaxIterations)
	res := e.wait(t, h.ExecutionID)
	assert.Equal(t, ralph.StatusMaxReached, res.Status())
	assert.Equal(t, control.StatusFailed, e.execution(t, h.ExecutionID).Status)
}

func TestRecover_FailsOrphans(t *testing.T) {
	e := newEnv(t, completeOn(1))
	ctx := context.Background()
	now := time.Now()

	sl, err := e.slots.Acquire(ctx, slot.Request{ProjectID: "proj", AttemptID: "att-1", Category: slot.InteractiveAgent})
	require.NoError(t, err)
	require.NoError(t, e.store.CreateExecution(ctx, &control.Execution{
		ID: "ex-orphan", ProjectID: "proj", AttemptID: "att-1", Status: control.StatusRunning,
		SlotID: sl.ID, State: control.Running, CreatedAt: now, UpdatedAt: now,
	}))
	loop := &ralph.LoopState{
		ID: "loop-orphan", AttemptID: "att-1", ExecutionID: "ex-orphan", MaxIterations: 5,
		Status: ralph.StatusInitializing, StartedAt: now, UpdatedAt: now,
	}
	require.NoError(t, e.store.CreateLoop(ctx, loop))
	loop.Status = ralph.StatusRunning
	loop.CurrentIteration = 1
	require.NoError(t, e.store.UpdateLoop(ctx, loop, ralph.StatusInitializing))

	rep, err := e.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.RecoveryReport{Loops: 1, Executions: 1, Slots: 1}, rep)

	got, err := e.store.GetLoop(ctx, "loop-orphan")
	require.NoError(t, err)
	assert.Equal(t, ralph.StatusFailed, got.Status)
	assert.Equal(t, "interrupted by restart", got.LastError)
	assert.Equal(t, control.StatusFailed, e.execution(t, "ex-orphan").Status)
	assert.Zero(t, e.activeSlots(t))

	rep, err = e.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.RecoveryReport{}, rep)
}

func TestRecover_LeavesLiveExecutionsOfOtherProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ralphd.db")
	release := make(chan struct{})
	shortLease := func(d *scheduler.Deps) { d.LeaseTTL = 60 * time.Millisecond }
	a := newEnvAt(t, path, func(_ *env, _ ralph.Invocation) (*ralph.AgentResult, error) {
		<-release
		return &ralph.AgentResult{Success: true, Output: done}, nil
	}, shortLease)
	b := newEnvAt(t, path, completeOn(1), shortLease)
	ctx := context.Background()
	require.NoError(t, a.slots.SetCapacity(ctx, "proj", slot.Capacities{slot.InteractiveAgent: 1}))

	h := a.start(t, scheduler.Request{Task: "first"})
	require.Eventually(t, func() bool { return a.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond) // several lease periods

	rep, err := b.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.RecoveryReport{}, rep)
	assert.Equal(t, control.StatusRunning, b.execution(t, h.ExecutionID).Status)

	_, err = b.svc.Start(ctx, scheduler.Request{ProjectID: "proj", Profile: "loop", Task: "second", WorkDir: t.TempDir()})
	assert.ErrorIs(t, err, slot.ErrCapacityExceeded, "the other process still holds the slot")
	_, err = b.svc.Resume(ctx, h.ExecutionID)
	assert.ErrorIs(t, err, scheduler.ErrNotResumable)

	close(release)
	res := a.wait(t, h.ExecutionID)
	assert.Equal(t, ralph.StatusComplete, res.Status())
	assert.Equal(t, control.StatusCompleted, a.execution(t, h.ExecutionID).Status)
	assert.Zero(t, a.activeSlots(t))
}

// seedSuspended records what a process leaves behind when it dies while
// iteration 1 waits for a budget checkpoint to be reviewed.
func seedSuspended(t *testing.T, e *env) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, e.engine.CreateDefinition(ctx, &checkpoint.Definition{
		Name:             "budget",
		Condition:        checkpoint.CostThreshold{MaxCostUSD: 1},
		RequiresApproval: true,
		Active:           true,
	}))
	req := scheduler.Request{
		ProjectID: "proj", AttemptID: "att-1", Task: "t", WorkDir: t.TempDir(),
		Profile: "loop", Category: slot.InteractiveAgent, Autonomy: checkpoint.AgentAssisted,
	}
	launch, err := json.Marshal(req)
	require.NoError(t, err)
	sl, err := e.slots.Acquire(ctx, slot.Request{ProjectID: "proj", AttemptID: "att-1", Category: slot.InteractiveAgent})
	require.NoError(t, err)
	require.NoError(t, e.store.CreateExecution(ctx, &control.Execution{
		ID: "ex-1", ProjectID: "proj", AttemptID: "att-1", Status: control.StatusRunning, SlotID: sl.ID,
		State: control.Running, LoopID: "loop-1", Iteration: 1, Owner: "gone",
		LeaseExpiresAt: now.Add(-time.Minute), Launch: launch, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, e.store.CreateLoop(ctx, &ralph.LoopState{
		ID: "loop-1", AttemptID: "att-1", ExecutionID: "ex-1", CurrentIteration: 1, MaxIterations: 5,
		Status: ralph.StatusValidating, CompletionPromise: "<promise>TASK_COMPLETE</promise>",
		ExitSignalKey: "EXIT_SIGNAL: true", Usage: ralph.Usage{CostUSD: 2}, StartedAt: now, UpdatedAt: now,
	}))
	ended := now.Add(time.Second)
	require.NoError(t, e.store.InsertIteration(ctx, &ralph.Iteration{
		ID: "it-1", LoopID: "loop-1", Number: 1, Status: ralph.IterationCompleted,
		Usage: ralph.Usage{CostUSD: 2}, Duration: time.Second, StartedAt: now, EndedAt: &ended,
	}))
	cps, err := e.engine.Evaluate(ctx, checkpoint.Execution{ID: "ex-1", ProjectID: "proj", Autonomy: checkpoint.AgentAssisted},
		checkpoint.BoundaryContext{Point: checkpoint.PointIteration, Iteration: 1, CostUSD: 2})
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, checkpoint.StatusPending, cps[0].Status)
}

func TestResume_ContinuesExecutionSuspendedAtCheckpoint(t *testing.T) {
	e := newEnv(t, completeOn(2))
	ctx := context.Background()
	seedSuspended(t, e)

	rep, err := e.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.RecoveryReport{Suspended: 1}, rep)
	assert.Equal(t, control.StatusRunning, e.execution(t, "ex-1").Status)
	assert.Equal(t, 1, e.activeSlots(t), "a suspended execution keeps its slot")

	h, err := e.svc.Resume(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, "loop", h.Effective.Profile)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, e.calls.Load(), "still waiting for the review")

	pending, err := e.engine.PendingSummary(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, pending.Checkpoints, 1)
	_, err = e.engine.Resolve(ctx, pending.Checkpoints[0].ID, checkpoint.Approve, actor.Human("alice"), "ok")
	require.NoError(t, err)

	res := e.wait(t, "ex-1")
	assert.Equal(t, ralph.StatusComplete, res.Status(), res.Loop.LastError)
	require.Len(t, res.Iterations, 2)
	assert.Equal(t, 1, res.Iterations[0].Number)
	assert.Equal(t, 2, res.Iterations[1].Number)
	assert.EqualValues(t, 1, e.calls.Load())
	cps, err := e.engine.Checkpoints(ctx, "ex-1")
	require.NoError(t, err)
	assert.Len(t, cps, 1, "the budget checkpoint does not fire again")

	ex := e.execution(t, "ex-1")
	assert.Equal(t, control.StatusCompleted, ex.Status)
	assert.NotEqual(t, "gone", ex.Owner)
	assert.Zero(t, e.activeSlots(t))
}

func TestRecover_FailsMidIterationOrphan(t *testing.T) {
	e := newEnv(t, completeOn(1))
	ctx := context.Background()
	seedSuspended(t, e)
	// The process died during iteration 2 instead.
	l, err := e.store.GetLoop(ctx, "loop-1")
	require.NoError(t, err)
	l.Status, l.CurrentIteration = ralph.StatusRunning, 2
	require.NoError(t, e.store.UpdateLoop(ctx, l, ralph.StatusValidating))

	rep, err := e.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.RecoveryReport{Loops: 1, Executions: 1, Slots: 1}, rep)
	_, err = e.svc.Resume(ctx, "ex-1")
	assert.ErrorIs(t, err, scheduler.ErrNotResumable)
}

func TestCheckpoint_FileChangeCountsWholeExecution(t *testing.T) {
	e := newEnv(t, func(_ *env, inv ralph.Invocation) (*ralph.AgentResult, error) {
		n := inv.Iteration
		files := []string{fmt.Sprintf("a%d.go", n), fmt.Sprintf("b%d.go", n), fmt.Sprintf("c%d.go", n)}
		out := "working"
		if n >= 3 {
			out = done
		}
		return &ralph.AgentResult{Success: true, Output: out, FilesChanged: files}, nil
	})
	ctx := context.Background()
	require.NoError(t, e.engine.CreateDefinition(ctx, &checkpoint.Definition{
		Name:      "wide change",
		Condition: checkpoint.FileChange{MinFiles: 5, Patterns: []string{"*.go"}},
		Active:    true,
	}))

	h := e.start(t, scheduler.Request{Task: "t"})
	assert.Equal(t, ralph.StatusComplete, e.wait(t, h.ExecutionID).Status())

	cps, err := e.engine.Checkpoints(ctx, h.ExecutionID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, checkpoint.StatusAutoApproved, cps[0].Status)
	assert.Equal(t, 2, cps[0].Data.Iteration)
	assert.Len(t, cps[0].Data.FilesChanged, 6)
}

func TestShutdown_CancelsRunningExecutions(t *testing.T) {
	started := make(chan struct{})
	e := newEnv(t, func(_ *env, inv ralph.Invocation) (*ralph.AgentResult, error) {
		if inv.Iteration == 1 {
			close(started)
		}
		time.Sleep(20 * time.Millisecond)
		return &ralph.AgentResult{Success: true, Output: "working"}, nil
	})
	h := e.start(t, scheduler.Request{Task: "t"})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := e.svc.Shutdown(ctx, "shutting down")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res := e.wait(t, h.ExecutionID)
	assert.Equal(t, ralph.StatusCancelled, res.Status())
	assert.Contains(t, res.Loop.LastError, "shutting down")
	assert.Equal(t, control.StatusCancelled, e.execution(t, h.ExecutionID).Status)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_LoopLogsCarryExecutionOnce(t *testing.T) {
	var out lockedBuffer
	logger := slog.New(slog.NewTextHandler(&out, nil))
	e := newEnvAt(t, filepath.Join(t.TempDir(), "ralphd.db"), completeOn(1),
		func(d *scheduler.Deps) { d.Logger = logger })

	h := e.start(t, scheduler.Request{Task: "t"})
	e.wait(t, h.ExecutionID)

	var seen int
	for _, line := range strings.Split(out.String(), "\n") {
		if !strings.Contains(line, "msg=\"loop ") && !strings.Contains(line, "msg=\"iteration ") {
			continue
		}
		seen++
		assert.Equal(t, 1, strings.Count(line, " execution="), line)
	}
	assert.Positive(t, seen)
}

func TestRunSweeper_StopsWithContext(t *testing.T) {
	e := newEnv(t, completeOn(1))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.svc.RunSweeper(ctx, 5*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := scheduler.New(scheduler.Deps{})
	assert.ErrorContains(t, err, "store is required")
}
