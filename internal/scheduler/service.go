// Package scheduler admits attempts and drives them to completion. Start
// resolves the execution profile, acquires a slot (rejecting synchronously
// when the project is at capacity), records the execution and runs the
// Ralph loop in its own goroutine. At every iteration boundary the
// checkpoint engine is consulted and the loop waits while the execution is
// suspended. The slot is released as soon as the loop reaches a terminal
// status.
//
// Each running execution is leased to the process driving it, which renews
// the lease while the loop runs. Recover only touches executions whose
// lease expired, and Resume continues an execution that was left waiting
// at an iteration boundary.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ralphd/internal/backpressure"
	"ralphd/internal/checkpoint"
	"ralphd/internal/control"
	"ralphd/internal/events"
	"ralphd/internal/profile"
	"ralphd/internal/ralph"
	"ralphd/internal/session"
	"ralphd/internal/slot"
)

const (
	// DefaultPollInterval is how often a paused execution re-reads its
	// state.
	DefaultPollInterval = time.Second
	// DefaultLeaseTTL is how long an execution stays claimed by its
	// process without a renewal.
	DefaultLeaseTTL = 30 * time.Second
)

// ErrNotResumable is returned by Resume for executions that are not
// running, are held by a live process, or stopped mid-iteration.
var ErrNotResumable = errors.New("execution cannot be resumed")

// Store is the persistence the scheduler needs beyond what its
// collaborators already hold.
type Store interface {
	control.Store
	ralph.Store
	ListExecutions(ctx context.Context, statuses ...control.Status) ([]control.Execution, error)
	UpdateExecutionProgress(ctx context.Context, id, loopID string, iteration int, at time.Time) error
	FinishExecution(ctx context.Context, id string, status control.Status, at time.Time) error
	SetExecutionSlot(ctx context.Context, id, slotID string, at time.Time) error
	// RenewLease reports false once owner no longer holds the execution.
	RenewLease(ctx context.Context, id, owner string, until time.Time) (bool, error)
	// ClaimExecution returns nil when the execution is not running or a
	// live lease belongs to someone else.
	ClaimExecution(ctx context.Context, id, owner string, now, until time.Time) (*control.Execution, error)
}

// Deps are the scheduler's collaborators. Store, Slots, Resolver, Control,
// Checkpoints and Agent are required.
type Deps struct {
	Store       Store
	Slots       *slot.Manager
	Resolver    *profile.Resolver
	Control     *control.Machine
	Checkpoints *checkpoint.Engine
	Agent       ralph.Agent
	// ValidatorFor returns the backpressure validator for a work directory.
	// It defaults to a backpressure.Validator rooted there.
	ValidatorFor func(workDir string) ralph.Validator
	// Tracker defaults to a fresh session.Tracker.
	Tracker *session.Tracker
	Emitter events.Emitter
	Tracer  trace.Tracer
	Logger  *slog.Logger
	// Output receives loop progress lines when non-nil.
	Output       io.Writer
	PollInterval time.Duration
	// Owner identifies this process on execution leases. It defaults to a
	// random id.
	Owner    string
	LeaseTTL time.Duration
	Now      func() time.Time
}

// Service runs executions.
type Service struct {
	d Deps
}

// New returns a Service.
func New(d Deps) (*Service, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("scheduler: store is required")
	case d.Slots == nil:
		return nil, errors.New("scheduler: slot manager is required")
	case d.Resolver == nil:
		return nil, errors.New("scheduler: profile resolver is required")
	case d.Control == nil:
		return nil, errors.New("scheduler: control machine is required")
	case d.Checkpoints == nil:
		return nil, errors.New("scheduler: checkpoint engine is required")
	case d.Agent == nil:
		return nil, errors.New("scheduler: agent is required")
	}
	if d.ValidatorFor == nil {
		d.ValidatorFor = func(dir string) ralph.Validator { return &backpressure.Validator{Dir: dir} }
	}
	if d.Tracker == nil {
		d.Tracker = session.New()
	}
	d.Emitter = events.OrNop(d.Emitter)
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("ralphd/internal/scheduler")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.PollInterval <= 0 {
		d.PollInterval = DefaultPollInterval
	}
	if d.Owner == "" {
		d.Owner = uuid.NewString()
	}
	if d.LeaseTTL <= 0 {
		d.LeaseTTL = DefaultLeaseTTL
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{d: d}, nil
}

// Tracker returns the in-process registry of running loops.
func (s *Service) Tracker() *session.Tracker { return s.d.Tracker }

// Request asks for one attempt to be run.
type Request struct {
	ProjectID string
	// AttemptID is generated when empty.
	AttemptID string
	TaskID    string
	Task      string
	WorkDir   string
	// Category defaults to interactive_agent, Weight to 1.
	Category slot.Category
	Weight   int
	Priority int
	Autonomy checkpoint.AutonomyMode

	Profile       string
	ProjectType   backpressure.ProjectType
	AgentOverride *profile.Override
	TaskOverride  *profile.Override

	// GateAttrs are matched against approval gate conditions.
	GateAttrs map[string]string
	// Flags feed custom checkpoint conditions at every boundary.
	Flags map[string]bool
}

// Handle identifies a started execution.
type Handle struct {
	ExecutionID string
	AttemptID   string
	SlotID      string
	Effective   *profile.Effective
}

// Start admits and launches an attempt. Only configuration and admission
// errors are returned; everything that goes wrong once the loop runs is
// recorded on the loop and the execution.
func (s *Service) Start(ctx context.Context, req Request) (*Handle, error) {
	if req.ProjectID == "" {
		return nil, errors.New("start: project id is required")
	}
	if req.AttemptID == "" {
		req.AttemptID = uuid.NewString()
	}
	eff, err := s.prepare(&req)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	launch, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("start: encoding request: %w", err)
	}

	sl, err := s.d.Slots.Acquire(ctx, slot.Request{
		ProjectID: req.ProjectID,
		AttemptID: req.AttemptID,
		Category:  req.Category,
		Weight:    req.Weight,
	})
	if err != nil {
		return nil, err
	}

	now := s.d.Now()
	ex := &control.Execution{
		ID:             uuid.NewString(),
		ProjectID:      req.ProjectID,
		AttemptID:      req.AttemptID,
		TaskID:         req.TaskID,
		Status:         control.StatusRunning,
		SlotID:         sl.ID,
		Priority:       req.Priority,
		State:          control.Running,
		LoopID:         uuid.NewString(),
		Owner:          s.d.Owner,
		LeaseExpiresAt: now.Add(s.d.LeaseTTL),
		Launch:         launch,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.d.Store.CreateExecution(ctx, ex); err != nil {
		s.releaseSlot(ctx, sl.ID)
		return nil, fmt.Errorf("recording execution: %w", err)
	}

	token, err := s.track(ex, now)
	if err != nil {
		s.releaseSlot(ctx, sl.ID)
		return nil, err
	}

	s.d.Logger.Info("execution started", "execution", ex.ID, "project", ex.ProjectID,
		"attempt", ex.AttemptID, "profile", eff.Profile, "mode", eff.Mode, "slot", sl.ID)
	go s.run(context.WithoutCancel(ctx), ex, eff, req, token, false)

	return &Handle{ExecutionID: ex.ID, AttemptID: ex.AttemptID, SlotID: sl.ID, Effective: eff}, nil
}

// prepare fills request defaults and resolves its profile.
func (s *Service) prepare(req *Request) (*profile.Effective, error) {
	if req.Category == "" {
		req.Category = slot.InteractiveAgent
	}
	autonomy, err := checkpoint.ParseAutonomyMode(string(req.Autonomy))
	if err != nil {
		return nil, err
	}
	req.Autonomy = autonomy
	return s.d.Resolver.Resolve(profile.Request{
		Profile:     req.Profile,
		ProjectType: req.ProjectType,
		WorkDir:     req.WorkDir,
		Agent:       req.AgentOverride,
		Task:        req.TaskOverride,
	})
}

func (s *Service) track(ex *control.Execution, now time.Time) (*ralph.CancelToken, error) {
	token := ralph.NewCancelToken()
	err := s.d.Tracker.Register(session.Entry{
		ExecutionID: ex.ID,
		ProjectID:   ex.ProjectID,
		AttemptID:   ex.AttemptID,
		LoopID:      ex.LoopID,
		SlotID:      ex.SlotID,
		StartedAt:   now,
	}, token)
	return token, err
}

// Resume continues an execution whose process went away while it waited at
// an iteration boundary, typically for a review. The execution must still
// be running with an expired lease; its slot is reused when still held.
func (s *Service) Resume(ctx context.Context, executionID string) (*Handle, error) {
	if _, live := s.d.Tracker.Get(executionID); live {
		return nil, fmt.Errorf("execution %s runs in this process: %w", executionID, ErrNotResumable)
	}
	now := s.d.Now()
	ex, err := s.d.Store.ClaimExecution(ctx, executionID, s.d.Owner, now, now.Add(s.d.LeaseTTL))
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", executionID, err)
	}
	if ex == nil {
		return nil, fmt.Errorf("execution %s is finished or held by another process: %w", executionID, ErrNotResumable)
	}

	rc, err := s.reclaim(ctx, ex)
	if err != nil {
		if _, lerr := s.d.Store.RenewLease(context.WithoutCancel(ctx), ex.ID, s.d.Owner, time.Time{}); lerr != nil {
			s.d.Logger.Warn("dropping execution lease", "execution", ex.ID, "error", lerr)
		}
		return nil, fmt.Errorf("resume %s: %w", executionID, err)
	}

	s.d.Logger.Info("execution resumed", "execution", ex.ID, "project", ex.ProjectID,
		"loop", ex.LoopID, "iteration", ex.Iteration, "slot", ex.SlotID)
	go s.run(context.WithoutCancel(ctx), ex, rc.eff, rc.req, rc.token, rc.resume)
	return &Handle{ExecutionID: ex.ID, AttemptID: ex.AttemptID, SlotID: ex.SlotID, Effective: rc.eff}, nil
}

// reclaimed is what Resume rebuilt for a claimed execution. resume is false
// when the loop was never created and starts fresh.
type reclaimed struct {
	req    Request
	eff    *profile.Effective
	token  *ralph.CancelToken
	resume bool
}

func (s *Service) reclaim(ctx context.Context, ex *control.Execution) (*reclaimed, error) {
	if len(ex.Launch) == 0 || ex.LoopID == "" {
		return nil, fmt.Errorf("no launch record: %w", ErrNotResumable)
	}
	rc := &reclaimed{resume: true}
	if err := json.Unmarshal(ex.Launch, &rc.req); err != nil {
		return nil, fmt.Errorf("decoding launch record: %w", err)
	}
	var err error
	if rc.eff, err = s.prepare(&rc.req); err != nil {
		return nil, err
	}

	l, err := s.d.Store.GetLoop(ctx, ex.LoopID)
	switch {
	case errors.Is(err, ralph.ErrNotFound):
		rc.resume = false
	case err != nil:
		return nil, err
	case !l.Status.Terminal():
		its, err := s.d.Store.ListIterations(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		if !ralph.AtBoundary(l, its) {
			return nil, fmt.Errorf("loop %s stopped during iteration %d: %w", l.ID, l.CurrentIteration, ErrNotResumable)
		}
	}

	if ex.SlotID, err = s.reacquire(ctx, ex, rc.req); err != nil {
		return nil, err
	}
	if rc.token, err = s.track(ex, s.d.Now()); err != nil {
		s.releaseSlot(ctx, ex.SlotID)
		return nil, err
	}
	return rc, nil
}

// reacquire returns the slot the execution still holds, or admits it again.
func (s *Service) reacquire(ctx context.Context, ex *control.Execution, req Request) (string, error) {
	held, err := s.d.Slots.ActiveForAttempt(ctx, ex.AttemptID)
	if err != nil {
		return "", err
	}
	for _, sl := range held {
		if sl.ID == ex.SlotID {
			return sl.ID, nil
		}
	}
	sl, err := s.d.Slots.Acquire(ctx, slot.Request{
		ProjectID: ex.ProjectID,
		AttemptID: ex.AttemptID,
		Category:  req.Category,
		Weight:    req.Weight,
	})
	if err != nil {
		return "", err
	}
	if err := s.d.Store.SetExecutionSlot(ctx, ex.ID, sl.ID, s.d.Now()); err != nil {
		s.releaseSlot(ctx, sl.ID)
		return "", err
	}
	return sl.ID, nil
}

// Cancel asks a running execution to stop at its next boundary.
func (s *Service) Cancel(executionID, reason string) bool {
	return s.d.Tracker.Cancel(executionID, reason)
}

// Wait blocks until the execution's loop has finished.
func (s *Service) Wait(ctx context.Context, executionID string) (*ralph.Result, error) {
	return s.d.Tracker.Wait(ctx, executionID)
}

// Shutdown cancels every execution of this process and waits until their
// loops have stopped or ctx ends. It returns how many it cancelled.
func (s *Service) Shutdown(ctx context.Context, reason string) (int, error) {
	n := s.d.Tracker.CancelAll(reason)
	if n > 0 {
		s.d.Logger.Info("cancelling executions", "count", n, "reason", reason)
	}
	return n, s.d.Tracker.WaitAll(ctx)
}

func (s *Service) run(ctx context.Context, ex *control.Execution, eff *profile.Effective, req Request, token *ralph.CancelToken, resume bool) {
	ctx, span := s.d.Tracer.Start(ctx, "ralphd.execution", trace.WithAttributes(
		attribute.String("execution.id", ex.ID),
		attribute.String("project.id", ex.ProjectID),
		attribute.String("profile", eff.Profile),
		attribute.String("mode", string(eff.Mode)),
	))
	defer span.End()

	logger := s.d.Logger.With("execution", ex.ID)
	stopLease := s.keepLease(ctx, ex.ID, token, logger)
	defer stopLease()
	cpEx := checkpoint.Execution{ID: ex.ID, ProjectID: ex.ProjectID, TaskID: ex.TaskID, Autonomy: req.Autonomy}

	loop := &ralph.Loop{
		Store:     s.d.Store,
		Agent:     s.d.Agent,
		Validator: s.d.ValidatorFor(req.WorkDir),
		Boundary:  s.boundary(cpEx, req, logger),
		Emitter:   s.d.Emitter,
		Tracer:    s.d.Tracer,
		Logger:    s.d.Logger,
		Output:    s.d.Output,
		Now:       s.d.Now,
	}
	res, err := loop.Run(ctx, ralph.Spec{
		LoopID:      ex.LoopID,
		AttemptID:   ex.AttemptID,
		ExecutionID: ex.ID,
		Task:        req.Task,
		WorkDir:     req.WorkDir,
		Config:      eff.Loop,
		Resume:      resume,
	}, token)

	s.releaseSlot(ctx, ex.SlotID)

	status := control.StatusFailed
	switch {
	case err != nil:
		logger.Error("loop did not start", "error", err)
	case res.Status() == ralph.StatusComplete:
		status = control.StatusCompleted
	case res.Status() == ralph.StatusCancelled:
		status = control.StatusCancelled
	}
	if status == control.StatusCompleted {
		if err := s.postExecution(ctx, cpEx, req, token); err != nil {
			logger.Warn("post-execution approval failed", "error", err)
			status = control.StatusFailed
		}
	}

	if res != nil {
		if perr := s.d.Store.UpdateExecutionProgress(ctx, ex.ID, res.Loop.ID, res.Loop.CurrentIteration, s.d.Now()); perr != nil {
			logger.Warn("recording execution progress", "error", perr)
		}
	}
	stopLease()
	if ferr := s.d.Store.FinishExecution(ctx, ex.ID, status, s.d.Now()); ferr != nil {
		logger.Error("recording execution status", "status", status, "error", ferr)
	}
	span.SetAttributes(attribute.String("execution.status", string(status)))
	logger.Info("execution finished", "status", status)
	s.d.Tracker.Finish(ex.ID, res, err)
}

// boundary evaluates gates and checkpoints and waits while the execution
// is suspended. Iteration 0 is the pre-execution point.
func (s *Service) boundary(ex checkpoint.Execution, req Request, logger *slog.Logger) ralph.BoundaryFunc {
	return func(ctx context.Context, b ralph.BoundaryInfo) error {
		bc := checkpoint.BoundaryContext{
			Point:     checkpoint.PointIteration,
			Iteration: b.Iteration,
			CostUSD:   b.Usage.CostUSD,
			Elapsed:   b.Elapsed,
			Flags:     req.Flags,
		}
		bc.FilesChanged = b.FilesChanged
		bc.ExternalCalls = b.ExternalCalls

		if b.Iteration == 0 {
			bc.Point = checkpoint.PointPreExecution
			if _, err := s.d.Checkpoints.TriggerGates(ctx, ex, checkpoint.GatePreExecution, req.GateAttrs); err != nil {
				return err
			}
		} else if err := s.d.Store.UpdateExecutionProgress(ctx, ex.ID, b.LoopID, b.Iteration, s.d.Now()); err != nil {
			logger.Warn("recording execution progress", "error", err)
		}

		cps, err := s.d.Checkpoints.Evaluate(ctx, ex, bc)
		if err != nil {
			return err
		}
		for _, cp := range cps {
			logger.Info("checkpoint recorded", "checkpoint", cp.Name, "status", cp.Status, "iteration", b.Iteration)
		}
		return s.waitRunnable(ctx, ex.ID)
	}
}

// postExecution triggers post-execution gates and checkpoints and waits
// for them. The slot is already released at this point.
func (s *Service) postExecution(ctx context.Context, ex checkpoint.Execution, req Request, token *ralph.CancelToken) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-done:
		}
	}()

	if _, err := s.d.Checkpoints.TriggerGates(ctx, ex, checkpoint.GatePostExecution, req.GateAttrs); err != nil {
		return err
	}
	if _, err := s.d.Checkpoints.Evaluate(ctx, ex, checkpoint.BoundaryContext{
		Point: checkpoint.PointPostExecution,
		Flags: req.Flags,
	}); err != nil {
		return err
	}
	return s.waitRunnable(ctx, ex.ID)
}

// waitRunnable returns once nothing blocks the execution and its
// control-state is running. A human takeover ends the loop as cancelled.
func (s *Service) waitRunnable(ctx context.Context, executionID string) error {
	for {
		if err := s.d.Checkpoints.Await(ctx, executionID); err != nil {
			return err
		}
		st, err := s.d.Control.State(ctx, executionID)
		if err != nil {
			return err
		}
		switch st {
		case control.Running:
			return nil
		case control.HumanTakeover:
			return fmt.Errorf("execution %s taken over by a human: %w", executionID, ralph.ErrCancelled)
		case control.AwaitingInput:
			// Await found nothing pending, so nothing is holding the input.
			if err := s.d.Control.ResumeInput(ctx, executionID); err != nil && !errors.Is(err, control.ErrInvalidTransition) {
				return err
			}
			continue
		}
		t := time.NewTimer(s.d.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// keepLease renews the execution's lease until the returned stop function
// is called. Losing the lease cancels the loop at its next boundary.
func (s *Service) keepLease(ctx context.Context, executionID string, token *ralph.CancelToken, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(s.d.LeaseTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			held, err := s.d.Store.RenewLease(ctx, executionID, s.d.Owner, s.d.Now().Add(s.d.LeaseTTL))
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				logger.Warn("renewing execution lease", "error", err)
			case !held:
				logger.Error("execution lease lost")
				token.Cancel("execution lease lost")
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (s *Service) releaseSlot(ctx context.Context, slotID string) {
	if err := s.d.Slots.Release(context.WithoutCancel(ctx), slotID); err != nil {
		s.d.Logger.Error("releasing slot", "slot", slotID, "error", err)
	}
}
