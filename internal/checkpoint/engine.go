package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"ralphd/internal/actor"
	"ralphd/internal/control"
	"ralphd/internal/events"
)

// DefaultPollInterval is how often Await re-reads durable state.
const DefaultPollInterval = time.Second

// Store persists definitions, checkpoints and gates.
type Store interface {
	CreateDefinition(ctx context.Context, d *Definition) error
	// ListDefinitions returns active definitions scoped to projectID plus
	// the global ones.
	ListDefinitions(ctx context.Context, projectID string) ([]Definition, error)
	SetDefinitionActive(ctx context.Context, id string, active bool) error

	InsertCheckpoint(ctx context.Context, c *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, executionID string) ([]Checkpoint, error)
	HasCheckpointForDefinition(ctx context.Context, executionID, definitionID string) (bool, error)
	// ResolveCheckpoint moves a pending checkpoint to status. It reports
	// false when the checkpoint had already left pending.
	ResolveCheckpoint(ctx context.Context, id string, status Status, reviewer actor.Actor, note string, at time.Time) (bool, error)
	// ListDueCheckpoints returns pending checkpoints whose auto-approve or
	// expiry time is at or before now.
	ListDueCheckpoints(ctx context.Context, now time.Time) ([]Checkpoint, error)

	CreateGate(ctx context.Context, g *Gate) error
	GetGate(ctx context.Context, id string) (*Gate, error)
	// ListGates returns active gates of type t for the project (or global)
	// and task (or any task).
	ListGates(ctx context.Context, projectID, taskID string, t GateType) ([]Gate, error)
	InsertPendingGate(ctx context.Context, pg *PendingGate) error
	GetPendingGate(ctx context.Context, id string) (*PendingGate, error)
	ListPendingGates(ctx context.Context, executionID string) ([]PendingGate, error)
	// RecordGateApproval appends a, lets apply update the pending gate and
	// persists it, all in one transaction. Duplicate votes fail with
	// ErrDuplicateDecision.
	RecordGateApproval(ctx context.Context, a *GateApproval, apply func(pg *PendingGate) error) (*PendingGate, error)
	BypassGate(ctx context.Context, id string, by actor.Actor, reason string, at time.Time) (bool, error)
	GateApprovals(ctx context.Context, pendingGateID string) ([]GateApproval, error)
}

// Controller is the slice of the control-state machine the engine drives.
type Controller interface {
	State(ctx context.Context, executionID string) (control.State, error)
	AwaitInput(ctx context.Context, executionID, reason string) error
	ResumeInput(ctx context.Context, executionID string) error
}

// Engine evaluates checkpoint definitions and resolves checkpoints and
// gates.
type Engine struct {
	store        Store
	control      Controller
	emitter      events.Emitter
	logger       *slog.Logger
	now          func() time.Time
	pollInterval time.Duration

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the event sink.
func WithEmitter(e events.Emitter) Option { return func(en *Engine) { en.emitter = e } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(en *Engine) { en.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(en *Engine) { en.now = now } }

// WithPollInterval sets how often Await re-reads state.
func WithPollInterval(d time.Duration) Option { return func(en *Engine) { en.pollInterval = d } }

// NewEngine returns an Engine.
func NewEngine(store Store, ctl Controller, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		control:      ctl,
		now:          time.Now,
		pollInterval: DefaultPollInterval,
		waiters:      make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.emitter = events.OrNop(e.emitter)
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// CreateDefinition validates and stores a definition.
func (e *Engine) CreateDefinition(ctx context.Context, d *Definition) error {
	if d.Name == "" {
		return errors.New("checkpoint definition: name is required")
	}
	if d.Condition == nil {
		return fmt.Errorf("checkpoint definition %q: condition is required", d.Name)
	}
	if err := d.Condition.Validate(); err != nil {
		return fmt.Errorf("checkpoint definition %q: %w", d.Name, err)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = e.now()
	}
	return e.store.CreateDefinition(ctx, d)
}

// SetDefinitionActive toggles a definition.
func (e *Engine) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	return e.store.SetDefinitionActive(ctx, id, active)
}

// Definitions returns the active definitions for a project in evaluation
// order.
func (e *Engine) Definitions(ctx context.Context, projectID string) ([]Definition, error) {
	defs, err := e.store.ListDefinitions(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoint definitions: %w", err)
	}
	orderDefinitions(defs)
	return defs, nil
}

// orderDefinitions sorts project-scoped before global, then by descending
// priority, then oldest first.
func orderDefinitions(defs []Definition) {
	sort.SliceStable(defs, func(i, j int) bool {
		a, b := defs[i], defs[j]
		if (a.ProjectID != "") != (b.ProjectID != "") {
			return a.ProjectID != ""
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func blocks(mode AutonomyMode, requiresApproval bool) bool {
	switch mode {
	case AgentDriven:
		return false
	case ReviewDriven:
		return true
	default:
		return requiresApproval
	}
}

// Evaluate checks every active definition against bc in priority order.
// Each match is recorded; a definition fires at most once per execution.
// Matches that need no approval are recorded as auto_approved. The first
// match that needs approval is left pending, moves the execution to
// awaiting_input and ends evaluation.
func (e *Engine) Evaluate(ctx context.Context, ex Execution, bc BoundaryContext) ([]*Checkpoint, error) {
	defs, err := e.Definitions(ctx, ex.ProjectID)
	if err != nil {
		return nil, err
	}
	var triggered []*Checkpoint
	for i := range defs {
		d := &defs[i]
		if d.Condition == nil {
			continue
		}
		ok, reason := d.Condition.Match(bc)
		if !ok {
			continue
		}
		fired, err := e.store.HasCheckpointForDefinition(ctx, ex.ID, d.ID)
		if err != nil {
			return triggered, fmt.Errorf("checking prior checkpoints: %w", err)
		}
		if fired {
			continue
		}

		data := d.Condition.Capture(bc)
		data.Point = bc.Point
		data.Iteration = bc.Iteration
		cp := e.instantiate(ex.ID, Defined{DefinitionID: d.ID}, d.Name, reason, data,
			blocks(ex.Autonomy, d.RequiresApproval), d.AutoApproveAfter, d.ExpiresAfter)
		if err := e.store.InsertCheckpoint(ctx, cp); err != nil {
			return triggered, fmt.Errorf("recording checkpoint %s: %w", d.Name, err)
		}
		e.emitTriggered(cp)
		triggered = append(triggered, cp)

		if cp.Status == StatusPending {
			if err := e.block(ctx, ex.ID, "checkpoint "+d.Name+": "+reason); err != nil {
				return triggered, err
			}
			break
		}
	}
	return triggered, nil
}

// TriggerCustom records an ad-hoc checkpoint with no definition.
func (e *Engine) TriggerCustom(ctx context.Context, ex Execution, reason string, requiresApproval bool, autoApproveAfter *time.Duration) (*Checkpoint, error) {
	if reason == "" {
		return nil, errors.New("custom checkpoint: reason is required")
	}
	cp := e.instantiate(ex.ID, Custom{Reason: reason}, "custom", reason, TriggerData{Type: TypeCustom},
		blocks(ex.Autonomy, requiresApproval), autoApproveAfter, nil)
	if err := e.store.InsertCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("recording custom checkpoint: %w", err)
	}
	e.emitTriggered(cp)
	if cp.Status == StatusPending {
		if err := e.block(ctx, ex.ID, "checkpoint: "+reason); err != nil {
			return cp, err
		}
	}
	return cp, nil
}

func (e *Engine) instantiate(execID string, origin Origin, name, reason string, data TriggerData, blocking bool, autoAfter, expiresAfter *time.Duration) *Checkpoint {
	now := e.now()
	cp := &Checkpoint{
		ID:               uuid.NewString(),
		ExecutionID:      execID,
		Origin:           origin,
		Name:             name,
		Data:             data,
		Reason:           reason,
		Status:           StatusPending,
		RequiresApproval: blocking,
		CreatedAt:        now,
	}
	if !blocking {
		sys := actor.System()
		cp.Status = StatusAutoApproved
		cp.Reviewer = &sys
		cp.ReviewedAt = &now
		cp.ReviewNote = "approval not required"
		return cp
	}
	if autoAfter != nil {
		at := now.Add(*autoAfter)
		cp.AutoApproveAt = &at
	} else if expiresAfter != nil {
		at := now.Add(*expiresAfter)
		cp.ExpiresAt = &at
	}
	return cp
}

// Resolve records a reviewer decision on a pending checkpoint. Resolving
// a checkpoint twice returns ErrAlreadyResolved and changes nothing.
func (e *Engine) Resolve(ctx context.Context, id string, d Decision, reviewer actor.Actor, note string) (*Checkpoint, error) {
	status, err := d.status()
	if err != nil {
		return nil, err
	}
	return e.resolve(ctx, id, status, reviewer, note)
}

func (e *Engine) resolve(ctx context.Context, id string, status Status, reviewer actor.Actor, note string) (*Checkpoint, error) {
	ok, err := e.store.ResolveCheckpoint(ctx, id, status, reviewer, note, e.now())
	if err != nil {
		return nil, fmt.Errorf("resolving checkpoint %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrAlreadyResolved)
	}
	cp, err := e.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	e.logger.Info("checkpoint resolved", "checkpoint", id, "execution", cp.ExecutionID, "status", status, "reviewer", reviewer.String())
	e.emitter.Emit(events.Event{
		Kind:        events.CheckpointResolved,
		ExecutionID: cp.ExecutionID,
		Attrs: map[string]string{
			"checkpoint_id": cp.ID,
			"name":          cp.Name,
			"status":        string(status),
			"reviewer":      reviewer.String(),
		},
	})
	e.afterResolution(ctx, cp.ExecutionID)
	return cp, nil
}

// SweepResult counts what a Sweep changed.
type SweepResult struct {
	AutoApproved int
	Expired      int
}

// Sweep auto-approves checkpoints whose interval has elapsed and expires
// those past their deadline. Expired checkpoints block their execution.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	due, err := e.store.ListDueCheckpoints(ctx, now)
	if err != nil {
		return res, fmt.Errorf("listing due checkpoints: %w", err)
	}
	for _, cp := range due {
		var status Status
		var note string
		switch {
		case cp.AutoApproveAt != nil && !now.Before(*cp.AutoApproveAt):
			status, note = StatusAutoApproved, "auto-approved after timeout"
		case cp.ExpiresAt != nil && !now.Before(*cp.ExpiresAt):
			status, note = StatusExpired, "expired without review"
		default:
			continue
		}
		if _, err := e.resolve(ctx, cp.ID, status, actor.System(), note); err != nil {
			if errors.Is(err, ErrAlreadyResolved) {
				continue
			}
			return res, err
		}
		if status == StatusAutoApproved {
			res.AutoApproved++
		} else {
			res.Expired++
		}
	}
	return res, nil
}

// Verdict is whether an execution may continue.
type Verdict struct {
	Proceed            bool
	Blocked            bool
	Reason             string
	PendingCheckpoints int
	PendingGates       int
}

// CanProceed inspects the execution's checkpoints and gates. A rejected or
// expired checkpoint, or a rejected gate, blocks; anything pending waits.
func (e *Engine) CanProceed(ctx context.Context, executionID string) (Verdict, error) {
	var v Verdict
	cps, err := e.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return v, fmt.Errorf("listing checkpoints: %w", err)
	}
	gates, err := e.store.ListPendingGates(ctx, executionID)
	if err != nil {
		return v, fmt.Errorf("listing gates: %w", err)
	}
	for _, cp := range cps {
		switch cp.Status {
		case StatusRejected, StatusExpired:
			if !v.Blocked {
				v.Blocked = true
				v.Reason = fmt.Sprintf("checkpoint %s %s", cp.Name, cp.Status)
			}
		case StatusPending:
			v.PendingCheckpoints++
		}
	}
	for _, g := range gates {
		switch g.Status {
		case GateRejected:
			if !v.Blocked {
				v.Blocked = true
				v.Reason = fmt.Sprintf("gate %s rejected", g.Name)
			}
		case GatePending:
			v.PendingGates++
		}
	}
	v.Proceed = !v.Blocked && v.PendingCheckpoints == 0 && v.PendingGates == 0
	if !v.Proceed && !v.Blocked {
		v.Reason = fmt.Sprintf("%d checkpoint(s) and %d gate(s) pending", v.PendingCheckpoints, v.PendingGates)
	}
	return v, nil
}

// Summary lists what an execution is waiting on.
type Summary struct {
	Checkpoints []Checkpoint
	Gates       []PendingGate
}

// Total is the number of pending items.
func (s *Summary) Total() int { return len(s.Checkpoints) + len(s.Gates) }

// PendingSummary returns the execution's pending checkpoints and gates.
func (e *Engine) PendingSummary(ctx context.Context, executionID string) (*Summary, error) {
	cps, err := e.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, err
	}
	gates, err := e.store.ListPendingGates(ctx, executionID)
	if err != nil {
		return nil, err
	}
	s := &Summary{}
	for _, cp := range cps {
		if cp.Status == StatusPending {
			s.Checkpoints = append(s.Checkpoints, cp)
		}
	}
	for _, g := range gates {
		if g.Status == GatePending {
			s.Gates = append(s.Gates, g)
		}
	}
	return s, nil
}

// Checkpoints returns every checkpoint recorded for an execution.
func (e *Engine) Checkpoints(ctx context.Context, executionID string) ([]Checkpoint, error) {
	return e.store.ListCheckpoints(ctx, executionID)
}

// Await blocks until the execution may proceed, returning a *BlockedError
// if it never can. State is re-read from the store on every wake-up, so a
// decision recorded by another process is observed within one poll
// interval.
func (e *Engine) Await(ctx context.Context, executionID string) error {
	for {
		wake := e.waitChan(executionID)
		if _, err := e.Sweep(ctx, e.now()); err != nil {
			e.logger.Warn("checkpoint sweep failed", "error", err)
		}
		v, err := e.CanProceed(ctx, executionID)
		if err != nil {
			return err
		}
		if v.Blocked {
			return &BlockedError{ExecutionID: executionID, Reason: v.Reason}
		}
		if v.Proceed {
			return nil
		}
		timer := time.NewTimer(e.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (e *Engine) waitChan(executionID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.waiters[executionID]
	if !ok {
		ch = make(chan struct{})
		e.waiters[executionID] = ch
	}
	return ch
}

func (e *Engine) signal(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.waiters[executionID]; ok {
		close(ch)
		delete(e.waiters, executionID)
	}
}

// block moves a running execution to awaiting_input. An execution that is
// already waiting, paused or taken over keeps its state.
func (e *Engine) block(ctx context.Context, executionID, reason string) error {
	st, err := e.control.State(ctx, executionID)
	if err != nil {
		return fmt.Errorf("reading control-state: %w", err)
	}
	if st != control.Running {
		e.logger.Debug("execution already suspended", "execution", executionID, "state", st)
		return nil
	}
	return e.control.AwaitInput(ctx, executionID, reason)
}

// afterResolution wakes waiters and returns the execution to running once
// nothing blocks it.
func (e *Engine) afterResolution(ctx context.Context, executionID string) {
	defer e.signal(executionID)
	v, err := e.CanProceed(ctx, executionID)
	if err != nil || !v.Proceed {
		return
	}
	st, err := e.control.State(ctx, executionID)
	if err != nil || st != control.AwaitingInput {
		return
	}
	if err := e.control.ResumeInput(ctx, executionID); err != nil {
		e.logger.Warn("resuming execution after resolution", "execution", executionID, "error", err)
	}
}

func (e *Engine) emitTriggered(cp *Checkpoint) {
	e.logger.Info("checkpoint triggered", "checkpoint", cp.ID, "execution", cp.ExecutionID,
		"name", cp.Name, "status", cp.Status, "reason", cp.Reason)
	e.emitter.Emit(events.Event{
		Kind:        events.CheckpointTriggered,
		ExecutionID: cp.ExecutionID,
		Message:     cp.Reason,
		Timestamp:   cp.CreatedAt,
		Attrs: map[string]string{
			"checkpoint_id": cp.ID,
			"name":          cp.Name,
			"origin":        cp.Origin.String(),
			"status":        string(cp.Status),
			"iteration":     strconv.Itoa(cp.Data.Iteration),
		},
	})
}
