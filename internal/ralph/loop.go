package ralph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ralphd/internal/backpressure"
	"ralphd/internal/completion"
	"ralphd/internal/events"
)

const outputSummaryLimit = 2000

// ErrNotFound is returned by stores for unknown loops.
var ErrNotFound = errors.New("loop not found")

// ErrStaleState is returned by Store.UpdateLoop when the stored status no
// longer matches the expected one.
var ErrStaleState = errors.New("loop state changed concurrently")

// ErrNotResumable is returned when resuming a loop that stopped in the
// middle of an iteration.
var ErrNotResumable = errors.New("loop is not at an iteration boundary")

// Store persists loop state and iteration rows.
type Store interface {
	CreateLoop(ctx context.Context, l *LoopState) error
	// UpdateLoop writes l if the stored status is still expected.
	UpdateLoop(ctx context.Context, l *LoopState, expected Status) error
	GetLoop(ctx context.Context, id string) (*LoopState, error)
	// InsertIteration fails if (loop, number) already exists.
	InsertIteration(ctx context.Context, it *Iteration) error
	UpdateIteration(ctx context.Context, it *Iteration) error
	ListIterations(ctx context.Context, loopID string) ([]Iteration, error)
	ListLoopsByStatus(ctx context.Context, statuses ...Status) ([]LoopState, error)
}

// Validator runs backpressure commands.
type Validator interface {
	Validate(ctx context.Context, commands []backpressure.Command, opts backpressure.Options) *backpressure.Result
}

// BoundaryInfo describes an iteration boundary. Iteration is 0 before the
// first iteration; Last is nil there. FilesChanged and ExternalCalls cover
// every iteration of the loop so far.
type BoundaryInfo struct {
	LoopID        string
	ExecutionID   string
	Iteration     int
	Last          *Iteration
	FilesChanged  []string
	ExternalCalls []string
	Usage         Usage
	Elapsed       time.Duration
}

// BoundaryFunc runs at every iteration boundary and may block, for example
// while a checkpoint awaits review. A non-nil error stops the loop: as
// cancelled when it wraps ErrCancelled or context.Canceled, as failed
// otherwise.
type BoundaryFunc func(ctx context.Context, b BoundaryInfo) error

// Spec describes one loop run.
type Spec struct {
	// LoopID is generated when empty.
	LoopID      string
	AttemptID   string
	ExecutionID string
	Task        string
	WorkDir     string
	Config      Config
	// Resume continues the stored loop LoopID from its last boundary
	// instead of creating a new one.
	Resume bool
}

// Loop runs iterative agent executions. Store and Agent are required.
type Loop struct {
	Store     Store
	Agent     Agent
	Validator Validator
	Boundary  BoundaryFunc
	Emitter   events.Emitter
	Tracer    trace.Tracer
	Logger    *slog.Logger
	// Output receives per-iteration progress lines when non-nil.
	Output io.Writer
	Now    func() time.Time
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Run executes a loop to a terminal status. token may be nil; cancelling
// ctx has the same effect as cancelling the token. Errors are returned only
// for invalid configuration or when the loop cannot be created; everything
// later ends up in the result's status and LastError.
func (l *Loop) Run(ctx context.Context, spec Spec, token *CancelToken) (*Result, error) {
	if err := spec.Config.Validate(); err != nil {
		return nil, err
	}
	if l.Store == nil || l.Agent == nil {
		return nil, fmt.Errorf("%w: loop requires a store and an agent", ErrInvalidConfig)
	}
	cfg := spec.Config.withDefaults()
	prompts, err := NewPromptBuilder(cfg.Templates)
	if err != nil {
		return nil, err
	}
	if token == nil {
		token = NewCancelToken()
	}

	var (
		state   *LoopState
		history []Iteration
	)
	if spec.Resume {
		if state, history, err = l.load(ctx, spec.LoopID); err != nil {
			return nil, err
		}
		if state.Status.Terminal() {
			return &Result{Loop: *state, Iterations: history}, nil
		}
		if !AtBoundary(state, history) {
			return nil, fmt.Errorf("loop %s in %s at iteration %d: %w", state.ID, state.Status, state.CurrentIteration, ErrNotResumable)
		}
		cfg.MaxIterations = state.MaxIterations
		cfg.CompletionPromise = state.CompletionPromise
		cfg.ExitSignalKey = state.ExitSignalKey
	} else {
		id := spec.LoopID
		if id == "" {
			id = uuid.NewString()
		}
		now := l.now()
		state = &LoopState{
			ID:                id,
			AttemptID:         spec.AttemptID,
			ExecutionID:       spec.ExecutionID,
			MaxIterations:     cfg.MaxIterations,
			Status:            StatusInitializing,
			CompletionPromise: cfg.CompletionPromise,
			ExitSignalKey:     cfg.ExitSignalKey,
			StartedAt:         now,
			UpdatedAt:         now,
		}
		if err := l.Store.CreateLoop(ctx, state); err != nil {
			return nil, fmt.Errorf("create loop: %w", err)
		}
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := l.Tracer
	if tracer == nil {
		tracer = otel.Tracer("ralphd/internal/ralph")
	}
	r := &run{
		loop:     l,
		spec:     spec,
		cfg:      cfg,
		prompts:  prompts,
		token:    token,
		state:    state,
		emitter:  events.OrNop(l.Emitter),
		logger:   logger.With("loop", state.ID, "execution", state.ExecutionID),
		tracer:   tracer,
		storeCtx: context.WithoutCancel(ctx),

		persisted: state.Status,
		files:     make(map[string]bool),
	}
	for i := range history {
		r.record(&history[i])
	}
	if n := len(history); n > 0 {
		if bp := history[n-1].Backpressure; bp != nil && bp.FailedCount > 0 {
			r.feedback = bp.FailureSummary()
		}
	}
	r.execute(ctx)
	return &Result{Loop: *r.state, Iterations: r.iterations}, nil
}

func (l *Loop) load(ctx context.Context, id string) (*LoopState, []Iteration, error) {
	if id == "" {
		return nil, nil, fmt.Errorf("%w: resume requires a loop id", ErrInvalidConfig)
	}
	state, err := l.Store.GetLoop(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load loop: %w", err)
	}
	history, err := l.Store.ListIterations(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load iterations: %w", err)
	}
	return state, history, nil
}

// run is the mutable state of one Run call.
type run struct {
	loop     *Loop
	spec     Spec
	cfg      Config
	prompts  *PromptBuilder
	token    *CancelToken
	state    *LoopState
	emitter  events.Emitter
	logger   *slog.Logger
	tracer   trace.Tracer
	storeCtx context.Context

	// persisted is the status last written to the store.
	persisted  Status
	iterations []Iteration
	feedback   string
	budget     *budget

	// files and calls accumulate over every iteration of the loop.
	files      map[string]bool
	fileOrder  []string
	calls      []string
	gateReport string
}

// record appends a finished iteration to the run's history.
func (r *run) record(it *Iteration) {
	r.iterations = append(r.iterations, *it)
	for _, f := range it.FilesChanged {
		if !r.files[f] {
			r.files[f] = true
			r.fileOrder = append(r.fileOrder, f)
		}
	}
	r.calls = append(r.calls, it.ExternalCalls...)
}

// spent is the budget already used by recorded iterations.
func (r *run) spent() time.Duration {
	var d time.Duration
	for _, it := range r.iterations {
		d += it.Duration
	}
	return d
}

func (r *run) execute(parent context.Context) {
	// The in-flight agent call must survive caller cancellation; only the
	// deadlines interrupt it. Caller cancellation becomes a token cancel.
	// Boundary waits are excluded from the total timeout.
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	defer cancel(nil)
	if r.cfg.TotalTimeout > 0 {
		r.budget = newBudget(r.cfg.TotalTimeout-r.spent(), func() { cancel(errTotalTimeout) })
		defer r.budget.pause()
	}
	stop := context.AfterFunc(parent, func() { r.token.Cancel(context.Cause(parent).Error()) })
	defer stop()

	ctx, span := r.tracer.Start(ctx, "ralph.loop", trace.WithAttributes(
		attribute.String("loop.id", r.state.ID),
		attribute.String("attempt.id", r.state.AttemptID),
		attribute.String("execution.id", r.state.ExecutionID),
		attribute.Int("loop.max_iterations", r.cfg.MaxIterations),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("loop.status", string(r.state.Status)),
			attribute.Int("loop.iterations", r.state.CurrentIteration),
		)
		if r.state.Status != StatusComplete {
			span.SetStatus(codes.Error, r.state.LastError)
		}
		span.End()
	}()

	if r.state.CurrentIteration > 0 {
		r.logger.InfoContext(ctx, "loop resumed", "iteration", r.state.CurrentIteration, "max_iterations", r.cfg.MaxIterations)
	} else {
		r.logger.InfoContext(ctx, "loop started", "max_iterations", r.cfg.MaxIterations)
	}
	r.emitStatus()

	if r.boundary(ctx, r.state.CurrentIteration) {
		return
	}
	for {
		if r.stopRequested(ctx) {
			return
		}
		if r.iterate(ctx) {
			return
		}
		if r.boundary(ctx, r.state.CurrentIteration) {
			return
		}
		if r.stopRequested(ctx) {
			return
		}
		if r.delay(ctx) {
			return
		}
	}
}

// stopRequested finishes the loop if it was cancelled or ran out of time.
func (r *run) stopRequested(ctx context.Context) bool {
	if r.token.Cancelled() {
		r.finish(StatusCancelled, cancelMessage(r.token.Reason()))
		return true
	}
	if ctx.Err() != nil {
		r.finish(StatusFailed, r.totalTimeoutMessage())
		return true
	}
	return false
}

func (r *run) delay(ctx context.Context) bool {
	if r.cfg.IterationDelay <= 0 {
		return false
	}
	t := time.NewTimer(r.cfg.IterationDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-r.token.Done():
	case <-ctx.Done():
	}
	return r.stopRequested(ctx)
}

// boundary runs the boundary hook. It returns true when the loop finished.
func (r *run) boundary(ctx context.Context, n int) bool {
	hook := r.loop.Boundary
	if hook == nil {
		return false
	}
	if ctx.Err() != nil {
		return r.stopRequested(ctx)
	}
	r.budget.pause()
	defer r.budget.resume()

	bctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.token.Done():
			cancel(ErrCancelled)
		case <-done:
		}
	}()

	info := BoundaryInfo{
		LoopID:        r.state.ID,
		ExecutionID:   r.state.ExecutionID,
		Iteration:     n,
		FilesChanged:  append([]string(nil), r.fileOrder...),
		ExternalCalls: append([]string(nil), r.calls...),
		Usage:         r.state.Usage,
		Elapsed:       r.loop.now().Sub(r.state.StartedAt),
	}
	if len(r.iterations) > 0 {
		last := r.iterations[len(r.iterations)-1]
		info.Last = &last
	}
	err := hook(bctx, info)
	if err == nil {
		return false
	}
	switch {
	case r.token.Cancelled():
		r.finish(StatusCancelled, cancelMessage(r.token.Reason()))
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		r.finish(StatusCancelled, err.Error())
	case ctx.Err() != nil:
		r.finish(StatusFailed, r.totalTimeoutMessage())
	default:
		r.finish(StatusFailed, fmt.Sprintf("boundary after iteration %d: %v", n, err))
	}
	return true
}

// iterate runs one iteration. It returns true when the loop finished.
func (r *run) iterate(ctx context.Context) bool {
	if !r.transition(StatusRunning) {
		return true
	}
	n := r.state.CurrentIteration + 1
	r.state.CurrentIteration = n
	it := &Iteration{
		ID:        uuid.NewString(),
		LoopID:    r.state.ID,
		Number:    n,
		Status:    IterationRunning,
		StartedAt: r.loop.now(),
	}
	if err := r.loop.Store.InsertIteration(r.storeCtx, it); err != nil {
		r.fail(fmt.Sprintf("record iteration %d: %v", n, err))
		return true
	}
	if !r.save() {
		return true
	}

	ctx, span := r.tracer.Start(ctx, "ralph.iteration", trace.WithAttributes(
		attribute.String("loop.id", r.state.ID),
		attribute.Int("iteration", n),
	))
	defer span.End()
	r.emit(events.IterationStarted, fmt.Sprintf("iteration %d started", n), map[string]string{
		"iteration": strconv.Itoa(n),
	})

	prompt, err := r.prompts.Build(PromptData{
		Task:              r.spec.Task,
		Iteration:         n,
		MaxIterations:     r.cfg.MaxIterations,
		CompletionPromise: r.cfg.CompletionPromise,
		ExitSignalKey:     r.cfg.ExitSignalKey,
		Feedback:          r.feedback,
		Commands:          commandLines(r.cfg.Backpressure),
	})
	if err != nil {
		it.Status = IterationFailed
		it.Error = err.Error()
		r.endIteration(it, span)
		r.fail(err.Error())
		return true
	}

	inv := Invocation{
		LoopID:      r.state.ID,
		ExecutionID: r.state.ExecutionID,
		Iteration:   n,
		Prompt:      prompt,
		WorkDir:     r.spec.WorkDir,
	}
	if r.cfg.PreserveSession {
		inv.SessionToken = r.state.SessionToken
	}
	started := r.loop.now()
	out := supervise(ctx, r.loop.Agent, inv, r.cfg.IterationTimeout)
	it.Duration = r.loop.now().Sub(started)

	if out.timeout != nil {
		it.Status = IterationTimeout
		if errors.Is(out.timeout, errTotalTimeout) {
			it.Error = r.totalTimeoutMessage()
		} else {
			it.Error = fmt.Sprintf("iteration %d exceeded iteration timeout of %s", n, r.cfg.IterationTimeout)
		}
		r.endIteration(it, span)
		r.fail(it.Error)
		return true
	}

	res := out.res
	if res == nil {
		res = &AgentResult{}
	}
	it.FilesChanged = res.FilesChanged
	it.ExternalCalls = res.ExternalCalls
	agentErr := out.err
	if agentErr == nil && !res.Success {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("agent exited with code %d", res.ExitCode)
		}
		agentErr = errors.New(msg)
	}
	if out.res == nil && agentErr == nil {
		agentErr = errors.New("agent returned no result")
	}

	it.Usage = res.Usage
	r.state.Usage = r.state.Usage.Add(res.Usage)
	it.OutputSummary = summarize(res.Output, outputSummaryLimit)
	r.captureSession(res)

	if !r.transition(StatusValidating) {
		return true
	}
	if !r.save() {
		return true
	}

	signals := completion.Detect(res.Output, r.cfg.CompletionPromise, r.cfg.ExitSignalKey)
	it.CompletionSignalFound = signals.CompletionSignalFound
	it.ExitSignalFound = signals.ExitSignalFound
	r.gateReport = gateContext(res.Output, signals, r.cfg)

	validated := len(r.cfg.Backpressure) == 0
	if agentErr == nil && len(r.cfg.Backpressure) > 0 &&
		(r.cfg.Validation == ValidateEachIteration || signals.Complete()) {
		it.Backpressure = r.validate(ctx, n)
		validated = it.Backpressure.AllPassed
	}
	it.BackpressurePassed = validated && agentErr == nil

	if agentErr != nil {
		it.Status = IterationFailed
		it.Error = agentErr.Error()
	} else {
		it.Status = IterationCompleted
	}
	r.endIteration(it, span)

	r.feedback = ""
	if it.Backpressure != nil && it.Backpressure.FailedCount > 0 {
		r.feedback = it.Backpressure.FailureSummary()
	}
	return r.decide(it, signals, validated, agentErr)
}

func (r *run) validate(ctx context.Context, n int) *backpressure.Result {
	v := r.loop.Validator
	if v == nil {
		v = &backpressure.Validator{Dir: r.spec.WorkDir}
	}
	ctx, span := r.tracer.Start(ctx, "ralph.backpressure", trace.WithAttributes(
		attribute.Int("iteration", n),
		attribute.Int("backpressure.commands", len(r.cfg.Backpressure)),
	))
	defer span.End()

	r.emit(events.ValidationStarted, fmt.Sprintf("validating iteration %d", n), map[string]string{
		"iteration": strconv.Itoa(n),
	})
	res := v.Validate(ctx, r.cfg.Backpressure, backpressure.Options{
		Parallel:  r.cfg.BackpressureParallel,
		FailOnAny: r.cfg.FailOnAny,
	})
	span.SetAttributes(attribute.Bool("backpressure.all_passed", res.AllPassed))
	r.emit(events.ValidationCompleted, res.Summary, map[string]string{
		"iteration":  strconv.Itoa(n),
		"all_passed": strconv.FormatBool(res.AllPassed),
		"failed":     strconv.Itoa(res.FailedCount),
	})
	return res
}

// decide applies the completion / cap / failure rules in that order.
func (r *run) decide(it *Iteration, signals completion.Signals, validated bool, agentErr error) bool {
	n := it.Number
	switch {
	case agentErr == nil && signals.Complete() && validated:
		now := r.loop.now()
		r.state.CompletionDetectedAt = &now
		r.state.FinalValidationPassed = true
		r.state.ConsecutiveFailures = 0
		r.finish(StatusComplete, "")
		return true
	case n >= r.cfg.MaxIterations:
		if agentErr != nil {
			r.state.LastError = agentErr.Error()
		}
		r.finish(StatusMaxReached, r.state.LastError)
		return true
	case agentErr != nil:
		r.state.ConsecutiveFailures++
		r.state.LastError = agentErr.Error()
		if r.state.ConsecutiveFailures >= r.cfg.MaxConsecutiveFailures {
			r.finish(StatusFailed, fmt.Sprintf("%d consecutive agent failures, last: %v", r.state.ConsecutiveFailures, agentErr))
			return true
		}
	default:
		r.state.ConsecutiveFailures = 0
		if it.Backpressure != nil && !it.Backpressure.AllPassed {
			r.state.LastError = "validation failed: " + it.Backpressure.StatusString()
		}
	}
	return !r.save()
}

func (r *run) captureSession(res *AgentResult) {
	token := res.SessionToken
	if token == "" {
		token = SessionIDFromOutput(res.Output)
	}
	if token == "" || token == r.state.SessionToken {
		return
	}
	r.state.SessionToken = token
	r.emit(events.SessionCaptured, "session captured", map[string]string{"session": token})
}

func (r *run) endIteration(it *Iteration, span trace.Span) {
	now := r.loop.now()
	it.EndedAt = &now
	if err := r.loop.Store.UpdateIteration(r.storeCtx, it); err != nil {
		r.logger.Error("failed to record iteration", "iteration", it.Number, "error", err)
	}
	r.record(it)
	gateReport := r.gateReport
	r.gateReport = ""

	span.SetAttributes(
		attribute.String("iteration.status", string(it.Status)),
		attribute.Bool("iteration.completion_signal", it.CompletionSignalFound),
		attribute.Bool("iteration.exit_signal", it.ExitSignalFound),
		attribute.Float64("iteration.cost_usd", it.Usage.CostUSD),
	)
	if it.Error != "" {
		span.SetStatus(codes.Error, it.Error)
	}

	logAttrs := []any{
		"iteration", it.Number,
		"status", it.Status,
		"gates", it.Signals().Status(),
		"backpressure_passed", it.BackpressurePassed,
		"duration", it.Duration,
	}
	attrs := map[string]string{
		"iteration":           strconv.Itoa(it.Number),
		"status":              string(it.Status),
		"completion_signal":   strconv.FormatBool(it.CompletionSignalFound),
		"exit_signal":         strconv.FormatBool(it.ExitSignalFound),
		"backpressure_passed": strconv.FormatBool(it.BackpressurePassed),
	}
	if gateReport != "" {
		// One gate alone never completes the loop; show where it fired.
		logAttrs = append(logAttrs, "gate_context", gateReport)
		attrs["gate_context"] = gateReport
	}
	r.logger.Info("iteration finished", logAttrs...)
	r.emit(events.IterationCompleted, fmt.Sprintf("iteration %d %s", it.Number, it.Status), attrs)
	printIteration(r.loop.Output, it, r.cfg.MaxIterations)
}

// transition moves the in-memory status forward. Persisting is separate so
// several field updates can share one write.
func (r *run) transition(to Status) bool {
	from := r.state.Status
	if !CanTransition(from, to) {
		r.logger.Error("invalid loop transition", "from", from, "to", to)
		r.forceFail(fmt.Sprintf("invalid loop transition %s -> %s", from, to))
		return false
	}
	r.state.Status = to
	if to != from {
		r.emitStatus()
	}
	return true
}

// save persists the state if the store still holds what this run last
// wrote.
func (r *run) save() bool {
	r.state.UpdatedAt = r.loop.now()
	if err := r.loop.Store.UpdateLoop(r.storeCtx, r.state, r.persisted); err != nil {
		r.logger.Error("failed to persist loop state", "status", r.state.Status, "error", err)
		if errors.Is(err, ErrStaleState) {
			// Someone else (recovery, an operator) owns the row now.
			if cur, gerr := r.loop.Store.GetLoop(r.storeCtx, r.state.ID); gerr == nil {
				*r.state = *cur
			}
			return false
		}
		r.forceFail(fmt.Sprintf("persist loop state: %v", err))
		return false
	}
	r.persisted = r.state.Status
	return true
}

func (r *run) fail(msg string) {
	r.finish(StatusFailed, msg)
}

// finish moves the loop to a terminal status and persists it.
func (r *run) finish(status Status, msg string) {
	from := r.state.Status
	if from.Terminal() {
		return
	}
	if !CanTransition(from, status) {
		r.forceFail(fmt.Sprintf("invalid loop transition %s -> %s", from, status))
		return
	}
	now := r.loop.now()
	r.state.Status = status
	r.state.LastError = msg
	r.state.EndedAt = &now
	if !r.save() {
		return
	}
	r.logTerminal()
	r.emitStatus()
}

// forceFail ends the loop as failed after an internal error. The store
// write is best effort.
func (r *run) forceFail(msg string) {
	now := r.loop.now()
	r.state.Status = StatusFailed
	r.state.LastError = msg
	r.state.EndedAt = &now
	r.state.UpdatedAt = now
	if err := r.loop.Store.UpdateLoop(r.storeCtx, r.state, r.persisted); err != nil {
		r.logger.Error("failed to persist loop failure", "error", err)
	} else {
		r.persisted = StatusFailed
	}
	r.logTerminal()
	r.emitStatus()
}

func (r *run) logTerminal() {
	attrs := []any{
		"status", r.state.Status,
		"iterations", r.state.CurrentIteration,
		"cost_usd", r.state.Usage.CostUSD,
	}
	if r.state.Status == StatusComplete {
		r.logger.Info("loop finished", attrs...)
		return
	}
	r.logger.Warn("loop finished", append(attrs, "error", r.state.LastError)...)
}

func (r *run) totalTimeoutMessage() string {
	return fmt.Sprintf("loop exceeded total timeout of %s", r.cfg.TotalTimeout)
}

func (r *run) emitStatus() {
	r.emit(events.LoopStatus, "loop "+string(r.state.Status), map[string]string{
		"status":    string(r.state.Status),
		"iteration": strconv.Itoa(r.state.CurrentIteration),
		"error":     r.state.LastError,
	})
}

func (r *run) emit(kind events.Kind, msg string, attrs map[string]string) {
	r.emitter.Emit(events.Event{
		Kind:        kind,
		ExecutionID: r.state.ExecutionID,
		LoopID:      r.state.ID,
		Message:     msg,
		Attrs:       attrs,
		Timestamp:   r.loop.now(),
	})
}

// gateContext returns the output lines around the gate that fired when
// only one of the two did.
func gateContext(output string, s completion.Signals, cfg Config) string {
	switch s.Status() {
	case completion.StatusPromiseOnly:
		return completion.ExtractContext(output, cfg.CompletionPromise, 2)
	case completion.StatusSignalOnly:
		return completion.ExtractContext(output, cfg.ExitSignalKey, 2)
	}
	return ""
}

// budget is the total-timeout clock. It runs while iterations and delays
// are in progress and stops while paused.
type budget struct {
	mu        sync.Mutex
	remaining time.Duration
	started   time.Time
	timer     *time.Timer
	expire    func()
}

func newBudget(remaining time.Duration, expire func()) *budget {
	b := &budget{remaining: remaining, expire: expire}
	b.resume()
	return b
}

func (b *budget) pause() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer == nil {
		return
	}
	if b.timer.Stop() {
		b.remaining -= time.Since(b.started)
	} else {
		b.remaining = 0
	}
	b.timer = nil
}

func (b *budget) resume() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		return
	}
	b.started = time.Now()
	b.timer = time.AfterFunc(max(b.remaining, 0), b.expire)
}

func cancelMessage(reason string) string {
	if reason == "" {
		return "cancelled"
	}
	return "cancelled: " + reason
}
