// Package checkpoint suspends executions at policy-defined trigger points.
//
// Checkpoint definitions are evaluated at iteration boundaries and
// lifecycle points, project-scoped before global and by descending
// priority; the first match that requires approval blocks the execution
// (control-state awaiting_input) until a reviewer decides, the auto-approve
// interval elapses, or the checkpoint expires. Approval gates add a
// multi-party variant with a minimum approval count and fail-fast
// rejection.
package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"ralphd/internal/actor"
	"ralphd/internal/jsonutil"
)

var (
	// ErrNotFound is returned for an unknown definition, checkpoint or gate.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyResolved is returned when resolving a checkpoint or gate
	// that has left pending.
	ErrAlreadyResolved = errors.New("already resolved")
	// ErrBlocked is wrapped by *BlockedError.
	ErrBlocked = errors.New("execution blocked")
	// ErrNotApprover is returned when an actor outside a gate's approver
	// set submits a decision.
	ErrNotApprover = errors.New("actor is not an approver for this gate")
	// ErrDuplicateDecision is returned when an approver decides twice.
	ErrDuplicateDecision = errors.New("approver already decided")
	// ErrInvalidCondition is wrapped by condition validation errors.
	ErrInvalidCondition = errors.New("invalid checkpoint condition")
)

// BlockedError reports why an execution cannot proceed.
type BlockedError struct {
	ExecutionID string
	Reason      string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("execution %s blocked: %s", e.ExecutionID, e.Reason)
}

// Unwrap returns ErrBlocked.
func (e *BlockedError) Unwrap() error { return ErrBlocked }

// Type is the kind of trigger a definition watches.
type Type string

const (
	TypeFileChange    Type = "file_change"
	TypeExternalCall  Type = "external_call"
	TypeCostThreshold Type = "cost_threshold"
	TypeTimeThreshold Type = "time_threshold"
	TypeCustom        Type = "custom"
)

// ParseType parses a checkpoint type.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeFileChange, TypeExternalCall, TypeCostThreshold, TypeTimeThreshold, TypeCustom:
		return Type(s), nil
	}
	return "", jsonutil.ParseEnumError("checkpoint type", s)
}

// Status is an ExecutionCheckpoint's status. Only pending may change.
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusAutoApproved Status = "auto_approved"
	StatusSkipped      Status = "skipped"
	StatusExpired      Status = "expired"
)

// Resolved reports whether s is final.
func (s Status) Resolved() bool { return s != StatusPending }

// Allows reports whether s lets the execution continue.
func (s Status) Allows() bool {
	return s == StatusApproved || s == StatusAutoApproved || s == StatusSkipped
}

// ParseStatus parses a checkpoint status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusApproved, StatusRejected, StatusAutoApproved, StatusSkipped, StatusExpired:
		return Status(s), nil
	}
	return "", jsonutil.ParseEnumError("checkpoint status", s)
}

// Decision is a reviewer's verdict on a checkpoint.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
	Skip    Decision = "skip"
)

func (d Decision) status() (Status, error) {
	switch d {
	case Approve:
		return StatusApproved, nil
	case Reject:
		return StatusRejected, nil
	case Skip:
		return StatusSkipped, nil
	}
	return "", jsonutil.ParseEnumError("checkpoint decision", string(d))
}

// AutonomyMode sets how much an execution may do without review.
type AutonomyMode string

const (
	// AgentDriven records matches but never blocks on checkpoints.
	AgentDriven AutonomyMode = "agent_driven"
	// AgentAssisted honours each definition's requires-approval flag.
	AgentAssisted AutonomyMode = "agent_assisted"
	// ReviewDriven blocks on every match.
	ReviewDriven AutonomyMode = "review_driven"
)

// ParseAutonomyMode parses an autonomy mode; "" is AgentAssisted.
func ParseAutonomyMode(s string) (AutonomyMode, error) {
	switch AutonomyMode(s) {
	case "":
		return AgentAssisted, nil
	case AgentDriven, AgentAssisted, ReviewDriven:
		return AutonomyMode(s), nil
	}
	return "", jsonutil.ParseEnumError("autonomy mode", s)
}

// Point is where in an execution's life a boundary occurs.
type Point string

const (
	PointPreExecution  Point = "pre_execution"
	PointIteration     Point = "iteration_boundary"
	PointPostPlan      Point = "post_plan"
	PointPreCommit     Point = "pre_commit"
	PointPostExecution Point = "post_execution"
)

// Definition is a checkpoint policy. ProjectID "" makes it global.
type Definition struct {
	ID               string
	ProjectID        string
	Name             string
	Condition        Condition
	RequiresApproval bool
	AutoApproveAfter *time.Duration
	ExpiresAfter     *time.Duration
	Priority         int
	Active           bool
	CreatedAt        time.Time
}

// Type returns the definition's checkpoint type.
func (d *Definition) Type() Type {
	if d.Condition == nil {
		return TypeCustom
	}
	return d.Condition.Type()
}

// Origin is what instantiated a checkpoint: a Defined policy or a Custom
// ad-hoc reason.
type Origin interface {
	origin()
	String() string
}

// Defined is an Origin pointing at a Definition.
type Defined struct {
	DefinitionID string
}

// Custom is an Origin with no definition.
type Custom struct {
	Reason string
}

func (Defined) origin() {}
func (Custom) origin()  {}

func (d Defined) String() string { return "definition:" + d.DefinitionID }
func (c Custom) String() string  { return "custom:" + c.Reason }

// BoundaryContext is what the engine evaluates definitions against.
type BoundaryContext struct {
	Point         Point
	Iteration     int
	FilesChanged  []string
	ExternalCalls []string
	CostUSD       float64
	Elapsed       time.Duration
	Flags         map[string]bool
}

// TriggerData is the immutable snapshot captured when a checkpoint fires.
type TriggerData struct {
	Type          Type          `json:"type"`
	Point         Point         `json:"point,omitempty"`
	Iteration     int           `json:"iteration,omitempty"`
	FilesChanged  []string      `json:"files_changed,omitempty"`
	ExternalCalls []string      `json:"external_calls,omitempty"`
	CostUSD       float64       `json:"cost_usd,omitempty"`
	Elapsed       time.Duration `json:"elapsed,omitempty"`
	Flag          string        `json:"flag,omitempty"`
}

// Checkpoint is an instantiated trigger for one execution.
type Checkpoint struct {
	ID               string
	ExecutionID      string
	Origin           Origin
	Name             string
	Data             TriggerData
	Reason           string
	Status           Status
	RequiresApproval bool
	Reviewer         *actor.Actor
	ReviewNote       string
	ReviewedAt       *time.Time
	AutoApproveAt    *time.Time
	ExpiresAt        *time.Time
	CreatedAt        time.Time
}

// DefinitionID returns the originating definition id, or "" for a custom
// checkpoint.
func (c *Checkpoint) DefinitionID() string {
	if d, ok := c.Origin.(Defined); ok {
		return d.DefinitionID
	}
	return ""
}

// Execution identifies the execution being evaluated.
type Execution struct {
	ID        string
	ProjectID string
	TaskID    string
	Autonomy  AutonomyMode
}
