package checkpoint

import (
	"time"

	"ralphd/internal/actor"
	"ralphd/internal/jsonutil"
)

// GateType is the lifecycle point an approval gate guards.
type GateType string

const (
	GatePreExecution  GateType = "pre_execution"
	GatePostPlan      GateType = "post_plan"
	GatePreCommit     GateType = "pre_commit"
	GatePostExecution GateType = "post_execution"
	GateCustom        GateType = "custom"
)

// ParseGateType parses a gate type.
func ParseGateType(s string) (GateType, error) {
	switch GateType(s) {
	case GatePreExecution, GatePostPlan, GatePreCommit, GatePostExecution, GateCustom:
		return GateType(s), nil
	}
	return "", jsonutil.ParseEnumError("gate type", s)
}

// GateTypeFor maps a lifecycle point to the gate type guarding it.
func GateTypeFor(p Point) (GateType, bool) {
	switch p {
	case PointPreExecution:
		return GatePreExecution, true
	case PointPostPlan:
		return GatePostPlan, true
	case PointPreCommit:
		return GatePreCommit, true
	case PointPostExecution:
		return GatePostExecution, true
	}
	return "", false
}

// GateStatus is a PendingGate's status.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
	GateBypassed GateStatus = "bypassed"
)

// ParseGateStatus parses a gate status.
func ParseGateStatus(s string) (GateStatus, error) {
	switch GateStatus(s) {
	case GatePending, GateApproved, GateRejected, GateBypassed:
		return GateStatus(s), nil
	}
	return "", jsonutil.ParseEnumError("gate status", s)
}

// GateDecision is one approver's vote.
type GateDecision string

const (
	DecisionApproved  GateDecision = "approved"
	DecisionRejected  GateDecision = "rejected"
	DecisionAbstained GateDecision = "abstained"
)

// ParseGateDecision parses a gate decision.
func ParseGateDecision(s string) (GateDecision, error) {
	switch GateDecision(s) {
	case DecisionApproved, DecisionRejected, DecisionAbstained:
		return GateDecision(s), nil
	}
	return "", jsonutil.ParseEnumError("gate decision", s)
}

// Gate is a multi-party approval policy. An empty Approvers list lets any
// actor vote. Conditions must all be present in the trigger attributes for
// the gate to activate.
type Gate struct {
	ID           string
	ProjectID    string
	TaskID       string
	Name         string
	Type         GateType
	Approvers    []actor.Actor
	MinApprovals int
	Conditions   map[string]string
	Active       bool
	CreatedAt    time.Time
}

func (g *Gate) activates(attrs map[string]string) bool {
	for k, v := range g.Conditions {
		if attrs[k] != v {
			return false
		}
	}
	return true
}

// PendingGate is one gate instance awaiting resolution for an execution.
// Approvers and MinApprovals are snapshotted from the gate when it fires.
type PendingGate struct {
	ID              string
	GateID          string
	ExecutionID     string
	Name            string
	Type            GateType
	Approvers       []actor.Actor
	MinApprovals    int
	Status          GateStatus
	ApprovalCount   int
	RejectionCount  int
	AbstentionCount int
	ResolvedAt      *time.Time
	ResolvedBy      *actor.Actor
	BypassReason    string
	CreatedAt       time.Time
}

// Decided is the number of GateApproval rows recorded against pg.
func (pg *PendingGate) Decided() int {
	return pg.ApprovalCount + pg.RejectionCount + pg.AbstentionCount
}

// Eligible reports whether a may vote on pg.
func (pg *PendingGate) Eligible(a actor.Actor) bool {
	if len(pg.Approvers) == 0 {
		return true
	}
	for _, ap := range pg.Approvers {
		if ap == a {
			return true
		}
	}
	return false
}

// Remaining is how many eligible approvers have not voted, or -1 when the
// approver set is open.
func (pg *PendingGate) Remaining() int {
	if len(pg.Approvers) == 0 {
		return -1
	}
	return max(0, len(pg.Approvers)-pg.Decided())
}

// count applies one decision and resolves pg when the threshold is met or
// can no longer be met.
func (pg *PendingGate) count(d GateDecision, by actor.Actor, at time.Time) {
	switch d {
	case DecisionApproved:
		pg.ApprovalCount++
	case DecisionRejected:
		pg.RejectionCount++
	case DecisionAbstained:
		pg.AbstentionCount++
	}
	switch {
	case pg.ApprovalCount >= pg.MinApprovals:
		pg.Status = GateApproved
	case pg.Remaining() >= 0 && pg.ApprovalCount+pg.Remaining() < pg.MinApprovals:
		pg.Status = GateRejected
	default:
		return
	}
	pg.ResolvedAt = &at
	pg.ResolvedBy = &by
}

// GateApproval is one approver's decision. Rows are append-only.
type GateApproval struct {
	ID            string
	PendingGateID string
	Approver      actor.Actor
	Decision      GateDecision
	Comment       string
	CreatedAt     time.Time
}
