package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ralphd/internal/actor"
	"ralphd/internal/events"
)

// CreateGate validates and stores a gate.
func (e *Engine) CreateGate(ctx context.Context, g *Gate) error {
	if g.Name == "" {
		return errors.New("approval gate: name is required")
	}
	if _, err := ParseGateType(string(g.Type)); err != nil {
		return err
	}
	if g.MinApprovals < 1 {
		return fmt.Errorf("approval gate %q: min approvals must be at least 1", g.Name)
	}
	if len(g.Approvers) > 0 && g.MinApprovals > len(g.Approvers) {
		return fmt.Errorf("approval gate %q: min approvals %d exceeds %d approvers", g.Name, g.MinApprovals, len(g.Approvers))
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = e.now()
	}
	return e.store.CreateGate(ctx, g)
}

// TriggerGates instantiates a PendingGate for every active gate of type t
// whose conditions match attrs, and suspends the execution if any fired.
// A gate that already triggered for the execution is skipped.
func (e *Engine) TriggerGates(ctx context.Context, ex Execution, t GateType, attrs map[string]string) ([]*PendingGate, error) {
	gates, err := e.store.ListGates(ctx, ex.ProjectID, ex.TaskID, t)
	if err != nil {
		return nil, fmt.Errorf("listing %s gates: %w", t, err)
	}
	existing, err := e.store.ListPendingGates(ctx, ex.ID)
	if err != nil {
		return nil, fmt.Errorf("listing gates of %s: %w", ex.ID, err)
	}
	triggered := make(map[string]bool, len(existing))
	for _, pg := range existing {
		triggered[pg.GateID] = true
	}
	var fired []*PendingGate
	for i := range gates {
		g := &gates[i]
		if triggered[g.ID] || !g.activates(attrs) {
			continue
		}
		pg := &PendingGate{
			ID:           uuid.NewString(),
			GateID:       g.ID,
			ExecutionID:  ex.ID,
			Name:         g.Name,
			Type:         g.Type,
			Approvers:    append([]actor.Actor(nil), g.Approvers...),
			MinApprovals: g.MinApprovals,
			Status:       GatePending,
			CreatedAt:    e.now(),
		}
		if err := e.store.InsertPendingGate(ctx, pg); err != nil {
			return fired, fmt.Errorf("recording gate %s: %w", g.Name, err)
		}
		e.logger.Info("approval gate triggered", "gate", g.Name, "pending_gate", pg.ID, "execution", ex.ID)
		e.emitter.Emit(events.Event{
			Kind:        events.GateTriggered,
			ExecutionID: ex.ID,
			Timestamp:   pg.CreatedAt,
			Attrs: map[string]string{
				"pending_gate_id": pg.ID,
				"gate":            g.Name,
				"type":            string(g.Type),
				"min_approvals":   fmt.Sprint(g.MinApprovals),
			},
		})
		fired = append(fired, pg)
	}
	if len(fired) > 0 {
		if err := e.block(ctx, ex.ID, "approval gate "+fired[0].Name); err != nil {
			return fired, err
		}
	}
	return fired, nil
}

// SubmitApproval records one approver's decision. The gate resolves to
// approved as soon as approvals reach the minimum, and to rejected as soon
// as the remaining approvers can no longer reach it.
func (e *Engine) SubmitApproval(ctx context.Context, pendingGateID string, approver actor.Actor, d GateDecision, comment string) (*PendingGate, error) {
	if _, err := ParseGateDecision(string(d)); err != nil {
		return nil, err
	}
	now := e.now()
	a := &GateApproval{
		ID:            uuid.NewString(),
		PendingGateID: pendingGateID,
		Approver:      approver,
		Decision:      d,
		Comment:       comment,
		CreatedAt:     now,
	}
	pg, err := e.store.RecordGateApproval(ctx, a, func(pg *PendingGate) error {
		if pg.Status != GatePending {
			return fmt.Errorf("gate %s: %w", pg.Name, ErrAlreadyResolved)
		}
		if !pg.Eligible(approver) {
			return fmt.Errorf("gate %s, %s: %w", pg.Name, approver, ErrNotApprover)
		}
		pg.count(d, approver, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emitter.Emit(events.Event{
		Kind:        events.GateDecision,
		ExecutionID: pg.ExecutionID,
		Timestamp:   now,
		Attrs: map[string]string{
			"pending_gate_id": pg.ID,
			"gate":            pg.Name,
			"approver":        approver.String(),
			"decision":        string(d),
		},
	})
	if pg.Status != GatePending {
		e.gateResolved(ctx, pg)
	}
	return pg, nil
}

// Bypass resolves a pending gate without the required approvals.
func (e *Engine) Bypass(ctx context.Context, pendingGateID string, by actor.Actor, reason string) (*PendingGate, error) {
	ok, err := e.store.BypassGate(ctx, pendingGateID, by, reason, e.now())
	if err != nil {
		return nil, fmt.Errorf("bypassing gate %s: %w", pendingGateID, err)
	}
	if !ok {
		return nil, fmt.Errorf("gate %s: %w", pendingGateID, ErrAlreadyResolved)
	}
	pg, err := e.store.GetPendingGate(ctx, pendingGateID)
	if err != nil {
		return nil, err
	}
	e.gateResolved(ctx, pg)
	return pg, nil
}

// Approvals returns the decisions recorded against a pending gate.
func (e *Engine) Approvals(ctx context.Context, pendingGateID string) ([]GateApproval, error) {
	return e.store.GateApprovals(ctx, pendingGateID)
}

// PendingGates returns every gate instance recorded for an execution.
func (e *Engine) PendingGates(ctx context.Context, executionID string) ([]PendingGate, error) {
	return e.store.ListPendingGates(ctx, executionID)
}

func (e *Engine) gateResolved(ctx context.Context, pg *PendingGate) {
	e.logger.Info("approval gate resolved", "gate", pg.Name, "pending_gate", pg.ID,
		"status", pg.Status, "approvals", pg.ApprovalCount, "rejections", pg.RejectionCount)
	e.emitter.Emit(events.Event{
		Kind:        events.GateResolved,
		ExecutionID: pg.ExecutionID,
		Attrs: map[string]string{
			"pending_gate_id": pg.ID,
			"gate":            pg.Name,
			"status":          string(pg.Status),
		},
	})
	e.afterResolution(ctx, pg.ExecutionID)
}
