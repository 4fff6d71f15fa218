package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ralphd/internal/actor"
	"ralphd/internal/control"
	"ralphd/internal/jsonutil"
)

var _ control.Store = (*Store)(nil)

const executionColumns = `id, project_id, attempt_id, task_id, status, slot_id, priority,
	control_state, pause_reason, loop_id, iteration, owner, lease_expires_at, launch, created_at, updated_at`

func scanExecution(r rowScanner) (*control.Execution, error) {
	var (
		e                control.Execution
		status, state    string
		launch           string
		lease            int64
		created, updated int64
	)
	err := r.Scan(&e.ID, &e.ProjectID, &e.AttemptID, &e.TaskID, &status, &e.SlotID, &e.Priority,
		&state, &e.PauseReason, &e.LoopID, &e.Iteration, &e.Owner, &lease, &launch, &created, &updated)
	if err != nil {
		return nil, err
	}
	if launch != "" {
		e.Launch = []byte(launch)
	}
	if lease != 0 {
		e.LeaseExpiresAt = fromTS(lease)
	}
	e.Status = control.Status(status)
	e.State = control.State(state)
	e.CreatedAt = fromTS(created)
	e.UpdatedAt = fromTS(updated)
	return &e, nil
}

// CreateExecution implements control.Store.
func (s *Store) CreateExecution(ctx context.Context, e *control.Execution) error {
	if e.State == "" {
		e.State = control.Running
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (`+placeholders(16)+`)`,
		e.ID, e.ProjectID, e.AttemptID, e.TaskID, string(e.Status), e.SlotID, e.Priority,
		string(e.State), e.PauseReason, e.LoopID, e.Iteration, e.Owner, leaseTS(e.LeaseExpiresAt), string(e.Launch),
		ts(e.CreatedAt), ts(e.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("execution %s: %w", e.ID, ErrConflict)
	}
	return err
}

// GetExecution implements control.Store.
func (s *Store) GetExecution(ctx context.Context, id string) (*control.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(control.ErrNotFound, "execution", id)
	}
	return e, err
}

// ListExecutions returns executions with any of the given statuses, or all
// of them when none are given, newest first.
func (s *Store) ListExecutions(ctx context.Context, statuses ...control.Status) ([]control.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []control.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// UpdateExecutionProgress records the loop driving an execution and its
// iteration counter.
func (s *Store) UpdateExecutionProgress(ctx context.Context, id, loopID string, iteration int, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET loop_id = ?, iteration = ?, updated_at = ? WHERE id = ?`,
		loopID, iteration, ts(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(control.ErrNotFound, "execution", id)
	}
	return nil
}

// RenewLease extends owner's claim on a running execution until the given
// time. It reports false when the execution is no longer running or another
// process took it over. A zero until drops the claim.
func (s *Store) RenewLease(ctx context.Context, id, owner string, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET lease_expires_at = ? WHERE id = ? AND owner = ? AND status = ?`,
		leaseTS(until), id, owner, string(control.StatusRunning))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimExecution makes owner the holder of a running execution whose lease
// expired at now, or which owner already holds. It returns nil when the
// execution cannot be claimed.
func (s *Store) ClaimExecution(ctx context.Context, id, owner string, now, until time.Time) (*control.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`UPDATE executions SET owner = ?, lease_expires_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND (lease_expires_at <= ? OR owner = ?)
		 RETURNING `+executionColumns,
		owner, leaseTS(until), ts(now), id, string(control.StatusRunning), ts(now), owner))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.GetExecution(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, nil
	}
	return e, err
}

// SetExecutionSlot records the slot an execution holds.
func (s *Store) SetExecutionSlot(ctx context.Context, id, slotID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET slot_id = ?, updated_at = ? WHERE id = ?`, slotID, ts(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(control.ErrNotFound, "execution", id)
	}
	return nil
}

// FinishExecution sets a terminal execution status.
func (s *Store) FinishExecution(ctx context.Context, id string, status control.Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, updated_at = ? WHERE id = ?`, string(status), ts(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(control.ErrNotFound, "execution", id)
	}
	return nil
}

// ApplyTransition implements control.Store.
func (s *Store) ApplyTransition(ctx context.Context, t control.Transition) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE executions SET control_state = ?, pause_reason = ?, updated_at = ?
			 WHERE id = ? AND control_state = ?`,
			string(t.To), t.PauseReason, ts(t.At), t.ExecutionID, string(t.From))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM executions WHERE id = ?)`, t.ExecutionID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return notFound(control.ErrNotFound, "execution", t.ExecutionID)
			}
			return nil
		}
		if p := t.Pause; p != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pause_history (id, execution_id, action, reason, initiated_by, at) VALUES (?, ?, ?, ?, ?, ?)`,
				p.ID, p.ExecutionID, string(p.Action), p.Reason, p.InitiatedBy.String(), ts(p.At)); err != nil {
				return fmt.Errorf("insert pause record: %w", err)
			}
		}
		if h := t.Handoff; h != nil {
			snapshot, err := jsonutil.EncodeColumn(h.ContextSnapshot)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO handoffs (id, execution_id, from_actor, to_actor, handoff_type, reason, context_snapshot, at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				h.ID, h.ExecutionID, h.From.String(), h.To.String(), string(h.Type), h.Reason, snapshot, ts(h.At)); err != nil {
				return fmt.Errorf("insert handoff: %w", err)
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

// PauseHistory implements control.Store.
func (s *Store) PauseHistory(ctx context.Context, executionID string) ([]control.PauseRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, action, reason, initiated_by, at FROM pause_history
		 WHERE execution_id = ? ORDER BY at, rowid`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []control.PauseRecord
	for rows.Next() {
		var (
			p          control.PauseRecord
			action, by string
			at         int64
		)
		if err := rows.Scan(&p.ID, &p.ExecutionID, &action, &p.Reason, &by, &at); err != nil {
			return nil, err
		}
		p.Action = control.PauseAction(action)
		if p.InitiatedBy, err = actor.Parse(by); err != nil {
			return nil, err
		}
		p.At = fromTS(at)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Handoffs implements control.Store.
func (s *Store) Handoffs(ctx context.Context, executionID string) ([]control.Handoff, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, from_actor, to_actor, handoff_type, reason, context_snapshot, at FROM handoffs
		 WHERE execution_id = ? ORDER BY at, rowid`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []control.Handoff
	for rows.Next() {
		var (
			h                   control.Handoff
			from, to, typ, snap string
			at                  int64
		)
		if err := rows.Scan(&h.ID, &h.ExecutionID, &from, &to, &typ, &h.Reason, &snap, &at); err != nil {
			return nil, err
		}
		if h.From, err = actor.Parse(from); err != nil {
			return nil, err
		}
		if h.To, err = actor.Parse(to); err != nil {
			return nil, err
		}
		h.Type = control.HandoffType(typ)
		if err := jsonutil.DecodeColumn(snap, &h.ContextSnapshot, "context_snapshot"); err != nil {
			return nil, err
		}
		h.At = fromTS(at)
		out = append(out, h)
	}
	return out, rows.Err()
}
