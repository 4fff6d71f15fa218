package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ralphd/internal/actor"
	"ralphd/internal/checkpoint"
	"ralphd/internal/jsonutil"
)

const gateColumns = `id, project_id, task_id, name, type, approvers, min_approvals, conditions, active, created_at`

func scanGate(r rowScanner) (*checkpoint.Gate, error) {
	var (
		g                     checkpoint.Gate
		typ, approvers, conds string
		created               int64
	)
	err := r.Scan(&g.ID, &g.ProjectID, &g.TaskID, &g.Name, &typ, &approvers, &g.MinApprovals, &conds, &g.Active, &created)
	if err != nil {
		return nil, err
	}
	g.Type = checkpoint.GateType(typ)
	if err := jsonutil.DecodeColumn(approvers, &g.Approvers, "approvers"); err != nil {
		return nil, err
	}
	if err := jsonutil.DecodeColumn(conds, &g.Conditions, "conditions"); err != nil {
		return nil, err
	}
	g.CreatedAt = fromTS(created)
	return &g, nil
}

// CreateGate implements checkpoint.Store.
func (s *Store) CreateGate(ctx context.Context, g *checkpoint.Gate) error {
	approvers, err := encodeActors(g.Approvers)
	if err != nil {
		return err
	}
	conds, err := jsonutil.EncodeColumn(g.Conditions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_gates (`+gateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.ProjectID, g.TaskID, g.Name, string(g.Type), approvers, g.MinApprovals, conds, boolInt(g.Active), ts(g.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("gate %s: %w", g.ID, ErrConflict)
	}
	return err
}

// GetGate implements checkpoint.Store.
func (s *Store) GetGate(ctx context.Context, id string) (*checkpoint.Gate, error) {
	g, err := scanGate(s.db.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM approval_gates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(checkpoint.ErrNotFound, "gate", id)
	}
	return g, err
}

// ListGates implements checkpoint.Store.
func (s *Store) ListGates(ctx context.Context, projectID, taskID string, t checkpoint.GateType) ([]checkpoint.Gate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+gateColumns+` FROM approval_gates
		 WHERE active = 1 AND type = ? AND (project_id = ? OR project_id = '') AND (task_id = ? OR task_id = '')
		 ORDER BY created_at, rowid`,
		string(t), projectID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []checkpoint.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

const pendingGateColumns = `id, gate_id, execution_id, name, type, approvers, min_approvals, status,
	approval_count, rejection_count, abstention_count, resolved_at, resolved_by, bypass_reason, created_at`

func scanPendingGate(r rowScanner) (*checkpoint.PendingGate, error) {
	var (
		pg                         checkpoint.PendingGate
		typ, approvers, status, by string
		resolved                   sql.NullInt64
		created                    int64
	)
	err := r.Scan(&pg.ID, &pg.GateID, &pg.ExecutionID, &pg.Name, &typ, &approvers, &pg.MinApprovals, &status,
		&pg.ApprovalCount, &pg.RejectionCount, &pg.AbstentionCount, &resolved, &by, &pg.BypassReason, &created)
	if err != nil {
		return nil, err
	}
	pg.Type = checkpoint.GateType(typ)
	if pg.Status, err = checkpoint.ParseGateStatus(status); err != nil {
		return nil, err
	}
	if err := jsonutil.DecodeColumn(approvers, &pg.Approvers, "approvers"); err != nil {
		return nil, err
	}
	if by != "" {
		a, err := actor.Parse(by)
		if err != nil {
			return nil, err
		}
		pg.ResolvedBy = &a
	}
	pg.ResolvedAt = tsPtr(resolved)
	pg.CreatedAt = fromTS(created)
	return &pg, nil
}

// InsertPendingGate implements checkpoint.Store.
func (s *Store) InsertPendingGate(ctx context.Context, pg *checkpoint.PendingGate) error {
	approvers, err := encodeActors(pg.Approvers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_gates (`+pendingGateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pg.ID, pg.GateID, pg.ExecutionID, pg.Name, string(pg.Type), approvers, pg.MinApprovals, string(pg.Status),
		pg.ApprovalCount, pg.RejectionCount, pg.AbstentionCount, nullTS(pg.ResolvedAt), actorString(pg.ResolvedBy),
		pg.BypassReason, ts(pg.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("pending gate %s: %w", pg.ID, ErrConflict)
	}
	return err
}

// GetPendingGate implements checkpoint.Store.
func (s *Store) GetPendingGate(ctx context.Context, id string) (*checkpoint.PendingGate, error) {
	pg, err := scanPendingGate(s.db.QueryRowContext(ctx,
		`SELECT `+pendingGateColumns+` FROM pending_gates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(checkpoint.ErrNotFound, "pending gate", id)
	}
	return pg, err
}

// ListPendingGates implements checkpoint.Store. An empty executionID lists
// unresolved gates across executions.
func (s *Store) ListPendingGates(ctx context.Context, executionID string) ([]checkpoint.PendingGate, error) {
	query := `SELECT ` + pendingGateColumns + ` FROM pending_gates WHERE execution_id = ? ORDER BY created_at, rowid`
	args := []any{executionID}
	if executionID == "" {
		query = `SELECT ` + pendingGateColumns + ` FROM pending_gates WHERE status = 'pending' ORDER BY created_at, rowid`
		args = nil
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []checkpoint.PendingGate
	for rows.Next() {
		pg, err := scanPendingGate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pg)
	}
	return out, rows.Err()
}

// RecordGateApproval implements checkpoint.Store.
func (s *Store) RecordGateApproval(ctx context.Context, a *checkpoint.GateApproval, apply func(pg *checkpoint.PendingGate) error) (*checkpoint.PendingGate, error) {
	var out *checkpoint.PendingGate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pg, err := scanPendingGate(tx.QueryRowContext(ctx,
			`SELECT `+pendingGateColumns+` FROM pending_gates WHERE id = ?`, a.PendingGateID))
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(checkpoint.ErrNotFound, "pending gate", a.PendingGateID)
		}
		if err != nil {
			return err
		}

		var voted bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM gate_approvals WHERE pending_gate_id = ? AND approver = ?)`,
			a.PendingGateID, a.Approver.String()).Scan(&voted); err != nil {
			return err
		}
		if voted {
			return fmt.Errorf("gate %s, %s: %w", pg.Name, a.Approver, checkpoint.ErrDuplicateDecision)
		}

		if err := apply(pg); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO gate_approvals (id, pending_gate_id, approver, decision, comment, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.PendingGateID, a.Approver.String(), string(a.Decision), a.Comment, ts(a.CreatedAt))
		if isUniqueViolation(err) {
			return fmt.Errorf("gate %s, %s: %w", pg.Name, a.Approver, checkpoint.ErrDuplicateDecision)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE pending_gates SET status = ?, approval_count = ?, rejection_count = ?, abstention_count = ?,
				resolved_at = ?, resolved_by = ?
			 WHERE id = ?`,
			string(pg.Status), pg.ApprovalCount, pg.RejectionCount, pg.AbstentionCount,
			nullTS(pg.ResolvedAt), actorString(pg.ResolvedBy), pg.ID)
		if err != nil {
			return err
		}
		out = pg
		return nil
	})
	return out, err
}

// BypassGate implements checkpoint.Store.
func (s *Store) BypassGate(ctx context.Context, id string, by actor.Actor, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_gates SET status = ?, resolved_at = ?, resolved_by = ?, bypass_reason = ?
		 WHERE id = ? AND status = 'pending'`,
		string(checkpoint.GateBypassed), ts(at), by.String(), reason, id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.GetPendingGate(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// GateApprovals implements checkpoint.Store.
func (s *Store) GateApprovals(ctx context.Context, pendingGateID string) ([]checkpoint.GateApproval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pending_gate_id, approver, decision, comment, created_at FROM gate_approvals
		 WHERE pending_gate_id = ? ORDER BY created_at, rowid`, pendingGateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []checkpoint.GateApproval
	for rows.Next() {
		var (
			a                  checkpoint.GateApproval
			approver, decision string
			created            int64
		)
		if err := rows.Scan(&a.ID, &a.PendingGateID, &approver, &decision, &a.Comment, &created); err != nil {
			return nil, err
		}
		if a.Approver, err = actor.Parse(approver); err != nil {
			return nil, err
		}
		a.Decision = checkpoint.GateDecision(decision)
		a.CreatedAt = fromTS(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func encodeActors(as []actor.Actor) (string, error) {
	if len(as) == 0 {
		return "", nil
	}
	return jsonutil.EncodeColumn(as)
}

func actorString(a *actor.Actor) string {
	if a == nil {
		return ""
	}
	return a.String()
}
