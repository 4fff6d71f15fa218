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

var _ checkpoint.Store = (*Store)(nil)

const definitionColumns = `id, project_id, name, type, condition, requires_approval,
	auto_approve_after, expires_after, priority, active, created_at`

func scanDefinition(r rowScanner) (*checkpoint.Definition, error) {
	var (
		d                 checkpoint.Definition
		typ, cond         string
		autoAfter, expire sql.NullInt64
		created           int64
	)
	err := r.Scan(&d.ID, &d.ProjectID, &d.Name, &typ, &cond, &d.RequiresApproval,
		&autoAfter, &expire, &d.Priority, &d.Active, &created)
	if err != nil {
		return nil, err
	}
	if d.Condition, err = checkpoint.UnmarshalCondition([]byte(cond)); err != nil {
		return nil, fmt.Errorf("definition %s: %w", d.ID, err)
	}
	d.AutoApproveAfter = durationPtr(autoAfter)
	d.ExpiresAfter = durationPtr(expire)
	d.CreatedAt = fromTS(created)
	return &d, nil
}

// CreateDefinition implements checkpoint.Store.
func (s *Store) CreateDefinition(ctx context.Context, d *checkpoint.Definition) error {
	cond, err := checkpoint.MarshalCondition(d.Condition)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoint_definitions (`+definitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, d.Name, string(d.Condition.Type()), string(cond), boolInt(d.RequiresApproval),
		nullDuration(d.AutoApproveAfter), nullDuration(d.ExpiresAfter), d.Priority, boolInt(d.Active), ts(d.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("definition %s: %w", d.ID, ErrConflict)
	}
	return err
}

// ListDefinitions implements checkpoint.Store.
func (s *Store) ListDefinitions(ctx context.Context, projectID string) ([]checkpoint.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM checkpoint_definitions
		 WHERE active = 1 AND (project_id = ? OR project_id = '')
		 ORDER BY priority DESC, created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []checkpoint.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// AllDefinitions returns every definition, active or not.
func (s *Store) AllDefinitions(ctx context.Context) ([]checkpoint.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM checkpoint_definitions ORDER BY project_id, priority DESC, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []checkpoint.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// SetDefinitionActive implements checkpoint.Store.
func (s *Store) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE checkpoint_definitions SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(checkpoint.ErrNotFound, "checkpoint definition", id)
	}
	return nil
}

const checkpointColumns = `id, execution_id, origin_kind, definition_id, custom_reason, name, trigger_data,
	reason, status, requires_approval, reviewer, review_note, reviewed_at, auto_approve_at, expires_at, created_at`

const (
	originDefinition = "definition"
	originCustom     = "custom"
)

func scanCheckpoint(r rowScanner) (*checkpoint.Checkpoint, error) {
	var (
		c                                   checkpoint.Checkpoint
		originKind, defID, customReason     string
		data, status, reviewer              string
		reviewedAt, autoApproveAt, expireAt sql.NullInt64
		created                             int64
	)
	err := r.Scan(&c.ID, &c.ExecutionID, &originKind, &defID, &customReason, &c.Name, &data,
		&c.Reason, &status, &c.RequiresApproval, &reviewer, &c.ReviewNote, &reviewedAt, &autoApproveAt, &expireAt, &created)
	if err != nil {
		return nil, err
	}
	switch originKind {
	case originDefinition:
		c.Origin = checkpoint.Defined{DefinitionID: defID}
	case originCustom:
		c.Origin = checkpoint.Custom{Reason: customReason}
	default:
		return nil, fmt.Errorf("checkpoint %s: unknown origin %q", c.ID, originKind)
	}
	if err := jsonutil.DecodeColumn(data, &c.Data, "trigger_data"); err != nil {
		return nil, err
	}
	if c.Status, err = checkpoint.ParseStatus(status); err != nil {
		return nil, err
	}
	if reviewer != "" {
		a, err := actor.Parse(reviewer)
		if err != nil {
			return nil, err
		}
		c.Reviewer = &a
	}
	c.ReviewedAt = tsPtr(reviewedAt)
	c.AutoApproveAt = tsPtr(autoApproveAt)
	c.ExpiresAt = tsPtr(expireAt)
	c.CreatedAt = fromTS(created)
	return &c, nil
}

// InsertCheckpoint implements checkpoint.Store.
func (s *Store) InsertCheckpoint(ctx context.Context, c *checkpoint.Checkpoint) error {
	var kind, defID, customReason string
	switch o := c.Origin.(type) {
	case checkpoint.Defined:
		kind, defID = originDefinition, o.DefinitionID
	case checkpoint.Custom:
		kind, customReason = originCustom, o.Reason
	default:
		return fmt.Errorf("checkpoint %s: unsupported origin %T", c.ID, c.Origin)
	}
	data, err := jsonutil.EncodeColumn(c.Data)
	if err != nil {
		return err
	}
	reviewer := ""
	if c.Reviewer != nil {
		reviewer = c.Reviewer.String()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_checkpoints (`+checkpointColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ExecutionID, kind, defID, customReason, c.Name, data,
		c.Reason, string(c.Status), boolInt(c.RequiresApproval), reviewer, c.ReviewNote,
		nullTS(c.ReviewedAt), nullTS(c.AutoApproveAt), nullTS(c.ExpiresAt), ts(c.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("checkpoint %s: %w", c.ID, ErrConflict)
	}
	return err
}

// GetCheckpoint implements checkpoint.Store.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	c, err := scanCheckpoint(s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM execution_checkpoints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(checkpoint.ErrNotFound, "checkpoint", id)
	}
	return c, err
}

func (s *Store) queryCheckpoints(ctx context.Context, query string, args ...any) ([]checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []checkpoint.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListCheckpoints implements checkpoint.Store.
func (s *Store) ListCheckpoints(ctx context.Context, executionID string) ([]checkpoint.Checkpoint, error) {
	return s.queryCheckpoints(ctx,
		`SELECT `+checkpointColumns+` FROM execution_checkpoints WHERE execution_id = ? ORDER BY created_at, rowid`,
		executionID)
}

// PendingCheckpoints returns every pending checkpoint, oldest first.
func (s *Store) PendingCheckpoints(ctx context.Context) ([]checkpoint.Checkpoint, error) {
	return s.queryCheckpoints(ctx,
		`SELECT `+checkpointColumns+` FROM execution_checkpoints WHERE status = 'pending' ORDER BY created_at, rowid`)
}

// HasCheckpointForDefinition implements checkpoint.Store.
func (s *Store) HasCheckpointForDefinition(ctx context.Context, executionID, definitionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM execution_checkpoints
		 WHERE execution_id = ? AND origin_kind = ? AND definition_id = ?)`,
		executionID, originDefinition, definitionID).Scan(&exists)
	return exists, err
}

// ResolveCheckpoint implements checkpoint.Store.
func (s *Store) ResolveCheckpoint(ctx context.Context, id string, status checkpoint.Status, reviewer actor.Actor, note string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_checkpoints SET status = ?, reviewer = ?, review_note = ?, reviewed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(status), reviewer.String(), note, ts(at), id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.GetCheckpoint(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ListDueCheckpoints implements checkpoint.Store.
func (s *Store) ListDueCheckpoints(ctx context.Context, now time.Time) ([]checkpoint.Checkpoint, error) {
	n := ts(now)
	return s.queryCheckpoints(ctx,
		`SELECT `+checkpointColumns+` FROM execution_checkpoints
		 WHERE status = 'pending'
		   AND ((auto_approve_at IS NOT NULL AND auto_approve_at <= ?) OR (expires_at IS NOT NULL AND expires_at <= ?))
		 ORDER BY created_at, rowid`, n, n)
}
