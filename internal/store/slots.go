package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ralphd/internal/slot"
)

var _ slot.Store = (*Store)(nil)

const slotColumns = `id, project_id, attempt_id, category, weight, acquired_at, released_at`

func scanSlot(r rowScanner) (*slot.Slot, error) {
	var (
		s        slot.Slot
		category string
		acquired int64
		released sql.NullInt64
	)
	if err := r.Scan(&s.ID, &s.ProjectID, &s.AttemptID, &category, &s.Weight, &acquired, &released); err != nil {
		return nil, err
	}
	s.Category = slot.Category(category)
	s.AcquiredAt = fromTS(acquired)
	s.ReleasedAt = tsPtr(released)
	return &s, nil
}

func (s *Store) querySlots(ctx context.Context, q *sql.Tx, query string, args ...any) ([]slot.Slot, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if q != nil {
		rows, err = q.QueryContext(ctx, query, args...)
	} else {
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []slot.Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sl)
	}
	return out, rows.Err()
}

// InsertWithinCapacity implements slot.Store.
func (s *Store) InsertWithinCapacity(ctx context.Context, sl *slot.Slot, capacity int) (int, bool, error) {
	var (
		used     int
		admitted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(weight), 0) FROM execution_slots
			 WHERE project_id = ? AND category = ? AND released_at IS NULL`,
			sl.ProjectID, string(sl.Category),
		).Scan(&used)
		if err != nil {
			return fmt.Errorf("count active slots: %w", err)
		}
		if used+sl.Weight > capacity {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO execution_slots (`+slotColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL)`,
			sl.ID, sl.ProjectID, sl.AttemptID, string(sl.Category), sl.Weight, ts(sl.AcquiredAt),
		)
		if err != nil {
			return fmt.Errorf("insert slot: %w", err)
		}
		admitted = true
		return nil
	})
	return used, admitted, err
}

// ReleaseSlot implements slot.Store.
func (s *Store) ReleaseSlot(ctx context.Context, id string, at time.Time) (*slot.Slot, error) {
	sl, err := scanSlot(s.db.QueryRowContext(ctx,
		`UPDATE execution_slots SET released_at = ? WHERE id = ? AND released_at IS NULL
		 RETURNING `+slotColumns, ts(at), id))
	if err == nil {
		return sl, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if _, err := s.GetSlot(ctx, id); err != nil {
		return nil, err
	}
	return nil, nil
}

// ReleaseAttemptSlots implements slot.Store.
func (s *Store) ReleaseAttemptSlots(ctx context.Context, attemptID string, at time.Time) ([]slot.Slot, error) {
	var released []slot.Slot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		active, err := s.querySlots(ctx, tx,
			`SELECT `+slotColumns+` FROM execution_slots WHERE attempt_id = ? AND released_at IS NULL`, attemptID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE execution_slots SET released_at = ? WHERE attempt_id = ? AND released_at IS NULL`,
			ts(at), attemptID); err != nil {
			return err
		}
		for i := range active {
			t := at
			active[i].ReleasedAt = &t
		}
		released = active
		return nil
	})
	return released, err
}

// GetSlot implements slot.Store.
func (s *Store) GetSlot(ctx context.Context, id string) (*slot.Slot, error) {
	sl, err := scanSlot(s.db.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM execution_slots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(slot.ErrNotFound, "slot", id)
	}
	return sl, err
}

// ActiveSlots implements slot.Store.
func (s *Store) ActiveSlots(ctx context.Context, projectID string) ([]slot.Slot, error) {
	return s.querySlots(ctx, nil,
		`SELECT `+slotColumns+` FROM execution_slots
		 WHERE project_id = ? AND released_at IS NULL ORDER BY acquired_at`, projectID)
}

// AllActiveSlots returns active slots across projects.
func (s *Store) AllActiveSlots(ctx context.Context) ([]slot.Slot, error) {
	return s.querySlots(ctx, nil,
		`SELECT `+slotColumns+` FROM execution_slots WHERE released_at IS NULL ORDER BY project_id, acquired_at`)
}

// ActiveSlotsForAttempt implements slot.Store.
func (s *Store) ActiveSlotsForAttempt(ctx context.Context, attemptID string) ([]slot.Slot, error) {
	return s.querySlots(ctx, nil,
		`SELECT `+slotColumns+` FROM execution_slots
		 WHERE attempt_id = ? AND released_at IS NULL ORDER BY acquired_at`, attemptID)
}

// CapacityOverrides implements slot.Store.
func (s *Store) CapacityOverrides(ctx context.Context, projectID string) (slot.Capacities, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, capacity FROM project_capacities WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := slot.Capacities{}
	for rows.Next() {
		var (
			category string
			n        int
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		out[slot.Category(category)] = n
	}
	return out, rows.Err()
}

// SetCapacityOverrides implements slot.Store.
func (s *Store) SetCapacityOverrides(ctx context.Context, projectID string, c slot.Capacities) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for cat, n := range c {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO project_capacities (project_id, category, capacity) VALUES (?, ?, ?)
				 ON CONFLICT (project_id, category) DO UPDATE SET capacity = excluded.capacity`,
				projectID, string(cat), n)
			if err != nil {
				return fmt.Errorf("set capacity %s/%s: %w", projectID, cat, err)
			}
		}
		return nil
	})
}
