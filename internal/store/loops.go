package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ralphd/internal/backpressure"
	"ralphd/internal/jsonutil"
	"ralphd/internal/ralph"
)

var _ ralph.Store = (*Store)(nil)

const loopColumns = `id, attempt_id, execution_id, current_iteration, max_iterations, session_token, status,
	completion_promise, exit_signal_key, completion_detected_at, final_validation_passed,
	input_tokens, output_tokens, cost_usd, consecutive_failures, last_error, started_at, updated_at, ended_at`

func scanLoop(r rowScanner) (*ralph.LoopState, error) {
	var (
		l                ralph.LoopState
		status           string
		detected, ended  sql.NullInt64
		started, updated int64
	)
	err := r.Scan(&l.ID, &l.AttemptID, &l.ExecutionID, &l.CurrentIteration, &l.MaxIterations, &l.SessionToken, &status,
		&l.CompletionPromise, &l.ExitSignalKey, &detected, &l.FinalValidationPassed,
		&l.Usage.InputTokens, &l.Usage.OutputTokens, &l.Usage.CostUSD, &l.ConsecutiveFailures, &l.LastError,
		&started, &updated, &ended)
	if err != nil {
		return nil, err
	}
	if l.Status, err = ralph.ParseStatus(status); err != nil {
		return nil, err
	}
	l.CompletionDetectedAt = tsPtr(detected)
	l.StartedAt = fromTS(started)
	l.UpdatedAt = fromTS(updated)
	l.EndedAt = tsPtr(ended)
	return &l, nil
}

// CreateLoop implements ralph.Store.
func (s *Store) CreateLoop(ctx context.Context, l *ralph.LoopState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ralph_loops (`+loopColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.AttemptID, l.ExecutionID, l.CurrentIteration, l.MaxIterations, l.SessionToken, string(l.Status),
		l.CompletionPromise, l.ExitSignalKey, nullTS(l.CompletionDetectedAt), boolInt(l.FinalValidationPassed),
		l.Usage.InputTokens, l.Usage.OutputTokens, l.Usage.CostUSD, l.ConsecutiveFailures, l.LastError,
		ts(l.StartedAt), ts(l.UpdatedAt), nullTS(l.EndedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("loop %s: %w", l.ID, ErrConflict)
	}
	return err
}

// UpdateLoop implements ralph.Store.
func (s *Store) UpdateLoop(ctx context.Context, l *ralph.LoopState, expected ralph.Status) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE ralph_loops SET current_iteration = ?, session_token = ?, status = ?,
				completion_detected_at = ?, final_validation_passed = ?, input_tokens = ?, output_tokens = ?,
				cost_usd = ?, consecutive_failures = ?, last_error = ?, updated_at = ?, ended_at = ?
			 WHERE id = ? AND status = ?`,
			l.CurrentIteration, l.SessionToken, string(l.Status),
			nullTS(l.CompletionDetectedAt), boolInt(l.FinalValidationPassed), l.Usage.InputTokens, l.Usage.OutputTokens,
			l.Usage.CostUSD, l.ConsecutiveFailures, l.LastError, ts(l.UpdatedAt), nullTS(l.EndedAt),
			l.ID, string(expected))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ralph_loops WHERE id = ?)`, l.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return notFound(ralph.ErrNotFound, "loop", l.ID)
		}
		return fmt.Errorf("loop %s expected %s: %w", l.ID, expected, ralph.ErrStaleState)
	})
}

// GetLoop implements ralph.Store.
func (s *Store) GetLoop(ctx context.Context, id string) (*ralph.LoopState, error) {
	l, err := scanLoop(s.db.QueryRowContext(ctx, `SELECT `+loopColumns+` FROM ralph_loops WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(ralph.ErrNotFound, "loop", id)
	}
	return l, err
}

// ListLoopsByStatus implements ralph.Store. With no statuses it returns
// every loop.
func (s *Store) ListLoopsByStatus(ctx context.Context, statuses ...ralph.Status) ([]ralph.LoopState, error) {
	query := `SELECT ` + loopColumns + ` FROM ralph_loops`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ralph.LoopState
	for rows.Next() {
		l, err := scanLoop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

const iterationColumns = `id, loop_id, number, status, completion_signal_found, exit_signal_found,
	backpressure, backpressure_passed, input_tokens, output_tokens, cost_usd, duration_ms,
	output_summary, error, files_changed, external_calls, started_at, ended_at`

func scanIteration(r rowScanner) (*ralph.Iteration, error) {
	var (
		it      ralph.Iteration
		status  string
		bp      string
		files   string
		calls   string
		millis  int64
		started int64
		ended   sql.NullInt64
	)
	err := r.Scan(&it.ID, &it.LoopID, &it.Number, &status, &it.CompletionSignalFound, &it.ExitSignalFound,
		&bp, &it.BackpressurePassed, &it.Usage.InputTokens, &it.Usage.OutputTokens, &it.Usage.CostUSD, &millis,
		&it.OutputSummary, &it.Error, &files, &calls, &started, &ended)
	if err != nil {
		return nil, err
	}
	if it.Status, err = ralph.ParseIterationStatus(status); err != nil {
		return nil, err
	}
	if bp != "" {
		it.Backpressure = &backpressure.Result{}
		if err := jsonutil.DecodeColumn(bp, it.Backpressure, "backpressure"); err != nil {
			return nil, err
		}
	}
	if err := jsonutil.DecodeColumn(files, &it.FilesChanged, "files_changed"); err != nil {
		return nil, err
	}
	if err := jsonutil.DecodeColumn(calls, &it.ExternalCalls, "external_calls"); err != nil {
		return nil, err
	}
	it.Duration = time.Duration(millis) * time.Millisecond
	it.StartedAt = fromTS(started)
	it.EndedAt = tsPtr(ended)
	return &it, nil
}

type iterationJSON struct {
	backpressure, files, calls string
}

func encodeIterationColumns(it *ralph.Iteration) (iterationJSON, error) {
	var (
		c   iterationJSON
		err error
	)
	if c.backpressure, err = jsonutil.EncodeColumn(it.Backpressure); err != nil {
		return c, err
	}
	if c.files, err = jsonutil.EncodeColumn(it.FilesChanged); err != nil {
		return c, err
	}
	c.calls, err = jsonutil.EncodeColumn(it.ExternalCalls)
	return c, err
}

// InsertIteration implements ralph.Store. Numbers must continue the
// loop's sequence without gaps.
func (s *Store) InsertIteration(ctx context.Context, it *ralph.Iteration) error {
	cols, err := encodeIterationColumns(it)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var last int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(number), 0) FROM ralph_iterations WHERE loop_id = ?`, it.LoopID).Scan(&last); err != nil {
			return err
		}
		if it.Number != last+1 {
			return fmt.Errorf("loop %s: iteration %d does not follow %d: %w", it.LoopID, it.Number, last, ErrConflict)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ralph_iterations (`+iterationColumns+`) VALUES (`+placeholders(18)+`)`,
			it.ID, it.LoopID, it.Number, string(it.Status), boolInt(it.CompletionSignalFound), boolInt(it.ExitSignalFound),
			cols.backpressure, boolInt(it.BackpressurePassed), it.Usage.InputTokens, it.Usage.OutputTokens, it.Usage.CostUSD,
			it.Duration.Milliseconds(), it.OutputSummary, it.Error, cols.files, cols.calls, ts(it.StartedAt), nullTS(it.EndedAt))
		if isUniqueViolation(err) {
			return fmt.Errorf("loop %s iteration %d: %w", it.LoopID, it.Number, ErrConflict)
		}
		return err
	})
}

// UpdateIteration implements ralph.Store.
func (s *Store) UpdateIteration(ctx context.Context, it *ralph.Iteration) error {
	cols, err := encodeIterationColumns(it)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ralph_iterations SET status = ?, completion_signal_found = ?, exit_signal_found = ?,
			backpressure = ?, backpressure_passed = ?, input_tokens = ?, output_tokens = ?, cost_usd = ?,
			duration_ms = ?, output_summary = ?, error = ?, files_changed = ?, external_calls = ?, ended_at = ?
		 WHERE id = ?`,
		string(it.Status), boolInt(it.CompletionSignalFound), boolInt(it.ExitSignalFound),
		cols.backpressure, boolInt(it.BackpressurePassed), it.Usage.InputTokens, it.Usage.OutputTokens, it.Usage.CostUSD,
		it.Duration.Milliseconds(), it.OutputSummary, it.Error, cols.files, cols.calls, nullTS(it.EndedAt), it.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(ralph.ErrNotFound, "iteration", it.ID)
	}
	return nil
}

// ListIterations implements ralph.Store.
func (s *Store) ListIterations(ctx context.Context, loopID string) ([]ralph.Iteration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+iterationColumns+` FROM ralph_iterations WHERE loop_id = ? ORDER BY number`, loopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ralph.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}
