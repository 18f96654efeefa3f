package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StartRun records a new running compile run over the given number of
// inputs.
func (s *SQLiteStore) StartRun(ctx context.Context, inputs int) (*Run, error) {
	r := &Run{
		ID:        uuid.NewString(),
		Status:    RunRunning,
		Inputs:    inputs,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO compile_runs (id, status, inputs, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Status, r.Inputs, r.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting compile run: %w", err)
	}
	return r, nil
}

// FinishRun stores r's counters and marks it finished. The status is
// RunFailed when r.Failed > 0 or r.Error is set, RunSucceeded otherwise.
func (s *SQLiteStore) FinishRun(ctx context.Context, r *Run) error {
	now := time.Now().UTC()
	status := RunSucceeded
	if r.Failed > 0 || r.Error != "" {
		status = RunFailed
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE compile_runs SET status = ?, compiled = ?, failed = ?, error = ?, finished_at = ?
		 WHERE id = ? AND status = ?`,
		status, r.Compiled, r.Failed, r.Error, now, r.ID, RunRunning,
	)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", r.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s not found or already finished", r.ID)
	}
	r.Status = status
	r.FinishedAt = &now
	return nil
}

const runColumns = `id, status, inputs, compiled, failed, error, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	r := &Run{}
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.Status, &r.Inputs, &r.Compiled, &r.Failed, &r.Error, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return r, nil
}

// GetRun retrieves a compile run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM compile_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns compile runs, most recently started first.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM compile_runs ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		limitOf(opts), opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
