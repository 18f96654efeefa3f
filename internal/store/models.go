package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AddModel inserts a model, computing content_hash when unset. A model with
// the same hash is not inserted twice: its existing ID is returned and m is
// filled from the stored row.
func (s *SQLiteStore) AddModel(ctx context.Context, m *Model) (int64, error) {
	if len(m.Metadata) == 0 {
		return 0, fmt.Errorf("model metadata cannot be empty")
	}
	if m.ContentHash == "" {
		m.ContentHash = HashModel(m.Metadata, m.SourceFile, m.State)
	}

	existing, err := s.FindModelByHash(ctx, m.ContentHash)
	if err == nil {
		*m = *existing
		return existing.ID, nil
	}
	if err != ErrNotFound {
		return 0, err
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO models (content_hash, source_file, state, column_count, view_count, row_count, metadata, imported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(content_hash) DO NOTHING`,
		m.ContentHash, m.SourceFile, m.State, m.Columns, m.Views, m.Rows, m.Metadata, now,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting model: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		// A concurrent writer stored the same model first.
		existing, err := s.FindModelByHash(ctx, m.ContentHash)
		if err != nil {
			return 0, err
		}
		*m = *existing
		return existing.ID, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting last insert id: %w", err)
	}
	m.ID = id
	m.ImportedAt = now
	return id, nil
}

const modelColumns = `id, content_hash, source_file, state, column_count, view_count, row_count, metadata, imported_at`

func scanModel(row interface{ Scan(...any) error }) (*Model, error) {
	m := &Model{}
	var source sql.NullString
	if err := row.Scan(&m.ID, &m.ContentHash, &source, &m.State, &m.Columns, &m.Views, &m.Rows, &m.Metadata, &m.ImportedAt); err != nil {
		return nil, err
	}
	m.SourceFile = source.String
	return m, nil
}

// GetModel retrieves a model by ID.
func (s *SQLiteStore) GetModel(ctx context.Context, id int64) (*Model, error) {
	m, err := scanModel(s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("model %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting model %d: %w", id, err)
	}
	return m, nil
}

// FindModelByHash returns the model with the given content hash, or
// ErrNotFound.
func (s *SQLiteStore) FindModelByHash(ctx context.Context, hash string) (*Model, error) {
	m, err := scanModel(s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE content_hash = ?`, hash))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding model by hash: %w", err)
	}
	return m, nil
}

// ListModels returns models, newest first.
func (s *SQLiteStore) ListModels(ctx context.Context, opts ListOpts) ([]*Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models`
	args := []any{}
	if opts.SourceFile != "" {
		query += " WHERE source_file = ?"
		args = append(args, opts.SourceFile)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limitOf(opts), opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning model row: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}
