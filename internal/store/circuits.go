package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AddCircuit stores a compiled circuit. A model has at most one circuit per
// indicator setting; adding another replaces the artifact in place and keeps
// the row ID.
func (s *SQLiteStore) AddCircuit(ctx context.Context, c *Circuit) (int64, error) {
	if len(c.Artifact) == 0 {
		return 0, fmt.Errorf("circuit artifact cannot be empty")
	}
	if c.ContentHash == "" {
		c.ContentHash = HashArtifact(c.Artifact)
	}

	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO circuits (model_id, run_id, indicators, content_hash, sums, products, leaves, depth, artifact, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model_id, indicators) DO UPDATE SET
			run_id = excluded.run_id,
			content_hash = excluded.content_hash,
			sums = excluded.sums,
			products = excluded.products,
			leaves = excluded.leaves,
			depth = excluded.depth,
			artifact = excluded.artifact,
			created_at = excluded.created_at
		 RETURNING id`,
		c.ModelID, c.RunID, c.Indicators, c.ContentHash, c.Sums, c.Products, c.Leaves, c.Depth, c.Artifact, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting circuit for model %d: %w", c.ModelID, err)
	}
	c.ID = id
	c.CreatedAt = now
	return id, nil
}

const circuitColumns = `id, model_id, run_id, indicators, content_hash, sums, products, leaves, depth, artifact, created_at`

func scanCircuit(row interface{ Scan(...any) error }) (*Circuit, error) {
	c := &Circuit{}
	if err := row.Scan(&c.ID, &c.ModelID, &c.RunID, &c.Indicators, &c.ContentHash,
		&c.Sums, &c.Products, &c.Leaves, &c.Depth, &c.Artifact, &c.CreatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

// GetCircuit retrieves a circuit by ID.
func (s *SQLiteStore) GetCircuit(ctx context.Context, id int64) (*Circuit, error) {
	c, err := scanCircuit(s.db.QueryRowContext(ctx,
		`SELECT `+circuitColumns+` FROM circuits WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("circuit %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting circuit %d: %w", id, err)
	}
	return c, nil
}

// CircuitForModel returns the circuit compiled from a model with the given
// indicator setting.
func (s *SQLiteStore) CircuitForModel(ctx context.Context, modelID int64, indicators bool) (*Circuit, error) {
	c, err := scanCircuit(s.db.QueryRowContext(ctx,
		`SELECT `+circuitColumns+` FROM circuits WHERE model_id = ? AND indicators = ?`, modelID, indicators))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("circuit for model %d: %w", modelID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting circuit for model %d: %w", modelID, err)
	}
	return c, nil
}

// ListCircuits returns circuits, newest first. Artifacts are not loaded;
// use GetCircuit for those.
func (s *SQLiteStore) ListCircuits(ctx context.Context, opts ListOpts) ([]*Circuit, error) {
	query := `SELECT id, model_id, run_id, indicators, content_hash, sums, products, leaves, depth, created_at FROM circuits`
	args := []any{}
	if opts.ModelID > 0 {
		query += " WHERE model_id = ?"
		args = append(args, opts.ModelID)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limitOf(opts), opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing circuits: %w", err)
	}
	defer rows.Close()

	var circuits []*Circuit
	for rows.Next() {
		c := &Circuit{}
		if err := rows.Scan(&c.ID, &c.ModelID, &c.RunID, &c.Indicators, &c.ContentHash,
			&c.Sums, &c.Products, &c.Leaves, &c.Depth, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning circuit row: %w", err)
		}
		circuits = append(circuits, c)
	}
	return circuits, rows.Err()
}
