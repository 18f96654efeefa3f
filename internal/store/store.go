// Package store provides the SQLite artifact registry for spcompile.
//
// All registry data lives in a single SQLite database file:
// - Imported model metadata with provenance and a content hash
// - Compiled circuits per model and indicator setting
// - Compile runs, one row per CLI or MCP invocation
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.spcompile/spcompile.db"

// DefaultListLimit caps List operations that pass no limit.
const DefaultListLimit = 100

// ErrNotFound is returned by Get operations for a missing row.
var ErrNotFound = errors.New("not found")

// Model is one fitted state as imported into the registry.
type Model struct {
	ID          int64
	ContentHash string
	SourceFile  string
	State       int // position within an ensemble file; 0 for single files
	Columns     int
	Views       int
	Rows        int
	Metadata    []byte // encoded metadata, as written by codec.EncodeMetadata
	ImportedAt  time.Time
}

// Circuit is a compiled artifact of a Model.
type Circuit struct {
	ID          int64
	ModelID     int64
	RunID       string
	Indicators  bool
	ContentHash string
	Sums        int
	Products    int
	Leaves      int
	Depth       int
	Artifact    []byte // encoded circuit, as written by codec.EncodeCircuit
	CreatedAt   time.Time
}

// Run status values.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run records one batch compilation.
type Run struct {
	ID         string
	Status     string
	Inputs     int
	Compiled   int
	Failed     int
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// ListOpts controls pagination and filtering for List operations.
type ListOpts struct {
	Limit      int
	Offset     int
	SourceFile string // models only
	ModelID    int64  // circuits only
}

// StoreStats holds row counts and size of the registry.
type StoreStats struct {
	ModelCount   int64 `json:"models"`
	CircuitCount int64 `json:"circuits"`
	RunCount     int64 `json:"runs"`
	DBSizeBytes  int64 `json:"db_size_bytes"`
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath string
}

// Store defines the registry interface.
type Store interface {
	// Models
	AddModel(ctx context.Context, m *Model) (int64, error)
	GetModel(ctx context.Context, id int64) (*Model, error)
	FindModelByHash(ctx context.Context, hash string) (*Model, error)
	ListModels(ctx context.Context, opts ListOpts) ([]*Model, error)

	// Circuits
	AddCircuit(ctx context.Context, c *Circuit) (int64, error)
	GetCircuit(ctx context.Context, id int64) (*Circuit, error)
	CircuitForModel(ctx context.Context, modelID int64, indicators bool) (*Circuit, error)
	ListCircuits(ctx context.Context, opts ListOpts) ([]*Circuit, error)

	// Runs
	StartRun(ctx context.Context, inputs int) (*Run, error)
	FinishRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// Observability
	Stats(ctx context.Context) (*StoreStats, error)

	// Maintenance
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	cfg.DBPath = expandPath(cfg.DBPath)

	// Create parent directory for non-memory databases
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.DBPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		dbPath: cfg.DBPath,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum runs VACUUM on the database. Manual only, never automatic.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Stats returns row counts and, for file databases, the on-disk size.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM models", &stats.ModelCount},
		{"SELECT COUNT(*) FROM circuits", &stats.CircuitCount},
		{"SELECT COUNT(*) FROM compile_runs", &stats.RunCount},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("querying stats (%s): %w", q.query, err)
		}
	}

	if s.dbPath != ":memory:" {
		var pageCount, pageSize int64
		s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
		s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		stats.DBSizeBytes = pageCount * pageSize
	}
	return stats, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func limitOf(opts ListOpts) int {
	if opts.Limit <= 0 {
		return DefaultListLimit
	}
	return opts.Limit
}
