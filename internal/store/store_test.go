package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewStore(StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addTestModel(t *testing.T, s Store, source string) *Model {
	t.Helper()
	m := &Model{
		SourceFile: source,
		Columns:    2,
		Views:      1,
		Rows:       5,
		Metadata:   []byte(`{"outputs":[0,1]}`),
	}
	if _, err := s.AddModel(context.Background(), m); err != nil {
		t.Fatalf("AddModel: %v", err)
	}
	return m
}

// --- Database Initialization ---

func TestNewStore(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)

	for _, table := range []string{"models", "circuits", "compile_runs", "meta"} {
		var name string
		err := ss.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}

	version, err := ss.getMetaValue("schema_version")
	if err != nil || version != SchemaVersion {
		t.Fatalf("schema_version = %q, %v", version, err)
	}
}

func TestRunColumnMigration(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)

	var count int
	err := ss.db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('circuits') WHERE name='run_id'").Scan(&count)
	if err != nil {
		t.Fatalf("checking run_id column: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected run_id column to exist, count=%d", count)
	}
	// Migrations are idempotent.
	if err := ss.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestReopenFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "spcompile.db")
	s, err := NewStore(StoreConfig{DBPath: path})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	m := addTestModel(t, s, "a.json")
	s.Close()

	s, err = NewStore(StoreConfig{DBPath: path})
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer s.Close()
	got, err := s.GetModel(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("GetModel after reopen: %v", err)
	}
	if got.SourceFile != "a.json" {
		t.Fatalf("source = %q", got.SourceFile)
	}
	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ModelCount != 1 || stats.DBSizeBytes == 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

// --- Models ---

func TestAddModelDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := addTestModel(t, s, "a.json")
	if first.ID == 0 || first.ContentHash == "" {
		t.Fatalf("model not filled in: %+v", first)
	}
	second := addTestModel(t, s, "a.json")
	if second.ID != first.ID {
		t.Fatalf("duplicate model inserted: %d vs %d", second.ID, first.ID)
	}
	other := addTestModel(t, s, "b.json")
	if other.ID == first.ID {
		t.Fatal("model from another source should be a separate row")
	}

	got, err := s.GetModel(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if string(got.Metadata) != `{"outputs":[0,1]}` || got.Rows != 5 || got.Columns != 2 {
		t.Fatalf("unexpected model %+v", got)
	}

	models, err := s.ListModels(ctx, ListOpts{})
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0].ID != other.ID {
		t.Fatalf("expected 2 models newest first, got %d", len(models))
	}
	models, err = s.ListModels(ctx, ListOpts{SourceFile: "b.json"})
	if err != nil || len(models) != 1 {
		t.Fatalf("filtered list: %d models, %v", len(models), err)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.GetModel(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetModel: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetCircuit(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetCircuit: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetRun(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRun: expected ErrNotFound, got %v", err)
	}
	if _, err := s.AddModel(ctx, &Model{}); err == nil {
		t.Fatal("expected error for empty metadata")
	}
}

// --- Circuits ---

func TestAddCircuitReplacesPerIndicatorSetting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := addTestModel(t, s, "a.json")

	c := &Circuit{ModelID: m.ID, Sums: 1, Products: 3, Leaves: 6, Depth: 3, Artifact: []byte(`{"v":1}`)}
	id, err := s.AddCircuit(ctx, c)
	if err != nil {
		t.Fatalf("AddCircuit: %v", err)
	}
	if c.ContentHash != HashArtifact([]byte(`{"v":1}`)) {
		t.Fatal("content hash not computed")
	}

	again := &Circuit{ModelID: m.ID, RunID: "r2", Sums: 1, Products: 3, Leaves: 6, Depth: 3, Artifact: []byte(`{"v":2}`)}
	id2, err := s.AddCircuit(ctx, again)
	if err != nil {
		t.Fatalf("AddCircuit replace: %v", err)
	}
	if id2 != id {
		t.Fatalf("replacement got new id %d, want %d", id2, id)
	}

	withZ := &Circuit{ModelID: m.ID, Indicators: true, Sums: 1, Products: 3, Leaves: 12, Depth: 3, Artifact: []byte(`{"v":3}`)}
	if _, err := s.AddCircuit(ctx, withZ); err != nil {
		t.Fatalf("AddCircuit indicators: %v", err)
	}

	got, err := s.CircuitForModel(ctx, m.ID, false)
	if err != nil {
		t.Fatalf("CircuitForModel: %v", err)
	}
	if string(got.Artifact) != `{"v":2}` || got.RunID != "r2" || got.Indicators {
		t.Fatalf("unexpected circuit %+v", got)
	}
	got, err = s.GetCircuit(ctx, withZ.ID)
	if err != nil || !got.Indicators || got.Leaves != 12 {
		t.Fatalf("GetCircuit: %+v, %v", got, err)
	}

	list, err := s.ListCircuits(ctx, ListOpts{ModelID: m.ID})
	if err != nil {
		t.Fatalf("ListCircuits: %v", err)
	}
	if len(list) != 2 || list[0].Artifact != nil {
		t.Fatalf("expected 2 circuits without artifacts, got %d", len(list))
	}
}

func TestAddCircuitRequiresModel(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddCircuit(context.Background(), &Circuit{ModelID: 99, Artifact: []byte("x")})
	if err == nil {
		t.Fatal("expected foreign key error")
	}
}

// --- Runs ---

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r, err := s.StartRun(ctx, 3)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if len(r.ID) != 36 || r.Status != RunRunning {
		t.Fatalf("unexpected run %+v", r)
	}

	r.Compiled, r.Failed = 2, 1
	if err := s.FinishRun(ctx, r); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if r.Status != RunFailed || r.FinishedAt == nil {
		t.Fatalf("run not finished: %+v", r)
	}
	if err := s.FinishRun(ctx, r); err == nil {
		t.Fatal("finishing twice should fail")
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Compiled != 2 || got.Failed != 1 || got.Inputs != 3 || got.FinishedAt == nil {
		t.Fatalf("unexpected stored run %+v", got)
	}

	ok, _ := s.StartRun(ctx, 1)
	ok.Compiled = 1
	if err := s.FinishRun(ctx, ok); err != nil || ok.Status != RunSucceeded {
		t.Fatalf("FinishRun success: %v, status %s", err, ok.Status)
	}

	runs, err := s.ListRuns(ctx, ListOpts{Limit: 10})
	if err != nil || len(runs) != 2 {
		t.Fatalf("ListRuns: %d runs, %v", len(runs), err)
	}
	stats, err := s.Stats(ctx)
	if err != nil || stats.RunCount != 2 {
		t.Fatalf("Stats: %+v, %v", stats, err)
	}
}

func TestHashModel(t *testing.T) {
	md := []byte(`{"outputs":[0]}`)
	if HashModel(md, "a", 0) == HashModel(md, "a", 1) {
		t.Fatal("state index should change the hash")
	}
	if HashModel(md, "a", 0) != HashModel(md, "a", 0) {
		t.Fatal("hash is not stable")
	}
	if len(HashArtifact(md)) != 64 {
		t.Fatal("expected hex sha256")
	}
}
