package ingest

import (
	"context"
	"sync"
	"testing"

	"github.com/hurttlocker/spcompile/internal/store"
)

func TestCompileState_ConcurrentIdenticalStates_NoUniqueErrors(t *testing.T) {
	s := newTestStore(t)
	engine := NewEngine(s, nil)
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "model.json", twoColumnJSON)

	const workers = 50
	start := make(chan struct{})
	errCh := make(chan error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			states, err := engine.ReadFile(ctx, path, CompileOptions{})
			if err != nil {
				errCh <- err
				return
			}
			<-start
			if _, err := engine.CompileState(ctx, states[0], CompileOptions{Store: true}, ""); err != nil {
				errCh <- err
			}
		}()
	}

	close(start)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("expected no errors from concurrent identical compiles, got: %v", err)
		}
	}

	models, err := s.ListModels(ctx, store.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("expected exactly 1 stored model, got %d", len(models))
	}
	circuits, err := s.ListCircuits(ctx, store.ListOpts{})
	if err != nil {
		t.Fatalf("ListCircuits: %v", err)
	}
	if len(circuits) != 1 {
		t.Fatalf("expected exactly 1 stored circuit, got %d", len(circuits))
	}
}

func TestEngine_ParallelWorkersDeterministic(t *testing.T) {
	e := NewEngine(nil, nil)
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.json", "b.json", "c.json", "d.json"} {
		paths = append(paths, writeFile(t, dir, name, twoColumnJSON))
	}

	serial, err := e.CompileFiles(context.Background(), paths, CompileOptions{Workers: 1})
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	parallel, err := e.CompileFiles(context.Background(), paths, CompileOptions{Workers: 4})
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	for i := range serial.Artifacts {
		if serial.Artifacts[i].SourceFile != parallel.Artifacts[i].SourceFile {
			t.Fatalf("artifact %d out of order", i)
		}
		if string(serial.Artifacts[i].Data) != string(parallel.Artifacts[i].Data) {
			t.Fatalf("artifact %d differs between runs", i)
		}
	}
}
