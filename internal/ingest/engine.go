package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hurttlocker/spcompile/internal/circuit"
	"github.com/hurttlocker/spcompile/internal/codec"
	"github.com/hurttlocker/spcompile/internal/compile"
	"github.com/hurttlocker/spcompile/internal/model"
	"github.com/hurttlocker/spcompile/internal/store"
)

// CircuitSuffix names compiled artifacts written next to their inputs.
const CircuitSuffix = ".circuit.json"

// Engine compiles metadata files into circuits.
type Engine struct {
	store     store.Store
	importers []Importer
	logger    *slog.Logger
}

// NewEngine creates a compile engine. The store may be nil when nothing is
// recorded; a nil logger discards.
func NewEngine(s store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store:     s,
		importers: []Importer{&JSONImporter{}, &YAMLImporter{}},
		logger:    logger,
	}
}

// importerFor picks an importer by extension, falling back to the first
// non-space byte: '{' is JSON, anything else YAML.
func (e *Engine) importerFor(path string, head []byte) Importer {
	for _, imp := range e.importers {
		if imp.CanHandle(path) {
			return imp
		}
	}
	if trimmed := bytes.TrimSpace(head); len(trimmed) > 0 && trimmed[0] == '{' {
		return &JSONImporter{}
	}
	return &YAMLImporter{}
}

// ReadFile decodes the states held in one metadata file.
func (e *Engine) ReadFile(ctx context.Context, path string, opts CompileOptions) ([]RawState, error) {
	opts.Normalize()
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > opts.MaxFileSize {
		return nil, fmt.Errorf("%s is %d bytes, over the %d byte limit", path, info.Size(), opts.MaxFileSize)
	}

	head, err := sniffHead(path)
	if err != nil {
		return nil, err
	}
	return e.importerFor(path, head).Import(ctx, path)
}

// sniffHead returns up to the first 64 bytes of path.
func sniffHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, 64)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return head[:n], nil
}

// CompileState compiles one state. When opts.Store is set and the engine
// has a store, the model and its circuit are recorded under runID.
func (e *Engine) CompileState(ctx context.Context, raw RawState, opts CompileOptions, runID string) (*Artifact, error) {
	md := raw.Metadata
	if md == nil {
		return nil, fmt.Errorf("state %d has no metadata", raw.State)
	}
	mapping := opts.Mapping
	if mapping == nil {
		mapping = raw.Mapping
	}
	if err := mapping.Apply(md); err != nil {
		return nil, err
	}

	m, err := model.Partition(md)
	if err != nil {
		return nil, err
	}
	c, err := compile.Compile(m, compile.Options{
		Indicators: opts.Indicators,
		Logger:     e.logger.With("file", filepath.Base(raw.SourceFile), "state", raw.State),
	})
	if err != nil {
		return nil, err
	}
	data, err := codec.MarshalCircuit(c)
	if err != nil {
		return nil, fmt.Errorf("encoding circuit: %w", err)
	}

	a := &Artifact{
		SourceFile: raw.SourceFile,
		State:      raw.State,
		Circuit:    c,
		Data:       data,
		Stats:      circuit.Summarize(c.Root),
	}
	if !opts.Store || e.store == nil {
		return a, nil
	}

	canonical, err := codec.MarshalMetadata(md)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	sm := &store.Model{
		SourceFile: raw.SourceFile,
		State:      raw.State,
		Columns:    len(m.Columns),
		Views:      len(m.Views),
		Rows:       m.Rows(),
		Metadata:   canonical,
	}
	if _, err := e.store.AddModel(ctx, sm); err != nil {
		return nil, fmt.Errorf("storing model: %w", err)
	}
	sc := &store.Circuit{
		ModelID:    sm.ID,
		RunID:      runID,
		Indicators: opts.Indicators,
		Sums:       a.Stats.Sums,
		Products:   a.Stats.Products,
		Leaves:     a.Stats.Leaves,
		Depth:      a.Stats.Depth,
		Artifact:   data,
	}
	if _, err := e.store.AddCircuit(ctx, sc); err != nil {
		return nil, fmt.Errorf("storing circuit: %w", err)
	}
	a.ModelID = sm.ID
	a.CircuitID = sc.ID
	return a, nil
}

// CompileFile compiles every state in a single file.
func (e *Engine) CompileFile(ctx context.Context, path string, opts CompileOptions) (*CompileResult, error) {
	return e.CompileFiles(ctx, []string{path}, opts)
}

// CompileFiles compiles every state of every file, opts.Workers files at a
// time. Failures of single files or states are collected in the result;
// the returned error is reserved for cancellation and run bookkeeping.
// Artifacts come back in input order.
func (e *Engine) CompileFiles(ctx context.Context, paths []string, opts CompileOptions) (*CompileResult, error) {
	opts.Normalize()
	result := &CompileResult{}
	run, err := e.startRun(ctx, len(paths), opts, result)
	if err != nil {
		return nil, err
	}

	perFile := make([]*CompileResult, len(paths))
	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perFile[i] = e.compileFile(gctx, path, opts, result.RunID)

			if opts.ProgressFn != nil {
				mu.Lock()
				done++
				opts.ProgressFn(done, len(paths), path)
				mu.Unlock()
			}
			return nil
		})
	}
	waitErr := g.Wait()

	for _, r := range perFile {
		if r != nil {
			result.Add(r)
		}
	}
	return e.finishRun(ctx, run, result, waitErr)
}

// CompileStates compiles states that were decoded elsewhere, such as
// metadata received over MCP, as one run.
func (e *Engine) CompileStates(ctx context.Context, states []RawState, opts CompileOptions) (*CompileResult, error) {
	opts.Normalize()
	result := &CompileResult{}
	run, err := e.startRun(ctx, len(states), opts, result)
	if err != nil {
		return nil, err
	}

	var runErr error
	for _, raw := range states {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		a, err := e.CompileState(ctx, raw, opts, result.RunID)
		if err != nil {
			result.StatesFailed++
			result.Errors = append(result.Errors, CompileError{
				File:    raw.SourceFile,
				State:   raw.State,
				Message: fmt.Sprintf("state %d: %v", raw.State, err),
				Err:     err,
			})
			continue
		}
		result.StatesCompiled++
		result.Artifacts = append(result.Artifacts, a)
	}
	return e.finishRun(ctx, run, result, runErr)
}

func (e *Engine) startRun(ctx context.Context, inputs int, opts CompileOptions, result *CompileResult) (*store.Run, error) {
	if !opts.Store || e.store == nil {
		return nil, nil
	}
	run, err := e.store.StartRun(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}
	result.RunID = run.ID
	return run, nil
}

func (e *Engine) finishRun(ctx context.Context, run *store.Run, result *CompileResult, runErr error) (*CompileResult, error) {
	if run != nil {
		run.Compiled = result.StatesCompiled
		run.Failed = result.StatesFailed
		if runErr != nil {
			run.Error = runErr.Error()
		}
		if err := e.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
			return result, fmt.Errorf("finishing run: %w", err)
		}
	}

	e.logger.Info("compile finished",
		"run", result.RunID,
		"files", result.FilesScanned,
		"compiled", result.StatesCompiled,
		"failed", result.StatesFailed,
	)
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// compileFile never fails as a whole: a file that cannot be decoded counts
// as one failed state.
func (e *Engine) compileFile(ctx context.Context, path string, opts CompileOptions, runID string) *CompileResult {
	r := &CompileResult{FilesScanned: 1}
	states, err := e.ReadFile(ctx, path, opts)
	if err != nil {
		r.StatesFailed++
		r.Errors = append(r.Errors, CompileError{
			File:    path,
			State:   -1,
			Message: fmt.Sprintf("%s: %v", path, err),
			Err:     err,
		})
		e.logger.Warn("reading metadata failed", "file", path, "error", err)
		return r
	}
	if len(states) == 0 {
		r.FilesSkipped++
		return r
	}

	for _, raw := range states {
		if ctx.Err() != nil {
			break
		}
		a, err := e.CompileState(ctx, raw, opts, runID)
		if err != nil {
			r.StatesFailed++
			r.Errors = append(r.Errors, CompileError{
				File:    path,
				State:   raw.State,
				Message: fmt.Sprintf("%s: state %d: %v", path, raw.State, err),
				Err:     err,
			})
			e.logger.Warn("compile failed", "file", path, "state", raw.State, "error", err)
			continue
		}
		r.StatesCompiled++
		r.Artifacts = append(r.Artifacts, a)
	}
	return r
}

// CompileDir compiles the metadata files in a directory. Hidden entries are
// skipped; subdirectories are walked only with opts.Recursive.
func (e *Engine) CompileDir(ctx context.Context, dir string, opts CompileOptions) (*CompileResult, error) {
	paths, err := e.CollectFiles(dir, opts.Recursive)
	if err != nil {
		return nil, err
	}
	return e.CompileFiles(ctx, paths, opts)
}

// CollectFiles lists the metadata files in dir in lexical order. Circuit
// artifacts (*.circuit.json) are not metadata and are left out.
func (e *Engine) CollectFiles(dir string, recursive bool) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), CircuitSuffix) {
			return nil
		}
		for _, imp := range e.importers {
			if imp.CanHandle(path) {
				paths = append(paths, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}
