package ingest

import (
	"context"

	"github.com/hurttlocker/spcompile/internal/circuit"
	"github.com/hurttlocker/spcompile/internal/codec"
	"github.com/hurttlocker/spcompile/internal/model"
)

// RawState is one fitted state read from a metadata file.
type RawState struct {
	Metadata   *model.Metadata
	SourceFile string        // Absolute path to source file
	State      int           // Position in the ensemble, 0 for single states
	Mapping    *codec.Mapping // Column names carried by the file itself, if any
}

// Importer handles a specific file format.
type Importer interface {
	// CanHandle returns true if this importer supports the given file path.
	CanHandle(path string) bool

	// Import parses the file and returns its states.
	Import(ctx context.Context, path string) ([]RawState, error)
}

// Artifact is the compiled form of one state.
type Artifact struct {
	SourceFile string
	State      int
	Circuit    *circuit.Circuit
	Data       []byte // Encoded circuit JSON
	Stats      circuit.Stats
	ModelID    int64 // Set when stored
	CircuitID  int64 // Set when stored
}

// CompileResult summarizes a compile operation.
type CompileResult struct {
	RunID          string
	FilesScanned   int
	FilesSkipped   int
	StatesCompiled int
	StatesFailed   int
	Artifacts      []*Artifact
	Errors         []CompileError
}

// Add merges another CompileResult into this one.
func (r *CompileResult) Add(other *CompileResult) {
	r.FilesScanned += other.FilesScanned
	r.FilesSkipped += other.FilesSkipped
	r.StatesCompiled += other.StatesCompiled
	r.StatesFailed += other.StatesFailed
	r.Artifacts = append(r.Artifacts, other.Artifacts...)
	r.Errors = append(r.Errors, other.Errors...)
}

// CompileError records a non-fatal error during a batch compile.
type CompileError struct {
	File    string
	State   int
	Message string
	Err     error
}

func (e CompileError) Error() string {
	return e.Message
}

func (e CompileError) Unwrap() error { return e.Err }

// CompileOptions configures a compile operation.
type CompileOptions struct {
	Indicators  bool
	Mapping     *codec.Mapping // Overrides any mapping carried by the file
	Store       bool           // Record models, circuits and the run
	Recursive   bool
	Workers     int   // Parallel files, default 1
	MaxFileSize int64 // bytes, default 64MB
	ProgressFn  func(current, total int, file string)
}

// DefaultMaxFileSize is 64MB.
const DefaultMaxFileSize = 64 * 1024 * 1024

// Normalize fills defaults.
func (o *CompileOptions) Normalize() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
}
