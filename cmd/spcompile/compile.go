package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hurttlocker/spcompile/internal/codec"
	"github.com/hurttlocker/spcompile/internal/compile"
	"github.com/hurttlocker/spcompile/internal/ingest"
	"github.com/hurttlocker/spcompile/internal/model"
	"github.com/hurttlocker/spcompile/internal/store"
)

type compileArgs struct {
	inputs     []string
	mapping    string
	output     string
	indicators string // "" means not given on the command line
	store      bool
	recursive  bool
}

func parseCompileArgs(args []string) (compileArgs, error) {
	var ca compileArgs
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-m" || arg == "--mapping":
			if i+1 >= len(args) {
				return ca, fmt.Errorf("%s requires a file", arg)
			}
			i++
			ca.mapping = args[i]
		case strings.HasPrefix(arg, "--mapping="):
			ca.mapping = strings.TrimPrefix(arg, "--mapping=")
		case arg == "-o" || arg == "--output":
			if i+1 >= len(args) {
				return ca, fmt.Errorf("%s requires a path", arg)
			}
			i++
			ca.output = args[i]
		case strings.HasPrefix(arg, "--output="):
			ca.output = strings.TrimPrefix(arg, "--output=")
		case arg == "--indicators":
			ca.indicators = "true"
		case arg == "--no-indicators":
			ca.indicators = "false"
		case arg == "--store":
			ca.store = true
		case arg == "-r" || arg == "--recursive":
			ca.recursive = true
		case strings.HasPrefix(arg, "-"):
			return ca, fmt.Errorf("unknown flag: %s", arg)
		default:
			ca.inputs = append(ca.inputs, arg)
		}
	}
	if len(ca.inputs) == 0 {
		return ca, fmt.Errorf("usage: spcompile compile <metadata>... [-m mapping] [-o out] [--indicators] [--store]")
	}
	return ca, nil
}

func loadMapping(path string) (*codec.Mapping, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening mapping: %w", err)
	}
	defer f.Close()
	return codec.DecodeMapping(f)
}

// expandInputs turns directories into the metadata files they hold.
func expandInputs(engine *ingest.Engine, inputs []string, recursive bool) ([]string, error) {
	var paths []string
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, in)
			continue
		}
		found, err := engine.CollectFiles(in, recursive)
		if err != nil {
			return nil, err
		}
		paths = append(paths, found...)
	}
	return paths, nil
}

func runCompile(args []string) error {
	ca, err := parseCompileArgs(args)
	if err != nil {
		return err
	}
	settings, err := loadSettings(ca.indicators)
	if err != nil {
		return err
	}
	mapping, err := loadMapping(ca.mapping)
	if err != nil {
		return err
	}
	var st store.Store
	if ca.store {
		st, err = openStore(settings)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	engine := ingest.NewEngine(st, newLogger(settings))
	paths, err := expandInputs(engine, ca.inputs, ca.recursive)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no metadata files found")
	}
	opts := ingest.CompileOptions{
		Indicators: settings.Indicators,
		Mapping:    mapping,
		Store:      ca.store,
		Workers:    settings.Workers,
	}
	result, err := engine.CompileFiles(context.Background(), paths, opts)
	if err != nil {
		return err
	}

	if ca.output == "-" {
		if len(result.Artifacts) != 1 {
			return fmt.Errorf("-o - needs exactly one compiled state, got %d", len(result.Artifacts))
		}
		_, err := os.Stdout.Write(result.Artifacts[0].Data)
		if err == nil {
			err = failureError(result)
		}
		return err
	}

	perSource := make(map[string]int)
	for _, a := range result.Artifacts {
		perSource[a.SourceFile]++
	}
	for _, a := range result.Artifacts {
		multiState := perSource[a.SourceFile] > 1 || a.State > 0
		out, err := outputPath(ca.output, a, multiState, len(result.Artifacts))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		if err := os.WriteFile(out, a.Data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
		fmt.Printf("Compiled %s", a.SourceFile)
		if multiState {
			fmt.Printf(" [state %d]", a.State)
		}
		fmt.Printf(": %d sums, %d products, %d leaves, depth %d -> %s", a.Stats.Sums, a.Stats.Products, a.Stats.Leaves, a.Stats.Depth, out)
		if a.CircuitID > 0 {
			fmt.Printf(" (circuit #%d)", a.CircuitID)
		}
		fmt.Println()
	}
	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "  Error: %s\n", e.Message)
	}

	fmt.Println()
	fmt.Printf("%d compiled, %d failed", result.StatesCompiled, result.StatesFailed)
	if result.RunID != "" {
		fmt.Printf(" (run %s)", result.RunID)
	}
	fmt.Println()
	return failureError(result)
}

func failureError(result *ingest.CompileResult) error {
	if result.StatesFailed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d states failed", result.StatesFailed, result.StatesFailed+result.StatesCompiled)
}

// outputPath places an artifact. Without -o it goes next to its input as
// <name>.circuit.json, or <name>.state<N>.circuit.json for ensembles. An -o
// ending in a separator or naming a directory collects artifacts there.
// Otherwise -o is the file itself, which only works for a single artifact.
func outputPath(output string, a *ingest.Artifact, multiState bool, total int) (string, error) {
	base := strings.TrimSuffix(filepath.Base(a.SourceFile), filepath.Ext(a.SourceFile))
	if multiState {
		base += ".state" + strconv.Itoa(a.State)
	}
	name := base + ingest.CircuitSuffix

	if output == "" {
		return filepath.Join(filepath.Dir(a.SourceFile), name), nil
	}
	if strings.HasSuffix(output, string(os.PathSeparator)) {
		return filepath.Join(output, name), nil
	}
	if info, err := os.Stat(output); err == nil && info.IsDir() {
		return filepath.Join(output, name), nil
	}
	if total > 1 {
		return "", fmt.Errorf("-o %s: %d states compiled, give a directory", output, total)
	}
	return output, nil
}

func runValidate(args []string) error {
	var inputs []string
	var mappingPath string
	recursive := false
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "-m" || arg == "--mapping":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a file", arg)
			}
			i++
			mappingPath = args[i]
		case arg == "-r" || arg == "--recursive":
			recursive = true
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			inputs = append(inputs, arg)
		}
	}
	if len(inputs) == 0 {
		return fmt.Errorf("usage: spcompile validate <metadata>... [-m mapping]")
	}

	mapping, err := loadMapping(mappingPath)
	if err != nil {
		return err
	}
	engine := ingest.NewEngine(nil, nil)
	paths, err := expandInputs(engine, inputs, recursive)
	if err != nil {
		return err
	}
	ctx := context.Background()
	failed := 0
	for _, path := range paths {
		states, err := engine.ReadFile(ctx, path, ingest.CompileOptions{})
		if err != nil {
			fmt.Printf("FAIL %s: %v\n", path, err)
			failed++
			continue
		}
		for _, raw := range states {
			m := mapping
			if m == nil {
				m = raw.Mapping
			}
			if err := validateState(raw, m); err != nil {
				fmt.Printf("FAIL %s [state %d]: %s\n", path, raw.State, describeError(err))
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d invalid", failed)
	}
	fmt.Printf("%d file(s) valid\n", len(paths))
	return nil
}

func validateState(raw ingest.RawState, mapping *codec.Mapping) error {
	if err := mapping.Apply(raw.Metadata); err != nil {
		return err
	}
	m, err := model.Partition(raw.Metadata)
	if err != nil {
		return err
	}
	_, err = compile.Compile(m, compile.Options{})
	return err
}

// describeError prefixes domain errors with their class.
func describeError(err error) string {
	var verr *model.ValidationError
	var cerr *model.ConversionError
	switch {
	case errors.As(err, &verr):
		return "validation: " + err.Error()
	case errors.As(err, &cerr):
		return "conversion: " + err.Error()
	default:
		return err.Error()
	}
}
