// Package mcp provides a Model Context Protocol server for spcompile.
//
// It exposes compilation, validation, the artifact registry and marginal
// queries against compiled circuits as MCP tools, and the recent artifacts
// as an MCP resource. The command-line driver serves it over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/hurttlocker/spcompile/internal/circuit"
	"github.com/hurttlocker/spcompile/internal/codec"
	"github.com/hurttlocker/spcompile/internal/compile"
	"github.com/hurttlocker/spcompile/internal/ingest"
	"github.com/hurttlocker/spcompile/internal/model"
	"github.com/hurttlocker/spcompile/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store      store.Store // optional; registry tools report an error without it
	Version    string      // version string for MCP server info
	Indicators bool        // default for spcompile_compile's indicators argument
	Logger     *slog.Logger
}

// dbMu serializes all MCP tool calls that touch the database.
// The mcp-go library dispatches handlers concurrently via goroutines, and
// SQLite supports only one writer at a time.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all spcompile tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"spcompile",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	engine := ingest.NewEngine(cfg.Store, cfg.Logger)

	registerCompileTool(s, engine, cfg)
	registerValidateTool(s)
	registerListTool(s, cfg.Store)
	registerLogProbTool(s, cfg.Store)

	registerArtifactsResource(s, cfg.Store)

	return s
}

// --- Tools ---

func registerCompileTool(s *server.MCPServer, engine *ingest.Engine, cfg ServerConfig) {
	tool := mcp.NewTool("spcompile_compile",
		mcp.WithDescription("Compile fitted CrossCat metadata (one state or an ensemble with metadata_list, JSON or YAML) into sum-product circuits. Returns one circuit per state, and records them in the artifact registry when a store is configured."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("metadata",
			mcp.Required(),
			mcp.Description("Metadata document as JSON or YAML text"),
		),
		mcp.WithString("mapping",
			mcp.Description("Companion mapping (col_name_id_mapping, mapping_table) as JSON or YAML text"),
		),
		mcp.WithBoolean("indicators",
			mcp.Description("Add cluster-indicator leaves to every cluster product"),
		),
		mcp.WithBoolean("store",
			mcp.Description("Record models and circuits in the registry (default: true when a store is configured)"),
		),
		mcp.WithString("source",
			mcp.Description("Source identifier recorded with the models. Defaults to 'mcp-compile'."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		metadata, err := req.RequireString("metadata")
		if err != nil || strings.TrimSpace(metadata) == "" {
			return mcp.NewToolResultError("metadata is required"), nil
		}

		source := "mcp-compile"
		if src, err := req.RequireString("source"); err == nil {
			src = strings.ReplaceAll(src, "..", "")
			src = strings.ReplaceAll(src, "/", "-")
			src = strings.ReplaceAll(src, "\\", "-")
			if src != "" {
				source = src
			}
		}

		states, err := ingest.ParseStates(source, []byte(metadata))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("decoding metadata: %v", err)), nil
		}
		if len(states) == 0 {
			return mcp.NewToolResultError("metadata document is empty"), nil
		}
		mapping, err := mappingArg(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		opts := ingest.CompileOptions{
			Indicators: req.GetBool("indicators", cfg.Indicators),
			Mapping:    mapping,
			Store:      req.GetBool("store", cfg.Store != nil),
		}
		result, err := engine.CompileStates(ctx, states, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("compile error: %v", err)), nil
		}

		type compiledState struct {
			State     int             `json:"state"`
			ModelID   int64           `json:"model_id,omitempty"`
			CircuitID int64           `json:"circuit_id,omitempty"`
			Stats     circuit.Stats   `json:"stats"`
			Circuit   json.RawMessage `json:"circuit"`
		}
		output := struct {
			RunID    string          `json:"run_id,omitempty"`
			Compiled int             `json:"compiled"`
			Failed   int             `json:"failed"`
			States   []compiledState `json:"states"`
			Errors   []string        `json:"errors,omitempty"`
		}{
			RunID:    result.RunID,
			Compiled: result.StatesCompiled,
			Failed:   result.StatesFailed,
			States:   make([]compiledState, 0, len(result.Artifacts)),
		}
		for _, a := range result.Artifacts {
			output.States = append(output.States, compiledState{
				State:     a.State,
				ModelID:   a.ModelID,
				CircuitID: a.CircuitID,
				Stats:     a.Stats,
				Circuit:   json.RawMessage(a.Data),
			})
		}
		for _, e := range result.Errors {
			output.Errors = append(output.Errors, e.Message)
		}
		if result.StatesCompiled == 0 {
			return mcp.NewToolResultError(strings.Join(output.Errors, "\n")), nil
		}

		data, _ := json.MarshalIndent(output, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerValidateTool(s *server.MCPServer) {
	tool := mcp.NewTool("spcompile_validate",
		mcp.WithDescription("Check fitted CrossCat metadata without compiling it. Reports, per state, the partition shape and leaf count, or the first validation or conversion problem with its view, cluster and column."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("metadata",
			mcp.Required(),
			mcp.Description("Metadata document as JSON or YAML text"),
		),
		mcp.WithString("mapping",
			mcp.Description("Companion mapping as JSON or YAML text"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		metadata, err := req.RequireString("metadata")
		if err != nil || strings.TrimSpace(metadata) == "" {
			return mcp.NewToolResultError("metadata is required"), nil
		}
		states, err := ingest.ParseStates("mcp-validate", []byte(metadata))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("decoding metadata: %v", err)), nil
		}
		mapping, err := mappingArg(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		reports := make([]stateReport, 0, len(states))
		for _, raw := range states {
			m := mapping
			if m == nil {
				m = raw.Mapping
			}
			reports = append(reports, validateState(raw, m))
		}

		data, _ := json.MarshalIndent(map[string]any{"states": reports}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

type stateReport struct {
	State   int    `json:"state"`
	Valid   bool   `json:"valid"`
	Columns int    `json:"columns,omitempty"`
	Views   int    `json:"views,omitempty"`
	Rows    int    `json:"rows,omitempty"`
	Leaves  int    `json:"leaves,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
}

// validateState partitions the state and synthesizes every leaf, so
// conversion problems surface as well as structural ones.
func validateState(raw ingest.RawState, mapping *codec.Mapping) stateReport {
	r := stateReport{State: raw.State}
	fail := func(err error) stateReport {
		r.Error = err.Error()
		var verr *model.ValidationError
		var cerr *model.ConversionError
		switch {
		case errors.As(err, &verr):
			r.Kind = "validation"
		case errors.As(err, &cerr):
			r.Kind = "conversion"
		default:
			r.Kind = "mapping"
		}
		return r
	}

	if err := mapping.Apply(raw.Metadata); err != nil {
		return fail(err)
	}
	m, err := model.Partition(raw.Metadata)
	if err != nil {
		return fail(err)
	}
	if _, err := compile.Compile(m, compile.Options{}); err != nil {
		return fail(err)
	}
	r.Valid = true
	r.Columns = len(m.Columns)
	r.Views = len(m.Views)
	r.Rows = m.Rows()
	r.Leaves = compile.LeafCount(m, compile.Options{})
	return r
}

func registerListTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("spcompile_list",
		mcp.WithDescription("List compiled circuits in the artifact registry, newest first, with their node counts and source model."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of circuits (default: 20, max: 100)"),
		),
		mcp.WithNumber("model_id",
			mcp.Description("Only circuits compiled from this model"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if st == nil {
			return mcp.NewToolResultError("no artifact store configured"), nil
		}
		dbMu.Lock()
		defer dbMu.Unlock()

		opts := store.ListOpts{Limit: 20}
		if limitVal, err := req.RequireFloat("limit"); err == nil {
			limit := int(limitVal)
			if limit > 100 {
				limit = 100
			}
			if limit > 0 {
				opts.Limit = limit
			}
		}
		if modelID, err := req.RequireFloat("model_id"); err == nil && modelID > 0 {
			opts.ModelID = int64(modelID)
		}

		entries, err := listArtifacts(ctx, st, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing circuits: %v", err)), nil
		}
		data, _ := json.MarshalIndent(entries, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerLogProbTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("spcompile_logprob",
		mcp.WithDescription("Exact marginal log-probability of a partial assignment under a compiled circuit. Unassigned variables are marginalized out. Give either circuit_id from the registry or the circuit JSON itself."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("circuit_id",
			mcp.Description("Registry ID of the circuit"),
		),
		mcp.WithString("circuit",
			mcp.Description("Circuit JSON as produced by spcompile_compile"),
		),
		mcp.WithObject("assignment",
			mcp.Required(),
			mcp.Description("Variable symbol to observed value, e.g. {\"height\": 1.7, \"smoker\": \"1\"}"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		assignment, ok := args["assignment"].(map[string]any)
		if !ok {
			return mcp.NewToolResultError("assignment must be an object"), nil
		}

		var (
			c   *circuit.Circuit
			err error
		)
		if text, terr := req.RequireString("circuit"); terr == nil && strings.TrimSpace(text) != "" {
			c, err = codec.UnmarshalCircuit([]byte(text))
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("decoding circuit: %v", err)), nil
			}
		} else if id, ierr := req.RequireFloat("circuit_id"); ierr == nil {
			if st == nil {
				return mcp.NewToolResultError("no artifact store configured"), nil
			}
			c, err = loadCircuit(ctx, st, int64(id))
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
		} else {
			return mcp.NewToolResultError("either circuit_id or circuit is required"), nil
		}

		lp, err := circuit.LogProb(c.Root, circuit.Assignment(assignment))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("evaluating: %v", err)), nil
		}

		output := struct {
			LogProb *float64 `json:"log_prob"`
			Prob    float64  `json:"prob"`
			Scope   []string `json:"scope"`
		}{
			Prob:  math.Exp(lp),
			Scope: circuit.Scope(c.Root),
		}
		// JSON has no -Inf; impossible assignments report a null log_prob.
		if !math.IsInf(lp, -1) {
			output.LogProb = &lp
		}
		data, _ := json.MarshalIndent(output, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// --- Helpers ---

func mappingArg(req mcp.CallToolRequest) (*codec.Mapping, error) {
	text, err := req.RequireString("mapping")
	if err != nil || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	m, err := codec.DecodeMapping(strings.NewReader(text))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func loadCircuit(ctx context.Context, st store.Store, id int64) (*circuit.Circuit, error) {
	dbMu.Lock()
	row, err := st.GetCircuit(ctx, id)
	dbMu.Unlock()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("circuit %d not found", id)
		}
		return nil, err
	}
	c, err := codec.UnmarshalCircuit(row.Artifact)
	if err != nil {
		return nil, fmt.Errorf("decoding stored circuit %d: %w", id, err)
	}
	return c, nil
}
