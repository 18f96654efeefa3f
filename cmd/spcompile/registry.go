package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/spcompile/internal/mcp"
	"github.com/hurttlocker/spcompile/internal/store"
)

type listRow struct {
	CircuitID  int64     `json:"circuit_id"`
	ModelID    int64     `json:"model_id"`
	Source     string    `json:"source"`
	State      int       `json:"state"`
	Indicators bool      `json:"indicators"`
	Leaves     int       `json:"leaves"`
	Depth      int       `json:"depth"`
	RunID      string    `json:"run_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func runList(args []string) error {
	limit := 20
	jsonOutput := false
	var modelID int64
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--limit" && i+1 < len(args):
			i++
			fmt.Sscanf(args[i], "%d", &limit)
		case strings.HasPrefix(args[i], "--limit="):
			fmt.Sscanf(strings.TrimPrefix(args[i], "--limit="), "%d", &limit)
		case args[i] == "--model" && i+1 < len(args):
			i++
			fmt.Sscanf(args[i], "%d", &modelID)
		case args[i] == "--json":
			jsonOutput = true
		case strings.HasPrefix(args[i], "-"):
			return fmt.Errorf("unknown flag: %s", args[i])
		default:
			return fmt.Errorf("unexpected argument: %s", args[i])
		}
	}
	if limit <= 0 {
		limit = 20
	}

	settings, err := loadSettings("")
	if err != nil {
		return err
	}
	st, err := openStore(settings)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	circuits, err := st.ListCircuits(ctx, store.ListOpts{Limit: limit, ModelID: modelID})
	if err != nil {
		return fmt.Errorf("listing circuits: %w", err)
	}
	models := make(map[int64]*store.Model)
	rows := make([]listRow, 0, len(circuits))
	for _, c := range circuits {
		m, ok := models[c.ModelID]
		if !ok {
			if m, err = st.GetModel(ctx, c.ModelID); err != nil {
				return fmt.Errorf("loading model %d: %w", c.ModelID, err)
			}
			models[c.ModelID] = m
		}
		rows = append(rows, listRow{
			CircuitID:  c.ID,
			ModelID:    c.ModelID,
			Source:     m.SourceFile,
			State:      m.State,
			Indicators: c.Indicators,
			Leaves:     c.Leaves,
			Depth:      c.Depth,
			RunID:      c.RunID,
			CreatedAt:  c.CreatedAt,
		})
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No circuits stored. Compile with --store to record one.")
		return nil
	}
	fmt.Printf("%-6s %-6s %-32s %-5s %-4s %-7s %-5s\n", "ID", "MODEL", "SOURCE", "STATE", "IND", "LEAVES", "DEPTH")
	for _, r := range rows {
		src := r.Source
		if len(src) > 32 {
			src = "…" + src[len(src)-31:]
		}
		ind := "no"
		if r.Indicators {
			ind = "yes"
		}
		fmt.Printf("%-6d %-6d %-32s %-5d %-4s %-7d %-5d\n", r.CircuitID, r.ModelID, src, r.State, ind, r.Leaves, r.Depth)
	}
	fmt.Printf("\n%d circuits\n", len(rows))
	return nil
}

func runShow(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: spcompile show <circuit-id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid circuit id: %s", args[0])
	}

	settings, err := loadSettings("")
	if err != nil {
		return err
	}
	st, err := openStore(settings)
	if err != nil {
		return err
	}
	defer st.Close()

	c, err := st.GetCircuit(context.Background(), id)
	if err != nil {
		return fmt.Errorf("circuit %d: %w", id, err)
	}
	_, err = os.Stdout.Write(c.Artifact)
	return err
}

func runMCP(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	settings, err := loadSettings("")
	if err != nil {
		return err
	}
	st, err := openStore(settings)
	if err != nil {
		return err
	}
	defer st.Close()

	logger := newLogger(settings)
	s := mcp.NewServer(mcp.ServerConfig{
		Store:      st,
		Version:    version,
		Indicators: settings.Indicators,
		Logger:     logger,
	})
	logger.Info("serving mcp over stdio", "db", settings.DBPath)
	return server.ServeStdio(s, server.WithErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)))
}
