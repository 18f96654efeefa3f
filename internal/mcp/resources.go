package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hurttlocker/spcompile/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type artifactEntry struct {
	CircuitID  int64  `json:"circuit_id"`
	ModelID    int64  `json:"model_id"`
	Source     string `json:"source,omitempty"`
	State      int    `json:"state"`
	Indicators bool   `json:"indicators"`
	Sums       int    `json:"sums"`
	Products   int    `json:"products"`
	Leaves     int    `json:"leaves"`
	Depth      int    `json:"depth"`
	RunID      string `json:"run_id,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// listArtifacts joins circuits with the models they were compiled from.
func listArtifacts(ctx context.Context, st store.Store, opts store.ListOpts) ([]artifactEntry, error) {
	circuits, err := st.ListCircuits(ctx, opts)
	if err != nil {
		return nil, err
	}
	models := make(map[int64]*store.Model)
	entries := make([]artifactEntry, 0, len(circuits))
	for _, c := range circuits {
		m, ok := models[c.ModelID]
		if !ok {
			m, err = st.GetModel(ctx, c.ModelID)
			if err != nil {
				return nil, fmt.Errorf("loading model %d: %w", c.ModelID, err)
			}
			models[c.ModelID] = m
		}
		entries = append(entries, artifactEntry{
			CircuitID:  c.ID,
			ModelID:    c.ModelID,
			Source:     m.SourceFile,
			State:      m.State,
			Indicators: c.Indicators,
			Sums:       c.Sums,
			Products:   c.Products,
			Leaves:     c.Leaves,
			Depth:      c.Depth,
			RunID:      c.RunID,
			CreatedAt:  c.CreatedAt.Format(time.RFC3339),
		})
	}
	return entries, nil
}

func registerArtifactsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"spcompile://artifacts",
		"Compiled Artifacts",
		mcp.WithResourceDescription("Registry counts and the 20 most recently compiled circuits."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if st == nil {
			return nil, fmt.Errorf("artifacts resource requires a store")
		}
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}
		recent, err := listArtifacts(ctx, st, store.ListOpts{Limit: 20})
		if err != nil {
			return nil, fmt.Errorf("listing recent circuits: %w", err)
		}

		payload := map[string]any{
			"stats":    stats,
			"circuits": recent,
			"count":    len(recent),
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
