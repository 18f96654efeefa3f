package mcp

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/hurttlocker/spcompile/internal/codec"
	"github.com/hurttlocker/spcompile/internal/store"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const testMetadata = `{
  "outputs": [0, 1],
  "cctypes": ["normal", "bernoulli"],
  "hypers": [{"m": 0, "r": 1, "s": 1, "nu": 1}, {"alpha": 1, "beta": 1}],
  "suffstats": [
    {"0": {"N": 3, "sum_x": 3, "sum_x_sq": 5}, "1": {"N": 2, "sum_x": -2, "sum_x_sq": 4}},
    {"0": {"N": 3, "x_sum": 2}, "1": {"N": 2, "x_sum": 0}}
  ],
  "Zv": [[0, 0], [1, 0]],
  "Zrv": [[0, [0, 0, 0, 1, 1]]],
  "view_alphas": [[0, 1]]
}`

func setupTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// callTool invokes an MCP tool through the JSON-RPC entry point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]interface{}) *mcplib.CallToolResult {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      name,
			"arguments": args,
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}

	callResult := &mcplib.CallToolResult{IsError: resp.Result.IsError}
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			callResult.Content = append(callResult.Content, mcplib.NewTextContent(c.Text))
		}
	}
	return callResult
}

func callResource(t *testing.T, srv *server.MCPServer, uri string) string {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "resources/read",
		"params": map[string]interface{}{
			"uri": uri,
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var resp struct {
		Result struct {
			Contents []struct {
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Result.Contents) == 0 {
		t.Fatalf("no resource contents for %s", uri)
	}
	return resp.Result.Contents[0].Text
}

func getTextContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content found")
	return ""
}

type compileOutput struct {
	RunID    string `json:"run_id"`
	Compiled int    `json:"compiled"`
	Failed   int    `json:"failed"`
	States   []struct {
		State     int             `json:"state"`
		ModelID   int64           `json:"model_id"`
		CircuitID int64           `json:"circuit_id"`
		Stats     map[string]int  `json:"stats"`
		Circuit   json.RawMessage `json:"circuit"`
	} `json:"states"`
	Errors []string `json:"errors"`
}

func compileVia(t *testing.T, srv *server.MCPServer, args map[string]interface{}) compileOutput {
	t.Helper()
	result := callTool(t, srv, "spcompile_compile", args)
	text := getTextContent(t, result)
	if result.IsError {
		t.Fatalf("compile failed: %s", text)
	}
	var out compileOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("parsing compile output: %v\n%s", err, text)
	}
	return out
}

func TestNewServer(t *testing.T) {
	srv := NewServer(ServerConfig{Store: setupTestStore(t)})
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestCompileTool(t *testing.T) {
	s := setupTestStore(t)
	srv := NewServer(ServerConfig{Store: s})

	out := compileVia(t, srv, map[string]interface{}{"metadata": testMetadata})
	if out.Compiled != 1 || out.RunID == "" || len(out.States) != 1 {
		t.Fatalf("unexpected output %+v", out)
	}
	st := out.States[0]
	if st.CircuitID == 0 || st.Stats["leaves"] != 6 || st.Stats["sums"] != 1 {
		t.Fatalf("unexpected state %+v", st)
	}
	if _, err := codec.UnmarshalCircuit(st.Circuit); err != nil {
		t.Fatalf("returned circuit does not decode: %v", err)
	}

	stored, err := s.GetCircuit(context.Background(), st.CircuitID)
	if err != nil {
		t.Fatalf("GetCircuit: %v", err)
	}
	if stored.RunID != out.RunID {
		t.Fatalf("stored run %q, want %q", stored.RunID, out.RunID)
	}
}

func TestCompileTool_YAMLWithMapping(t *testing.T) {
	srv := NewServer(ServerConfig{})

	yamlMetadata := `outputs: [0, 1]
cctypes: [normal, bernoulli]
hypers:
  - {m: 0, r: 1, s: 1, nu: 1}
  - {alpha: 1, beta: 1}
suffstats:
  - {0: {N: 3, sum_x: 3, sum_x_sq: 5}, 1: {N: 2, sum_x: -2, sum_x_sq: 4}}
  - {0: {N: 3, x_sum: 2}, 1: {N: 2, x_sum: 0}}
Zv: [[0, 0], [1, 0]]
Zrv: [[0, [0, 0, 0, 1, 1]]]
view_alphas: [[0, 1]]
`
	out := compileVia(t, srv, map[string]interface{}{
		"metadata":   yamlMetadata,
		"mapping":    "col_name_id_mapping:\n  height: 0\n  smoker: 1\n",
		"indicators": true,
	})
	if out.RunID != "" || out.States[0].CircuitID != 0 {
		t.Fatal("nothing should be stored without a store")
	}
	c, err := codec.UnmarshalCircuit(out.States[0].Circuit)
	if err != nil {
		t.Fatalf("UnmarshalCircuit: %v", err)
	}
	if c.Variables[0].Symbol != "height" || c.Variables[1].Indicator != "smoker_cluster" {
		t.Fatalf("unexpected variables %+v", c.Variables)
	}
	if out.States[0].Stats["leaves"] != 12 {
		t.Fatalf("expected 12 leaves with indicators, got %d", out.States[0].Stats["leaves"])
	}
}

func TestCompileTool_Errors(t *testing.T) {
	srv := NewServer(ServerConfig{})

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing metadata", map[string]interface{}{}, "metadata is required"},
		{"bad json", map[string]interface{}{"metadata": `{"outputs": [`}, "decoding metadata"},
		{"unsupported family", map[string]interface{}{
			"metadata": strings.Replace(testMetadata, `"bernoulli"`, `"weibull"`, 1),
		}, "weibull"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := callTool(t, srv, "spcompile_compile", tt.args)
			if !result.IsError {
				t.Fatal("expected tool error")
			}
			if text := getTextContent(t, result); !strings.Contains(text, tt.want) {
				t.Fatalf("error %q does not mention %q", text, tt.want)
			}
		})
	}
}

func TestValidateTool(t *testing.T) {
	srv := NewServer(ServerConfig{})

	ensemble := `{"metadata_list": [` + testMetadata + `,` +
		strings.Replace(testMetadata, `"Zv": [[0, 0], [1, 0]]`, `"Zv": [[0, 0]]`, 1) + `]}`
	result := callTool(t, srv, "spcompile_validate", map[string]interface{}{"metadata": ensemble})
	if result.IsError {
		t.Fatalf("validate failed: %s", getTextContent(t, result))
	}

	var out struct {
		States []stateReport `json:"states"`
	}
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &out); err != nil {
		t.Fatalf("parsing validate output: %v", err)
	}
	if len(out.States) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(out.States))
	}
	ok := out.States[0]
	if !ok.Valid || ok.Columns != 2 || ok.Views != 1 || ok.Rows != 5 || ok.Leaves != 6 {
		t.Fatalf("unexpected valid report %+v", ok)
	}
	bad := out.States[1]
	if bad.Valid || bad.Kind != "validation" || !strings.Contains(bad.Error, "Zv") {
		t.Fatalf("unexpected invalid report %+v", bad)
	}
}

func TestLogProbTool(t *testing.T) {
	s := setupTestStore(t)
	srv := NewServer(ServerConfig{Store: s})
	out := compileVia(t, srv, map[string]interface{}{"metadata": testMetadata})

	tests := []struct {
		name string
		args map[string]interface{}
		want float64
	}{
		// Cluster weights 3/6, 2/6, 1/6 times P(X=1) of 3/5, 1/4 and the prior 1/2.
		{"by id", map[string]interface{}{
			"circuit_id": float64(out.States[0].CircuitID),
			"assignment": map[string]interface{}{"X[1]": 1},
		}, 7.0 / 15.0},
		{"inline circuit", map[string]interface{}{
			"circuit":    string(out.States[0].Circuit),
			"assignment": map[string]interface{}{"X[1]": 0},
		}, 8.0 / 15.0},
		{"empty assignment", map[string]interface{}{
			"circuit_id": float64(out.States[0].CircuitID),
			"assignment": map[string]interface{}{},
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := callTool(t, srv, "spcompile_logprob", tt.args)
			text := getTextContent(t, result)
			if result.IsError {
				t.Fatalf("logprob failed: %s", text)
			}
			var got struct {
				LogProb *float64 `json:"log_prob"`
				Prob    float64  `json:"prob"`
				Scope   []string `json:"scope"`
			}
			if err := json.Unmarshal([]byte(text), &got); err != nil {
				t.Fatalf("parsing output: %v", err)
			}
			if math.Abs(got.Prob-tt.want) > 1e-9 {
				t.Fatalf("prob = %v, want %v", got.Prob, tt.want)
			}
			if got.LogProb == nil || math.Abs(*got.LogProb-math.Log(tt.want)) > 1e-9 {
				t.Fatalf("log_prob = %v", got.LogProb)
			}
			if len(got.Scope) != 2 {
				t.Fatalf("scope = %v", got.Scope)
			}
		})
	}

	impossible := callTool(t, srv, "spcompile_logprob", map[string]interface{}{
		"circuit_id": float64(out.States[0].CircuitID),
		"assignment": map[string]interface{}{"X[1]": 2},
	})
	if impossible.IsError || !strings.Contains(getTextContent(t, impossible), `"log_prob": null`) {
		t.Fatalf("impossible value should give a null log_prob: %s", getTextContent(t, impossible))
	}

	for name, args := range map[string]map[string]interface{}{
		"unknown variable": {"circuit_id": float64(out.States[0].CircuitID), "assignment": map[string]interface{}{"weight": 1}},
		"missing circuit":  {"circuit_id": float64(999), "assignment": map[string]interface{}{}},
		"no circuit":       {"assignment": map[string]interface{}{}},
	} {
		if result := callTool(t, srv, "spcompile_logprob", args); !result.IsError {
			t.Fatalf("%s: expected tool error", name)
		}
	}
}

func TestListToolAndArtifactsResource(t *testing.T) {
	s := setupTestStore(t)
	srv := NewServer(ServerConfig{Store: s})
	compileVia(t, srv, map[string]interface{}{"metadata": testMetadata, "source": "../trial/model.json"})
	compileVia(t, srv, map[string]interface{}{"metadata": testMetadata, "source": "../trial/model.json", "indicators": true})

	result := callTool(t, srv, "spcompile_list", map[string]interface{}{"limit": float64(10)})
	var entries []artifactEntry
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &entries); err != nil {
		t.Fatalf("parsing list output: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 circuits, got %d", len(entries))
	}
	if entries[0].ModelID != entries[1].ModelID || !entries[0].Indicators {
		t.Fatalf("expected both circuits of one model, newest first: %+v", entries)
	}
	if entries[0].Source != "-trial-model.json" {
		t.Fatalf("source not sanitized: %q", entries[0].Source)
	}

	text := callResource(t, srv, "spcompile://artifacts")
	var payload struct {
		Stats struct {
			Models   int64 `json:"models"`
			Circuits int64 `json:"circuits"`
			Runs     int64 `json:"runs"`
		} `json:"stats"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("parsing resource: %v", err)
	}
	if payload.Stats.Models != 1 || payload.Stats.Circuits != 2 || payload.Stats.Runs != 2 || payload.Count != 2 {
		t.Fatalf("unexpected resource payload %s", text)
	}
}

func TestListToolWithoutStore(t *testing.T) {
	srv := NewServer(ServerConfig{})
	if result := callTool(t, srv, "spcompile_list", map[string]interface{}{}); !result.IsError {
		t.Fatal("expected an error without a store")
	}
}
