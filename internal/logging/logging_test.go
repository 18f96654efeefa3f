package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{"INFO", LevelInfo, true},
		{"", LevelInfo, true},
		{"Warning", LevelWarn, true},
		{"error", LevelError, true},
		{"loud", LevelInfo, false},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelString(t *testing.T) {
	if LevelWarn.String() != "WARN" || Level(9).String() != "UNKNOWN" {
		t.Fatal("unexpected level names")
	}
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})
	logger.Info("hidden")
	logger.Warn("shown", "view", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "view=3") {
		t.Fatalf("warn record missing: %s", out)
	}
}

func TestNewJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	New(Config{JSON: true, Output: &buf, Service: "mcp"}).Info("compiled", "leaves", 6)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if rec["service"] != "mcp" || rec["msg"] != "compiled" || rec["leaves"] != float64(6) {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("discard logger should not be enabled")
	}
}
