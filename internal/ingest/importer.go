package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hurttlocker/spcompile/internal/codec"
)

// JSONImporter handles .json metadata files: one state or an ensemble with a
// metadata_list.
type JSONImporter struct{}

// CanHandle returns true for JSON file extensions.
func (j *JSONImporter) CanHandle(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".json"
}

// Import decodes the states in a JSON metadata file.
func (j *JSONImporter) Import(ctx context.Context, path string) ([]RawState, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return decodeStates(absPath, data, 0)
}

// YAMLImporter handles .yaml and .yml metadata files. Each document of a
// multi-document file is decoded like a JSON file, and states are numbered
// across documents.
type YAMLImporter struct{}

// CanHandle returns true for YAML file extensions.
func (y *YAMLImporter) CanHandle(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Import decodes the states in a YAML metadata file.
func (y *YAMLImporter) Import(ctx context.Context, path string) ([]RawState, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return parseYAML(absPath, data)
}

// ParseStates decodes metadata held in memory. source is recorded as the
// states' SourceFile. Content starting with '{' is read as JSON, anything
// else as YAML.
func ParseStates(source string, data []byte) ([]RawState, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '{' {
		return decodeStates(source, trimmed, 0)
	}
	return parseYAML(source, data)
}

func parseYAML(source string, data []byte) ([]RawState, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var states []RawState
	for docNum := 1; ; docNum++ {
		var doc any
		if err := decoder.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid YAML in %s (document %d): %w", source, docNum, err)
		}
		if doc == nil {
			continue
		}
		raw, err := json.Marshal(jsonValue(doc))
		if err != nil {
			return nil, fmt.Errorf("converting YAML document %d in %s: %w", docNum, source, err)
		}
		decoded, err := decodeStates(source, raw, len(states))
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", docNum, err)
		}
		states = append(states, decoded...)
	}
	return states, nil
}

func decodeStates(absPath string, data []byte, first int) ([]RawState, error) {
	mds, mapping, err := codec.DecodeStates(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	states := make([]RawState, len(mds))
	for i, md := range mds {
		states[i] = RawState{
			Metadata:   md,
			SourceFile: absPath,
			State:      first + i,
			Mapping:    mapping,
		}
	}
	return states, nil
}

// jsonValue rewrites a decoded YAML value so encoding/json accepts it.
// Mapping keys such as the integer column ids of suffstats become strings,
// which the metadata codec reads as keyed objects.
func jsonValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = jsonValue(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = jsonValue(val)
		}
		return out
	default:
		return v
	}
}
