package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// pair is a [key, value] array, the fitting engine's encoding of a map with
// integer keys.
type pair[V any] struct {
	Key   int
	Value V
}

func (p pair[V]) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Key, p.Value})
}

func (p *pair[V]) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("pair has %d elements, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Key); err != nil {
		return fmt.Errorf("pair key: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Value); err != nil {
		return fmt.Errorf("pair value: %w", err)
	}
	return nil
}

func firstByte(raw json.RawMessage) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// decodeKeyed reads a map with integer keys written either as an array of
// [key, value] pairs or as a JSON object whose keys are stringified integers.
func decodeKeyed[V any](field string, raw json.RawMessage) (map[int]V, error) {
	if isNull(raw) {
		return nil, nil
	}
	switch firstByte(raw) {
	case '[':
		var pairs []pair[V]
		if err := json.Unmarshal(raw, &pairs); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", field, err)
		}
		out := make(map[int]V, len(pairs))
		for _, p := range pairs {
			if _, dup := out[p.Key]; dup {
				return nil, fmt.Errorf("decoding %s: key %d repeated", field, p.Key)
			}
			out[p.Key] = p.Value
		}
		return out, nil
	case '{':
		return decodeObject[V](field, raw)
	default:
		return nil, fmt.Errorf("decoding %s: want array of pairs or object", field)
	}
}

// decodePositional reads a map keyed by column index written either as a
// list aligned with outputs or as an object keyed by stringified indices.
func decodePositional[V any](field string, raw json.RawMessage, outputs []int) (map[int]V, error) {
	if isNull(raw) {
		return nil, nil
	}
	switch firstByte(raw) {
	case '[':
		var list []V
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", field, err)
		}
		if len(list) != len(outputs) {
			return nil, fmt.Errorf("decoding %s: %d entries for %d outputs", field, len(list), len(outputs))
		}
		out := make(map[int]V, len(list))
		for i, v := range list {
			out[outputs[i]] = v
		}
		return out, nil
	case '{':
		return decodeObject[V](field, raw)
	default:
		return nil, fmt.Errorf("decoding %s: want list or object", field)
	}
}

// decodeObject converts the string keys a JSON round trip leaves behind back
// to integers.
func decodeObject[V any](field string, raw json.RawMessage) (map[int]V, error) {
	var obj map[string]V
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", field, err)
	}
	out := make(map[int]V, len(obj))
	for k, v := range obj {
		i, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: key %q is not an integer", field, k)
		}
		out[i] = v
	}
	return out, nil
}

// encodePairs writes m as [key, value] pairs, keys in order first and the
// remaining keys ascending.
func encodePairs[V any](m map[int]V, order []int) []pair[V] {
	if m == nil {
		return nil
	}
	out := make([]pair[V], 0, len(m))
	done := make(map[int]struct{}, len(m))
	for _, k := range order {
		v, ok := m[k]
		if !ok {
			continue
		}
		if _, dup := done[k]; dup {
			continue
		}
		done[k] = struct{}{}
		out = append(out, pair[V]{Key: k, Value: v})
	}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if _, ok := done[k]; !ok {
			out = append(out, pair[V]{Key: k, Value: m[k]})
		}
	}
	return out
}

// encodePositional writes m as a list aligned with outputs when its keys are
// exactly the outputs, and as an object keyed by stringified index otherwise.
func encodePositional[V any](m map[int]V, outputs []int) any {
	if m == nil {
		return nil
	}
	if len(m) == len(outputs) {
		list := make([]V, 0, len(outputs))
		for _, o := range outputs {
			v, ok := m[o]
			if !ok {
				break
			}
			list = append(list, v)
		}
		if len(list) == len(outputs) {
			return list
		}
	}
	return encodeObject(m)
}

func encodeObject[V any](m map[int]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[strconv.Itoa(k)] = v
	}
	return out
}
