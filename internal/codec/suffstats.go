package codec

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/hurttlocker/spcompile/internal/model"
)

// suffStats is the JSON form of model.SuffStats: an object of numeric
// accumulators plus an optional "counts" entry, which is a list of numbers
// for categorical columns and (table, count) pairs for crp columns.
type suffStats model.SuffStats

func (s suffStats) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Scalars)+1)
	for k, v := range s.Scalars {
		out[k] = v
	}
	switch {
	case s.Counts != nil && s.Tables != nil:
		return nil, fmt.Errorf("sufficient statistics hold both counts and table counts")
	case s.Counts != nil:
		out["counts"] = s.Counts
	case s.Tables != nil:
		if len(s.Tables) == 0 {
			out["counts"] = map[string]float64{}
			break
		}
		pairs := make([]pair[float64], len(s.Tables))
		for i, t := range s.Tables {
			pairs[i] = pair[float64]{Key: t.Table, Value: t.Count}
		}
		out["counts"] = pairs
	}
	return json.Marshal(out)
}

func (s *suffStats) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*s = suffStats{Scalars: make(map[string]float64, len(obj))}
	for _, key := range slices.Sorted(maps.Keys(obj)) {
		raw := obj[key]
		if isNull(raw) {
			continue
		}
		if key == "counts" {
			if err := s.decodeCounts(raw); err != nil {
				return fmt.Errorf("counts: %w", err)
			}
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("statistic %q: %w", key, err)
		}
		s.Scalars[key] = v
	}
	return nil
}

func (s *suffStats) decodeCounts(raw json.RawMessage) error {
	switch firstByte(raw) {
	case '{':
		var obj map[string]float64
		if err := json.Unmarshal(raw, &obj); err != nil {
			return err
		}
		s.Tables = make([]model.TableCount, 0, len(obj))
		for k, v := range obj {
			t, err := strconv.Atoi(k)
			if err != nil {
				return fmt.Errorf("table %q is not an integer", k)
			}
			s.Tables = append(s.Tables, model.TableCount{Table: t, Count: v})
		}
		slices.SortFunc(s.Tables, func(a, b model.TableCount) int { return a.Table - b.Table })
		return nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return err
		}
		if len(items) > 0 && firstByte(items[0]) == '[' {
			s.Tables = make([]model.TableCount, len(items))
			for i, it := range items {
				var p pair[float64]
				if err := json.Unmarshal(it, &p); err != nil {
					return err
				}
				s.Tables[i] = model.TableCount{Table: p.Key, Count: p.Value}
			}
			return nil
		}
		s.Counts = make([]float64, len(items))
		for i, it := range items {
			if err := json.Unmarshal(it, &s.Counts[i]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("want list or object")
	}
}

func decodeSuffstats(raw json.RawMessage, outputs []int) (map[int]map[int]model.SuffStats, error) {
	cols, err := decodePositional[map[string]suffStats]("suffstats", raw, outputs)
	if err != nil || cols == nil {
		return nil, err
	}
	out := make(map[int]map[int]model.SuffStats, len(cols))
	for col, byTable := range cols {
		if byTable == nil {
			out[col] = nil
			continue
		}
		tables := make(map[int]model.SuffStats, len(byTable))
		for k, st := range byTable {
			t, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("decoding suffstats: column %d: cluster key %q is not an integer", col, k)
			}
			tables[t] = model.SuffStats(st)
		}
		out[col] = tables
	}
	return out, nil
}

func encodeSuffstats(m map[int]map[int]model.SuffStats, outputs []int) any {
	if m == nil {
		return nil
	}
	cols := make(map[int]map[string]suffStats, len(m))
	for col, byTable := range m {
		if byTable == nil {
			cols[col] = nil
			continue
		}
		tables := make(map[string]suffStats, len(byTable))
		for t, st := range byTable {
			tables[strconv.Itoa(t)] = suffStats(st)
		}
		cols[col] = tables
	}
	return encodePositional(cols, outputs)
}
