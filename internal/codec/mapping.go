package codec

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/hurttlocker/spcompile/internal/model"
)

// Mapping is the companion artifact written next to fitted metadata. It
// names the columns and maps each categorical column's labels to the integer
// codes the fitting engine saw. YAML is a superset of JSON, so either form
// decodes.
type Mapping struct {
	ColumnIDs  map[string]int            `yaml:"col_name_id_mapping" json:"col_name_id_mapping"`
	Categories map[string]map[string]int `yaml:"mapping_table" json:"mapping_table,omitempty"`
}

// DecodeMapping reads a companion mapping file.
func DecodeMapping(r io.Reader) (*Mapping, error) {
	var m Mapping
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		if err == io.EOF {
			return &Mapping{}, nil
		}
		return nil, fmt.Errorf("decoding mapping: %w", err)
	}
	return &m, nil
}

// Apply fills md's column names and categorical labels from m. Names already
// present in md are overwritten. A mapping_table entry is resolved to a
// column through col_name_id_mapping, or by its position in
// md.IncorporatedCols when the column is not listed there.
func (m *Mapping) Apply(md *model.Metadata) error {
	if m == nil {
		return nil
	}
	outputs := make(map[int]struct{}, len(md.Outputs))
	for _, o := range md.Outputs {
		outputs[o] = struct{}{}
	}

	for _, name := range slices.Sorted(maps.Keys(m.ColumnIDs)) {
		idx := m.ColumnIDs[name]
		if _, ok := outputs[idx]; !ok {
			continue
		}
		if md.ColumnNames == nil {
			md.ColumnNames = make(map[int]string, len(m.ColumnIDs))
		}
		md.ColumnNames[idx] = name
	}

	for _, name := range slices.Sorted(maps.Keys(m.Categories)) {
		idx, ok := m.resolve(name, md)
		if !ok {
			return fmt.Errorf("mapping_table: column %q is not in the model", name)
		}
		labels := make(map[int]string, len(m.Categories[name]))
		for _, label := range slices.Sorted(maps.Keys(m.Categories[name])) {
			code := m.Categories[name][label]
			if prev, dup := labels[code]; dup {
				return fmt.Errorf("mapping_table: column %q: code %d used by both %q and %q", name, code, prev, label)
			}
			labels[code] = label
		}
		if md.CategoryLabels == nil {
			md.CategoryLabels = make(map[int]map[int]string, len(m.Categories))
		}
		md.CategoryLabels[idx] = labels
	}
	return nil
}

func (m *Mapping) resolve(name string, md *model.Metadata) (int, bool) {
	if idx, ok := m.ColumnIDs[name]; ok {
		return idx, true
	}
	i := slices.Index(md.IncorporatedCols, name)
	if i < 0 || !slices.Contains(md.Outputs, i) {
		return 0, false
	}
	return i, true
}
