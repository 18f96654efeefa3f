package codec

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hurttlocker/spcompile/internal/model"
)

// Ensemble is a saved analysis: several independently fitted states of the
// same table plus the column name mapping they share.
type Ensemble struct {
	States    []*model.Metadata
	ColumnIDs map[string]int
}

type ensembleIn struct {
	MetadataList []json.RawMessage `json:"metadata_list"`
	ColumnIDs    map[string]int    `json:"col_name_id_mapping"`
}

// Mapping returns the ensemble's column names as a companion mapping.
func (e *Ensemble) Mapping() *Mapping {
	if len(e.ColumnIDs) == 0 {
		return nil
	}
	return &Mapping{ColumnIDs: e.ColumnIDs}
}

// DecodeEnsemble reads a saved ensemble file.
func DecodeEnsemble(r io.Reader) (*Ensemble, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading ensemble: %w", err)
	}
	var in ensembleIn
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid ensemble JSON: %w", err)
	}
	if in.MetadataList == nil {
		return nil, fmt.Errorf("ensemble has no metadata_list")
	}
	return in.convert()
}

func (in *ensembleIn) convert() (*Ensemble, error) {
	e := &Ensemble{
		States:    make([]*model.Metadata, len(in.MetadataList)),
		ColumnIDs: in.ColumnIDs,
	}
	for i, raw := range in.MetadataList {
		md, err := UnmarshalMetadata(raw)
		if err != nil {
			return nil, fmt.Errorf("state %d: %w", i, err)
		}
		e.States[i] = md
	}
	return e, nil
}

// DecodeStates reads either a single metadata record or an ensemble file and
// returns the states it holds. The mapping is nil unless the input was an
// ensemble carrying column names.
func DecodeStates(r io.Reader) ([]*model.Metadata, *Mapping, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading metadata: %w", err)
	}
	var probe struct {
		MetadataList json.RawMessage `json:"metadata_list"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, fmt.Errorf("invalid metadata JSON: %w", err)
	}
	if probe.MetadataList == nil {
		md, err := UnmarshalMetadata(data)
		if err != nil {
			return nil, nil, err
		}
		return []*model.Metadata{md}, nil, nil
	}
	var in ensembleIn
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, nil, fmt.Errorf("invalid ensemble JSON: %w", err)
	}
	e, err := in.convert()
	if err != nil {
		return nil, nil, err
	}
	return e.States, e.Mapping(), nil
}
