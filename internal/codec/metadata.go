// Package codec reads and writes the persisted forms of models and circuits.
//
// Model metadata uses the fitting engine's JSON layout, which encodes several
// integer-keyed maps as arrays of [key, value] pairs or as lists aligned with
// "outputs", and whose sufficient statistics come back from a JSON round trip
// with string cluster keys. DecodeMetadata undoes all of that; EncodeMetadata
// writes the same layout back.
package codec

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hurttlocker/spcompile/internal/model"
)

type metadataIn struct {
	Outputs          []int           `json:"outputs"`
	CCTypes          json.RawMessage `json:"cctypes"`
	Hypers           json.RawMessage `json:"hypers"`
	Distargs         json.RawMessage `json:"distargs"`
	Suffstats        json.RawMessage `json:"suffstats"`
	Zv               json.RawMessage `json:"Zv"`
	Zrv              json.RawMessage `json:"Zrv"`
	ViewAlphas       json.RawMessage `json:"view_alphas"`
	ColumnNames      json.RawMessage `json:"column_names"`
	CategoryLabels   json.RawMessage `json:"category_labels"`
	IncorporatedCols []string        `json:"incorporated_cols"`
}

type metadataOut struct {
	Outputs          []int                     `json:"outputs"`
	CCTypes          any                       `json:"cctypes"`
	Hypers           any                       `json:"hypers"`
	Distargs         any                       `json:"distargs,omitempty"`
	Suffstats        any                       `json:"suffstats"`
	Zv               []pair[int]               `json:"Zv"`
	Zrv              []pair[[]int]             `json:"Zrv"`
	ViewAlphas       []pair[float64]           `json:"view_alphas"`
	ColumnNames      []pair[string]            `json:"column_names,omitempty"`
	CategoryLabels   []pair[map[string]string] `json:"category_labels,omitempty"`
	IncorporatedCols []string                  `json:"incorporated_cols,omitempty"`
}

// DecodeMetadata reads one model's metadata. It does not validate it; see
// model.Partition.
func DecodeMetadata(r io.Reader) (*model.Metadata, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	return UnmarshalMetadata(data)
}

// UnmarshalMetadata is DecodeMetadata on a byte slice.
func UnmarshalMetadata(data []byte) (*model.Metadata, error) {
	var in metadataIn
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid metadata JSON: %w", err)
	}
	return in.convert()
}

func (in *metadataIn) convert() (*model.Metadata, error) {
	md := &model.Metadata{
		Outputs:          in.Outputs,
		IncorporatedCols: in.IncorporatedCols,
	}
	var err error
	if md.CCTypes, err = decodePositional[string]("cctypes", in.CCTypes, in.Outputs); err != nil {
		return nil, err
	}
	if md.Hypers, err = decodePositional[map[string]float64]("hypers", in.Hypers, in.Outputs); err != nil {
		return nil, err
	}
	if md.Distargs, err = decodePositional[map[string]float64]("distargs", in.Distargs, in.Outputs); err != nil {
		return nil, err
	}
	if md.Suffstats, err = decodeSuffstats(in.Suffstats, in.Outputs); err != nil {
		return nil, err
	}
	if md.Zv, err = decodeKeyed[int]("Zv", in.Zv); err != nil {
		return nil, err
	}
	if md.Zrv, err = decodeKeyed[[]int]("Zrv", in.Zrv); err != nil {
		return nil, err
	}
	if md.ViewAlphas, err = decodeKeyed[float64]("view_alphas", in.ViewAlphas); err != nil {
		return nil, err
	}
	if md.ColumnNames, err = decodeKeyed[string]("column_names", in.ColumnNames); err != nil {
		return nil, err
	}
	labels, err := decodeKeyed[map[string]string]("category_labels", in.CategoryLabels)
	if err != nil {
		return nil, err
	}
	if labels != nil {
		md.CategoryLabels = make(map[int]map[int]string, len(labels))
		for col, byCode := range labels {
			codes, err := decodeObject[string](fmt.Sprintf("category_labels[%d]", col), mustJSON(byCode))
			if err != nil {
				return nil, err
			}
			md.CategoryLabels[col] = codes
		}
	}
	return md, nil
}

// EncodeMetadata writes md in the fitting engine's layout. Pairs are written
// in a fixed order (Zv in output order, view-keyed fields in first-seen view
// order), so equal metadata always encodes to equal bytes.
func EncodeMetadata(w io.Writer, md *model.Metadata) error {
	data, err := MarshalMetadata(md)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// MarshalMetadata is EncodeMetadata into a byte slice.
func MarshalMetadata(md *model.Metadata) ([]byte, error) {
	views := md.ViewOrder()
	out := metadataOut{
		Outputs:          md.Outputs,
		CCTypes:          encodePositional(md.CCTypes, md.Outputs),
		Hypers:           encodePositional(md.Hypers, md.Outputs),
		Distargs:         encodePositional(md.Distargs, md.Outputs),
		Suffstats:        encodeSuffstats(md.Suffstats, md.Outputs),
		Zv:               encodePairs(md.Zv, md.Outputs),
		Zrv:              encodePairs(md.Zrv, views),
		ViewAlphas:       encodePairs(md.ViewAlphas, views),
		ColumnNames:      encodePairs(md.ColumnNames, md.Outputs),
		IncorporatedCols: md.IncorporatedCols,
	}
	if md.CategoryLabels != nil {
		labels := make(map[int]map[string]string, len(md.CategoryLabels))
		for col, byCode := range md.CategoryLabels {
			if byCode == nil {
				labels[col] = nil
				continue
			}
			labels[col] = encodeObject(byCode)
		}
		out.CategoryLabels = encodePairs(labels, md.Outputs)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return data, nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
