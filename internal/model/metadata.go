package model

import "slices"

// Metadata is the raw model record produced by the fitting engine, after the
// codec has reversed its serialization quirks. Every map is keyed by the
// column index from Outputs, except Zrv and ViewAlphas which are keyed by
// view id, and the inner Suffstats map which is keyed by table id.
type Metadata struct {
	Outputs    []int                      `json:"outputs" validate:"required,min=1,unique,dive,gte=0"`
	CCTypes    map[int]string             `json:"cctypes" validate:"required"`
	Hypers     map[int]map[string]float64 `json:"hypers" validate:"required"`
	Distargs   map[int]map[string]float64 `json:"distargs"`
	Suffstats  map[int]map[int]SuffStats  `json:"suffstats" validate:"required"`
	Zv         map[int]int                `json:"Zv" validate:"required"`
	Zrv        map[int][]int              `json:"Zrv" validate:"required"`
	ViewAlphas map[int]float64            `json:"view_alphas" validate:"required"`

	// Optional companions: display names and categorical code labels.
	ColumnNames    map[int]string         `json:"column_names,omitempty"`
	CategoryLabels map[int]map[int]string `json:"category_labels,omitempty"`

	// IncorporatedCols is written by streaming inference when the output
	// indices no longer line up with the training data's column order.
	IncorporatedCols []string `json:"incorporated_cols,omitempty"`
}

// ViewOrder returns the distinct view ids of Zv in order of first appearance
// when scanning Outputs. Views known only from Zrv or ViewAlphas come last,
// sorted ascending.
func (md *Metadata) ViewOrder() []int {
	seen := make(map[int]struct{})
	var order []int
	for _, o := range md.Outputs {
		v, ok := md.Zv[o]
		if !ok {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		order = append(order, v)
	}
	var rest []int
	for v := range md.Zrv {
		if _, dup := seen[v]; !dup {
			seen[v] = struct{}{}
			rest = append(rest, v)
		}
	}
	for v := range md.ViewAlphas {
		if _, dup := seen[v]; !dup {
			seen[v] = struct{}{}
			rest = append(rest, v)
		}
	}
	slices.Sort(rest)
	return append(order, rest...)
}
