package model

import (
	"errors"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

var metadataValidate = newMetadataValidator()

func newMetadataValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Partition validates md and groups it into views and clusters.
//
// Columns are grouped by view id, with views ordered by first appearance when
// scanning md.Outputs in order. Clusters within a view are sorted by table id.
// The result owns copies of everything it holds; md is not modified.
func Partition(md *Metadata) (*Model, error) {
	if md == nil {
		return nil, invalid("", "metadata is nil")
	}
	if err := checkStruct(md); err != nil {
		return nil, err
	}

	m := &Model{
		Columns: make([]Column, 0, len(md.Outputs)),
		byIndex: make(map[int]int, len(md.Outputs)),
	}
	outputs := make(map[int]struct{}, len(md.Outputs))
	viewColumns := make(map[int][]int)
	var viewOrder []int

	for _, o := range md.Outputs {
		outputs[o] = struct{}{}
		col, err := buildColumn(md, o)
		if err != nil {
			return nil, err
		}
		m.byIndex[o] = len(m.Columns)
		m.Columns = append(m.Columns, col)

		vid, ok := md.Zv[o]
		if !ok {
			return nil, invalid("Zv", "column has no view assignment").at(None, None, o)
		}
		if _, seen := viewColumns[vid]; !seen {
			viewOrder = append(viewOrder, vid)
		}
		viewColumns[vid] = append(viewColumns[vid], o)
	}

	if err := m.CheckSymbols(false); err != nil {
		return nil, err
	}

	for _, c := range slices.Sorted(maps.Keys(md.Zv)) {
		if _, ok := outputs[c]; !ok {
			return nil, invalid("Zv", "view assignment for unknown column").at(md.Zv[c], None, c)
		}
	}

	m.Views = make([]View, 0, len(viewOrder))
	for _, vid := range viewOrder {
		v, err := buildView(md, vid, viewColumns[vid])
		if err != nil {
			return nil, err
		}
		if len(m.Views) > 0 && len(v.Rows) != len(m.Views[0].Rows) {
			return nil, invalid("Zrv", "view assigns %d rows but view %d assigns %d",
				len(v.Rows), m.Views[0].ID, len(m.Views[0].Rows)).at(vid, None, None)
		}
		m.Views = append(m.Views, v)
	}
	return m, nil
}

func checkStruct(md *Metadata) error {
	err := metadataValidate.Struct(md)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return invalid(fe.Field(), "failed %s=%s check", fe.Tag(), fe.Param())
		}
		return invalid(fe.Field(), "failed %s check", fe.Tag())
	}
	return invalid("", "%v", err)
}

func buildColumn(md *Metadata, o int) (Column, error) {
	cctype, ok := md.CCTypes[o]
	if !ok || cctype == "" {
		return Column{}, invalid("cctypes", "column has no family").at(None, None, o)
	}
	family := Family(cctype)
	if !family.Supported() {
		return Column{}, invalid("cctypes", "unsupported family %q", cctype).at(None, None, o)
	}
	hypers, ok := md.Hypers[o]
	if !ok || hypers == nil {
		return Column{}, invalid("hypers", "column has no hyperparameters").at(None, None, o)
	}

	col := Column{
		Index:    o,
		Family:   family,
		Hypers:   maps.Clone(hypers),
		Distargs: maps.Clone(md.Distargs[o]),
	}
	switch {
	case md.ColumnNames[o] != "":
		col.Name = md.ColumnNames[o]
	case o < len(md.IncorporatedCols):
		col.Name = md.IncorporatedCols[o]
	}
	if family == FamilyCategorical {
		col.Categories = maps.Clone(md.CategoryLabels[o])
	}
	return col, nil
}

func buildView(md *Metadata, vid int, columns []int) (View, error) {
	rows, ok := md.Zrv[vid]
	if !ok {
		return View{}, invalid("Zrv", "view has no row assignment").at(vid, None, columns[0])
	}
	alpha, ok := md.ViewAlphas[vid]
	if !ok {
		return View{}, invalid("view_alphas", "view has no concentration parameter").at(vid, None, None)
	}

	counts := make(map[int]int)
	for r, t := range rows {
		if t < 0 {
			return View{}, invalid("Zrv", "row %d assigned to negative table %d", r, t).at(vid, None, None)
		}
		counts[t]++
	}
	tables := slices.Sorted(maps.Keys(counts))

	v := View{
		ID:       vid,
		Alpha:    alpha,
		Rows:     slices.Clone(rows),
		Columns:  slices.Clone(columns),
		Clusters: make([]Cluster, 0, len(tables)),
	}
	for _, t := range tables {
		c := Cluster{Table: t, Count: counts[t], Stats: make(map[int]SuffStats, len(columns))}
		for _, o := range columns {
			st, ok := md.Suffstats[o][t]
			if !ok {
				return View{}, invalid("suffstats", "no sufficient statistics for assigned cluster").at(vid, t, o)
			}
			c.Stats[o] = cloneStats(st)
		}
		v.Clusters = append(v.Clusters, c)
	}

	aux := 0
	if len(tables) > 0 {
		aux = tables[len(tables)-1] + 1
	}
	v.Aux = Cluster{Table: aux, Stats: make(map[int]SuffStats)}
	for _, o := range columns {
		if st, ok := md.Suffstats[o][aux]; ok {
			v.Aux.Stats[o] = cloneStats(st)
		}
	}
	return v, nil
}

func cloneStats(s SuffStats) SuffStats {
	return SuffStats{
		Scalars: maps.Clone(s.Scalars),
		Counts:  slices.Clone(s.Counts),
		Tables:  slices.Clone(s.Tables),
	}
}
