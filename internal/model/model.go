// Package model holds the typed, validated form of a fitted CrossCat model:
// columns grouped into views, rows grouped into clusters within each view, and
// per (column, cluster) sufficient statistics.
//
// Raw metadata (as produced by the fitting engine and reversed by the codec)
// lives in Metadata. Partition validates it and builds a Model, which is the
// only structure the compiler reads.
package model

import (
	"fmt"
	"slices"
)

// Family is a column's likelihood family; each one has a conjugate prior.
type Family string

const (
	FamilyBernoulli   Family = "bernoulli"
	FamilyBeta        Family = "beta"
	FamilyCategorical Family = "categorical"
	FamilyCRP         Family = "crp"
	FamilyExponential Family = "exponential"
	FamilyGeometric   Family = "geometric"
	FamilyNormal      Family = "normal"
	FamilyPoisson     Family = "poisson"
)

// Families lists every supported family.
var Families = []Family{
	FamilyBernoulli,
	FamilyBeta,
	FamilyCategorical,
	FamilyCRP,
	FamilyExponential,
	FamilyGeometric,
	FamilyNormal,
	FamilyPoisson,
}

// Supported reports whether f is one of Families.
func (f Family) Supported() bool {
	return slices.Contains(Families, f)
}

// TableCount is one (table, member count) entry of a crp column's statistics.
type TableCount struct {
	Table int
	Count float64
}

// SuffStats is the sufficient-statistics record of one (column, cluster).
type SuffStats struct {
	Scalars map[string]float64 // N, sum_x, sum_x_sq, x_sum, ...
	Counts  []float64          // categorical per-category counts
	Tables  []TableCount       // crp table counts
}

// Get returns a scalar statistic.
func (s SuffStats) Get(key string) (float64, bool) {
	v, ok := s.Scalars[key]
	return v, ok
}

// Column is one modeled output variable.
type Column struct {
	Index      int
	Family     Family
	Hypers     map[string]float64
	Distargs   map[string]float64
	Name       string         // optional display name
	Categories map[int]string // optional code -> label, categorical only
}

// Symbols returns the value and cluster-indicator symbols of c: its display
// name and "<name>_cluster", or "X[i]" and "Z[i]" when unnamed.
func (c Column) Symbols() (x, z string) {
	if c.Name != "" {
		return c.Name, c.Name + "_cluster"
	}
	return fmt.Sprintf("X[%d]", c.Index), fmt.Sprintf("Z[%d]", c.Index)
}

// Cluster is one table of a view's row partition.
type Cluster struct {
	Table int
	Count int               // rows assigned during fitting
	Stats map[int]SuffStats // by column index
}

// View is a group of jointly partitioned columns.
type View struct {
	ID       int
	Alpha    float64
	Rows     []int // row -> table
	Columns  []int // column indices in output order
	Clusters []Cluster

	// Aux is the auxiliary table (max existing table + 1). Its Stats hold
	// whatever the fitting engine recorded for that table, often nothing.
	Aux Cluster
}

// Cluster returns the cluster with the given table id, including Aux.
func (v *View) Cluster(table int) (*Cluster, bool) {
	i, found := slices.BinarySearchFunc(v.Clusters, table, func(c Cluster, t int) int {
		return c.Table - t
	})
	if found {
		return &v.Clusters[i], true
	}
	if table == v.Aux.Table {
		return &v.Aux, true
	}
	return nil, false
}

// Model is a validated, partitioned model.
type Model struct {
	Columns []Column
	Views   []View

	byIndex map[int]int
}

// Column returns the column with the given output index.
func (m *Model) Column(index int) (*Column, bool) {
	i, ok := m.byIndex[index]
	if !ok {
		return nil, false
	}
	return &m.Columns[i], true
}

// Rows returns the number of rows the model was fitted on.
func (m *Model) Rows() int {
	if len(m.Views) == 0 {
		return 0
	}
	return len(m.Views[0].Rows)
}

// CheckSymbols reports the first symbol claimed by two columns. Indicator
// symbols take part only when indicators is set.
func (m *Model) CheckSymbols(indicators bool) error {
	owners := make(map[string]int, 2*len(m.Columns))
	claim := func(sym string, col int) error {
		if prev, dup := owners[sym]; dup {
			return invalid("column_names", "symbol %q used by columns %d and %d", sym, prev, col).at(None, None, col)
		}
		owners[sym] = col
		return nil
	}
	for _, c := range m.Columns {
		x, z := c.Symbols()
		if err := claim(x, c.Index); err != nil {
			return err
		}
		if !indicators {
			continue
		}
		if err := claim(z, c.Index); err != nil {
			return err
		}
	}
	return nil
}
