package compile

import (
	"errors"
	"maps"
	"math"
	"slices"
	"strconv"

	"gonum.org/v1/gonum/floats"

	"github.com/hurttlocker/spcompile/internal/circuit"
	"github.com/hurttlocker/spcompile/internal/dist"
	"github.com/hurttlocker/spcompile/internal/model"
	"github.com/hurttlocker/spcompile/internal/predictive"
)

// ClusterWeights returns the tables of a view, ascending with the auxiliary
// table last, and their log-normalized CRP weights: each existing table
// weighs its member count and the auxiliary table weighs alpha.
func ClusterWeights(rows []int, alpha float64) ([]int, []float64, error) {
	if math.IsNaN(alpha) || math.IsInf(alpha, 0) || alpha <= 0 {
		return nil, nil, model.NewConversionError("", model.None, "concentration alpha=%v must be positive and finite", alpha)
	}

	counts := make(map[int]int)
	for _, t := range rows {
		counts[t]++
	}
	tables := slices.Sorted(maps.Keys(counts))
	aux := 0
	if len(tables) > 0 {
		aux = tables[len(tables)-1] + 1
	}

	logWeights := make([]float64, 0, len(tables)+1)
	for _, t := range tables {
		logWeights = append(logWeights, math.Log(float64(counts[t])))
	}
	logWeights = append(logWeights, math.Log(alpha))

	norm := floats.LogSumExp(logWeights)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, nil, model.NewConversionError("", model.None, "cluster weights do not normalize (log total %v)", norm)
	}
	floats.AddConst(-norm, logWeights)

	return append(tables, aux), logWeights, nil
}

// AssembleClusters builds one product node per table of v, in the order of
// ClusterWeights, together with the tables' log weights.
func AssembleClusters(m *model.Model, v *model.View, opts Options) ([]circuit.Node, []float64, error) {
	tables, logWeights, err := ClusterWeights(v.Rows, v.Alpha)
	if err != nil {
		return nil, nil, locate(err, v.ID, model.None, model.None)
	}

	products := make([]circuit.Node, len(tables))
	for i, t := range tables {
		p, err := assembleCluster(m, v, t, opts)
		if err != nil {
			return nil, nil, err
		}
		products[i] = p
	}
	return products, logWeights, nil
}

func assembleCluster(m *model.Model, v *model.View, table int, opts Options) (*circuit.Product, error) {
	cl, ok := v.Cluster(table)
	if !ok {
		ce := model.NewConversionError("", model.None, "view has no cluster with this table id")
		return nil, ce.At(v.ID, table, model.None)
	}
	aux := table == v.Aux.Table

	width := len(v.Columns)
	if opts.Indicators {
		width *= 2
	}
	children := make([]circuit.Node, 0, width)

	for _, o := range v.Columns {
		col, ok := m.Column(o)
		if !ok {
			ce := model.NewConversionError("", o, "view lists a column the model does not have")
			return nil, ce.At(v.ID, table, o)
		}
		st, ok := cl.Stats[o]
		if !ok {
			if !aux {
				ce := model.NewConversionError(col.Family, o, "missing sufficient statistics")
				return nil, ce.At(v.ID, table, o)
			}
			st = predictive.Prior(*col)
		}
		d, err := predictive.Synthesize(*col, st)
		if err != nil {
			return nil, locate(err, v.ID, table, o)
		}
		x, _ := Symbols(*col)
		children = append(children, &circuit.Leaf{Symbol: x, Dist: d})
	}

	if opts.Indicators {
		label := strconv.Itoa(table)
		for _, o := range v.Columns {
			col, _ := m.Column(o)
			_, z := Symbols(*col)
			children = append(children, &circuit.Leaf{
				Symbol: z,
				Dist:   dist.Categorical{Categories: []dist.Category{{Label: label, Weight: 1}}},
			})
		}
	}
	return &circuit.Product{Children: children}, nil
}

func locate(err error, view, cluster, column int) error {
	var ce *model.ConversionError
	if errors.As(err, &ce) {
		ce.At(view, cluster, column)
	}
	return err
}
