// Package compile turns a partitioned model into a sum-product circuit.
//
// Each view becomes a weighted sum over one product node per cluster, plus
// one product for an auxiliary, not yet observed cluster carrying the CRP
// concentration mass. Views are independent given the partition, so the
// root is a product over the view nodes.
package compile

import (
	"errors"
	"log/slog"

	"github.com/hurttlocker/spcompile/internal/circuit"
	"github.com/hurttlocker/spcompile/internal/model"
)

// Options configures a compilation.
type Options struct {
	// Indicators adds, to every cluster product, one leaf per column over
	// that column's cluster-membership variable, fixed to the cluster's
	// table id.
	Indicators bool

	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

// Compile builds the circuit for m. The result is fully determined by m and
// opts.Indicators.
func Compile(m *model.Model, opts Options) (*circuit.Circuit, error) {
	if m == nil || len(m.Views) == 0 {
		return nil, errors.New("compile: model has no views")
	}
	log := opts.logger()
	if opts.Indicators {
		if err := m.CheckSymbols(true); err != nil {
			return nil, err
		}
	}

	views := make([]circuit.Node, 0, len(m.Views))
	for i := range m.Views {
		v := &m.Views[i]
		node, err := AssembleView(m, v, opts)
		if err != nil {
			return nil, err
		}
		log.Debug("assembled view",
			"view", v.ID,
			"columns", len(v.Columns),
			"clusters", len(v.Clusters)+1,
		)
		views = append(views, node)
	}

	var root circuit.Node
	if len(views) == 1 {
		root = views[0]
	} else {
		root = &circuit.Product{Children: views}
	}

	vars := make([]circuit.Variable, 0, len(m.Columns))
	for _, col := range m.Columns {
		x, z := Symbols(col)
		v := circuit.Variable{Column: col.Index, Symbol: x}
		if opts.Indicators {
			v.Indicator = z
		}
		vars = append(vars, v)
	}

	c := &circuit.Circuit{Root: root, Variables: vars}
	st := circuit.Summarize(root)
	log.Info("compiled circuit",
		"views", len(m.Views),
		"columns", len(m.Columns),
		"nodes", st.Nodes(),
		"leaves", st.Leaves,
	)
	return c, nil
}

// AssembleView returns the node for one view: a Sum over its cluster
// products, or the product itself when the view has a single cluster.
func AssembleView(m *model.Model, v *model.View, opts Options) (circuit.Node, error) {
	products, logWeights, err := AssembleClusters(m, v, opts)
	if err != nil {
		return nil, err
	}
	if len(products) == 1 {
		return products[0], nil
	}
	return &circuit.Sum{Children: products, LogWeights: logWeights}, nil
}

// Symbols returns the value and cluster-indicator symbols of a column: its
// display name and "<name>_cluster", or "X[i]" and "Z[i]" when unnamed.
func Symbols(col model.Column) (x, z string) {
	return col.Symbols()
}

// LeafCount is the number of leaves Compile produces for m.
func LeafCount(m *model.Model, opts Options) int {
	perColumn := 1
	if opts.Indicators {
		perColumn = 2
	}
	n := 0
	for _, v := range m.Views {
		n += (len(v.Clusters) + 1) * len(v.Columns) * perColumn
	}
	return n
}
