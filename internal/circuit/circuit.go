// Package circuit defines sum-product circuits: trees of product nodes,
// weighted-sum nodes and leaf distributions over named variables.
//
// A compiled circuit is immutable. Nothing in this package modifies a node
// after construction.
package circuit

import (
	"slices"

	"github.com/hurttlocker/spcompile/internal/dist"
)

// Node is a circuit node: *Leaf, *Product or *Sum.
type Node interface {
	node()
}

// Leaf binds one variable to a distribution.
type Leaf struct {
	Symbol string
	Dist   dist.Distribution
}

// Product combines children with disjoint scopes as independent factors.
type Product struct {
	Children []Node
}

// Sum is a mixture of children over the same scope. LogWeights are
// log-normalized: their exponentials sum to 1.
type Sum struct {
	Children   []Node
	LogWeights []float64
}

func (*Leaf) node()    {}
func (*Product) node() {}
func (*Sum) node()     {}

// Variable ties a model column to the symbols it appears under.
type Variable struct {
	Column    int
	Symbol    string
	Indicator string // cluster-membership symbol; empty when not compiled
}

// Circuit is a compiled model.
type Circuit struct {
	Root      Node
	Variables []Variable
}

// Walk visits n and its descendants depth-first, parents before children.
// Returning false from fn skips the node's children.
func Walk(n Node, fn func(n Node, depth int) bool) {
	walk(n, 0, fn)
}

func walk(n Node, depth int, fn func(Node, int) bool) {
	if !fn(n, depth) {
		return
	}
	switch n := n.(type) {
	case *Product:
		for _, c := range n.Children {
			walk(c, depth+1, fn)
		}
	case *Sum:
		for _, c := range n.Children {
			walk(c, depth+1, fn)
		}
	}
}

// Leaves returns every leaf under n in depth-first order.
func Leaves(n Node) []*Leaf {
	var out []*Leaf
	Walk(n, func(n Node, _ int) bool {
		if l, ok := n.(*Leaf); ok {
			out = append(out, l)
		}
		return true
	})
	return out
}

// Scope returns the sorted, distinct symbols under n.
func Scope(n Node) []string {
	seen := make(map[string]struct{})
	for _, l := range Leaves(n) {
		seen[l.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Stats summarizes the shape of a circuit.
type Stats struct {
	Sums     int `json:"sums"`
	Products int `json:"products"`
	Leaves   int `json:"leaves"`
	Depth    int `json:"depth"`
}

// Nodes returns the total node count.
func (s Stats) Nodes() int { return s.Sums + s.Products + s.Leaves }

// Summarize counts the nodes under n.
func Summarize(n Node) Stats {
	var st Stats
	Walk(n, func(n Node, depth int) bool {
		switch n.(type) {
		case *Leaf:
			st.Leaves++
		case *Product:
			st.Products++
		case *Sum:
			st.Sums++
		}
		if depth+1 > st.Depth {
			st.Depth = depth + 1
		}
		return true
	})
	return st
}
