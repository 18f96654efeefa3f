package circuit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/hurttlocker/spcompile/internal/dist"
)

// Assignment maps symbols to observed values. Categorical leaves take string
// labels; numeric leaves take float64, int or a numeric string.
type Assignment map[string]any

// LogProb returns the exact marginal log-probability of a (possibly partial)
// assignment. Variables missing from a are summed or integrated out, which at
// a leaf means a factor of 1. Symbols in a that no leaf mentions are an error.
func LogProb(n Node, a Assignment) (float64, error) {
	if len(a) > 0 {
		scope := make(map[string]struct{})
		for _, l := range Leaves(n) {
			scope[l.Symbol] = struct{}{}
		}
		for sym := range a {
			if _, ok := scope[sym]; !ok {
				return 0, fmt.Errorf("unknown variable %q", sym)
			}
		}
	}
	return logProb(n, a)
}

// Prob is exp(LogProb).
func Prob(n Node, a Assignment) (float64, error) {
	lp, err := LogProb(n, a)
	if err != nil {
		return 0, err
	}
	return math.Exp(lp), nil
}

func logProb(n Node, a Assignment) (float64, error) {
	switch n := n.(type) {
	case *Leaf:
		v, ok := a[n.Symbol]
		if !ok {
			return 0, nil
		}
		lp, err := dist.LogProb(n.Dist, v)
		if err != nil {
			return 0, fmt.Errorf("variable %q: %w", n.Symbol, err)
		}
		return lp, nil
	case *Product:
		total := 0.0
		for _, c := range n.Children {
			lp, err := logProb(c, a)
			if err != nil {
				return 0, err
			}
			total += lp
		}
		return total, nil
	case *Sum:
		if len(n.Children) == 0 || len(n.Children) != len(n.LogWeights) {
			return 0, fmt.Errorf("sum node has %d children and %d weights", len(n.Children), len(n.LogWeights))
		}
		terms := make([]float64, len(n.Children))
		for i, c := range n.Children {
			lp, err := logProb(c, a)
			if err != nil {
				return 0, err
			}
			terms[i] = n.LogWeights[i] + lp
		}
		if math.IsInf(floats.Max(terms), -1) {
			return math.Inf(-1), nil
		}
		return floats.LogSumExp(terms), nil
	default:
		return 0, fmt.Errorf("unknown node type %T", n)
	}
}
