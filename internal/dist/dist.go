// Package dist defines the leaf distributions of a compiled circuit.
//
// Distribution is a closed sum type: the only implementations are the seven
// structs in this file, and every switch over them in this repository ends
// in a default case that reports an unknown kind.
package dist

import (
	"fmt"
	"math"
)

// Kind names a leaf distribution family.
type Kind string

const (
	KindBernoulli        Kind = "bernoulli"
	KindBeta             Kind = "beta"
	KindCategorical      Kind = "categorical"
	KindLomax            Kind = "lomax"
	KindGeometric        Kind = "geometric"
	KindStudentT         Kind = "student_t"
	KindNegativeBinomial Kind = "negative_binomial"
)

// normTolerance bounds |sum(weights) - 1| for a categorical leaf.
const normTolerance = 1e-9

// Distribution is a leaf distribution.
type Distribution interface {
	Kind() Kind
	// Validate reports non-finite or out-of-domain parameters.
	Validate() error
	sealed()
}

// Bernoulli is a distribution on {0, 1} with P(1) = P.
type Bernoulli struct {
	P float64
}

// Beta is the beta distribution on (0, 1).
type Beta struct {
	Alpha float64
	Beta  float64
}

// Category is one outcome of a Categorical leaf.
type Category struct {
	Label  string
	Weight float64
}

// Categorical is a finite distribution over string labels. Categories keep
// the order they were built in.
type Categorical struct {
	Categories []Category
}

// Lomax is the Pareto type II distribution on [0, inf) with shape C.
type Lomax struct {
	C     float64
	Scale float64
}

// Geometric counts trials up to and including the first success, so its
// support is {1, 2, ...}.
type Geometric struct {
	P float64
}

// StudentT is the location-scale Student's t distribution.
type StudentT struct {
	DF    float64
	Loc   float64
	Scale float64
}

// NegativeBinomial counts failures before the N-th success, on {0, 1, ...}.
// N need not be an integer.
type NegativeBinomial struct {
	N float64
	P float64
}

func (Bernoulli) Kind() Kind        { return KindBernoulli }
func (Beta) Kind() Kind             { return KindBeta }
func (Categorical) Kind() Kind      { return KindCategorical }
func (Lomax) Kind() Kind            { return KindLomax }
func (Geometric) Kind() Kind        { return KindGeometric }
func (StudentT) Kind() Kind         { return KindStudentT }
func (NegativeBinomial) Kind() Kind { return KindNegativeBinomial }

func (Bernoulli) sealed()        {}
func (Beta) sealed()             {}
func (Categorical) sealed()      {}
func (Lomax) sealed()            {}
func (Geometric) sealed()        {}
func (StudentT) sealed()         {}
func (NegativeBinomial) sealed() {}

func (d Bernoulli) Validate() error {
	if !finite(d.P) || d.P < 0 || d.P > 1 {
		return fmt.Errorf("bernoulli p=%v outside [0, 1]", d.P)
	}
	return nil
}

func (d Beta) Validate() error {
	if !positive(d.Alpha) || !positive(d.Beta) {
		return fmt.Errorf("beta alpha=%v beta=%v must be positive", d.Alpha, d.Beta)
	}
	return nil
}

func (d Categorical) Validate() error {
	if len(d.Categories) == 0 {
		return fmt.Errorf("categorical has no categories")
	}
	seen := make(map[string]struct{}, len(d.Categories))
	total := 0.0
	for _, c := range d.Categories {
		if _, dup := seen[c.Label]; dup {
			return fmt.Errorf("categorical label %q repeated", c.Label)
		}
		seen[c.Label] = struct{}{}
		if !finite(c.Weight) || c.Weight < 0 {
			return fmt.Errorf("categorical weight %v for %q is not a probability", c.Weight, c.Label)
		}
		total += c.Weight
	}
	if math.Abs(total-1) > normTolerance {
		return fmt.Errorf("categorical weights sum to %v", total)
	}
	return nil
}

func (d Lomax) Validate() error {
	if !positive(d.C) || !positive(d.Scale) {
		return fmt.Errorf("lomax c=%v scale=%v must be positive", d.C, d.Scale)
	}
	return nil
}

func (d Geometric) Validate() error {
	if !finite(d.P) || d.P <= 0 || d.P > 1 {
		return fmt.Errorf("geometric p=%v outside (0, 1]", d.P)
	}
	return nil
}

func (d StudentT) Validate() error {
	if !positive(d.DF) || !positive(d.Scale) || !finite(d.Loc) {
		return fmt.Errorf("student_t df=%v loc=%v scale=%v out of domain", d.DF, d.Loc, d.Scale)
	}
	return nil
}

func (d NegativeBinomial) Validate() error {
	if !positive(d.N) || !finite(d.P) || d.P <= 0 || d.P > 1 {
		return fmt.Errorf("negative_binomial n=%v p=%v out of domain", d.N, d.P)
	}
	return nil
}

// Weight returns the probability of label, or 0 if it is not a category.
func (d Categorical) Weight(label string) float64 {
	for _, c := range d.Categories {
		if c.Label == label {
			return c.Weight
		}
	}
	return 0
}

// Labels returns the category labels in order.
func (d Categorical) Labels() []string {
	out := make([]string, len(d.Categories))
	for i, c := range d.Categories {
		out[i] = c.Label
	}
	return out
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func positive(x float64) bool {
	return finite(x) && x > 0
}
