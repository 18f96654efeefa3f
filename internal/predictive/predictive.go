// Package predictive computes closed-form posterior-predictive distributions
// for one (column, cluster) pair from the column's conjugate-prior
// hyperparameters and the cluster's sufficient statistics.
package predictive

import (
	"cmp"
	"math"
	"slices"
	"strconv"

	"github.com/hurttlocker/spcompile/internal/dist"
	"github.com/hurttlocker/spcompile/internal/model"
)

// Synthesize returns the posterior predictive of col given stats.
//
// Failures are *model.ConversionError values carrying the column index; the
// caller attaches the view and cluster.
func Synthesize(col model.Column, stats model.SuffStats) (dist.Distribution, error) {
	s := synth{col: col, stats: stats}
	var d dist.Distribution
	switch col.Family {
	case model.FamilyBernoulli:
		d = s.bernoulli()
	case model.FamilyBeta:
		d = s.beta()
	case model.FamilyCategorical:
		d = s.categorical()
	case model.FamilyCRP:
		d = s.crp()
	case model.FamilyExponential:
		d = s.exponential()
	case model.FamilyGeometric:
		d = s.geometric()
	case model.FamilyNormal:
		d = s.normal()
	case model.FamilyPoisson:
		d = s.poisson()
	default:
		return nil, model.NewConversionError(col.Family, col.Index, "unsupported family")
	}
	if s.err != nil {
		return nil, s.err
	}
	if err := d.Validate(); err != nil {
		ce := model.NewConversionError(col.Family, col.Index, "degenerate posterior predictive")
		ce.Err = err
		return nil, ce
	}
	return d, nil
}

// Prior returns the zero-count statistics of col, so that Synthesize yields
// the prior predictive. Used for a view's auxiliary cluster.
func Prior(col model.Column) model.SuffStats {
	st := model.SuffStats{Scalars: map[string]float64{"N": 0}}
	switch col.Family {
	case model.FamilyBernoulli:
		st.Scalars["x_sum"] = 0
	case model.FamilyCategorical:
		if k, ok := col.Distargs["k"]; ok && k >= 0 && k == math.Trunc(k) {
			st.Counts = make([]float64, int(k))
		}
	case model.FamilyExponential, model.FamilyGeometric, model.FamilyPoisson:
		st.Scalars["sum_x"] = 0
	case model.FamilyNormal:
		st.Scalars["sum_x"] = 0
		st.Scalars["sum_x_sq"] = 0
	}
	return st
}

// synth records the first lookup failure so the per-family formulas read
// straight through.
type synth struct {
	col   model.Column
	stats model.SuffStats
	err   error
}

func (s *synth) fail(reason string, args ...any) {
	if s.err == nil {
		s.err = model.NewConversionError(s.col.Family, s.col.Index, reason, args...)
	}
}

func (s *synth) hyper(key string) float64 {
	v, ok := s.col.Hypers[key]
	if !ok {
		s.fail("missing hyperparameter %q", key)
	}
	return v
}

func (s *synth) stat(key string) float64 {
	v, ok := s.stats.Get(key)
	if !ok {
		s.fail("missing sufficient statistic %q", key)
	}
	return v
}

func (s *synth) bernoulli() dist.Distribution {
	alpha := s.hyper("alpha")
	beta := s.hyper("beta")
	n := s.stat("N")
	xSum := s.stat("x_sum")
	return dist.Bernoulli{P: (xSum + alpha) / (n + alpha + beta)}
}

// beta is not updated by data; only the prior's strength and balance matter.
func (s *synth) beta() dist.Distribution {
	strength := s.hyper("strength")
	balance := s.hyper("balance")
	return dist.Beta{Alpha: strength * balance, Beta: strength * (1 - balance)}
}

func (s *synth) categorical() dist.Distribution {
	alpha := s.hyper("alpha")
	kf, ok := s.col.Distargs["k"]
	if !ok {
		s.fail("missing distribution argument \"k\"")
		return nil
	}
	if kf < 1 || kf != math.Trunc(kf) {
		s.fail("distribution argument k=%v is not a positive integer", kf)
		return nil
	}
	k := int(kf)
	if len(s.stats.Counts) < k {
		s.fail("sufficient statistic \"counts\" has %d entries, want %d", len(s.stats.Counts), k)
		return nil
	}

	weights := make([]float64, k)
	for i := range weights {
		weights[i] = alpha + s.stats.Counts[i]
	}
	labels := make([]string, k)
	for i := range labels {
		if l, ok := s.col.Categories[i]; ok {
			labels[i] = l
		} else {
			labels[i] = strconv.Itoa(i)
		}
	}
	return normalized(labels, weights)
}

// crp spreads mass over the existing tables by member count, plus alpha on a
// fresh table. Labels are positional: "0".."len(tables)".
func (s *synth) crp() dist.Distribution {
	alpha := s.hyper("alpha")
	tables := s.stats.Tables
	weights := make([]float64, 0, len(tables)+1)
	for _, t := range sortedTables(tables) {
		weights = append(weights, t.Count)
	}
	weights = append(weights, alpha)
	labels := make([]string, len(weights))
	for i := range labels {
		labels[i] = strconv.Itoa(i)
	}
	return normalized(labels, weights)
}

func (s *synth) exponential() dist.Distribution {
	a := s.hyper("a")
	b := s.hyper("b")
	n := s.stat("N")
	sumX := s.stat("sum_x")
	return dist.Lomax{C: a + n, Scale: b + sumX}
}

// geometric plugs the posterior mean success probability into a geometric.
// The exact predictive is beta-negative-binomial; reference outputs use this
// approximation.
func (s *synth) geometric() dist.Distribution {
	a := s.hyper("a")
	b := s.hyper("b")
	n := s.stat("N")
	sumX := s.stat("sum_x")
	an := a + n
	bn := b + sumX
	return dist.Geometric{P: an / (an + bn)}
}

// normal uses the normal-inverse-chi-squared posterior, whose predictive is
// a Student t.
func (s *synth) normal() dist.Distribution {
	m := s.hyper("m")
	r := s.hyper("r")
	sh := s.hyper("s")
	nu := s.hyper("nu")
	n := s.stat("N")
	sumX := s.stat("sum_x")
	sumXSq := s.stat("sum_x_sq")

	rn := r + n
	nun := nu + n
	mn := (r*m + sumX) / rn
	sn := sh + sumXSq + r*m*m - rn*mn*mn
	an, bn, kn := nun/2, sn/2, rn
	scalesq := bn * (kn + 1) / (an * kn)
	return dist.StudentT{DF: 2 * an, Loc: mn, Scale: math.Sqrt(scalesq)}
}

// poisson adds sum_x into the shape and N into the rate. This matches the
// fitting engine's Poisson layout; existing artifacts depend on it.
func (s *synth) poisson() dist.Distribution {
	a := s.hyper("a")
	b := s.hyper("b")
	n := s.stat("N")
	sumX, ok := s.stats.Get("sum_x")
	if !ok {
		sumX = s.stat("x_sum")
	}
	an := a + sumX
	bn := b + n
	return dist.NegativeBinomial{N: an, P: bn / (1 + bn)}
}

func normalized(labels []string, weights []float64) dist.Categorical {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	cats := make([]dist.Category, len(weights))
	for i, w := range weights {
		cats[i] = dist.Category{Label: labels[i], Weight: w / total}
	}
	return dist.Categorical{Categories: cats}
}

func sortedTables(tables []model.TableCount) []model.TableCount {
	out := slices.Clone(tables)
	slices.SortStableFunc(out, func(a, b model.TableCount) int {
		return cmp.Compare(a.Table, b.Table)
	})
	return out
}
