package predictive

import (
	"errors"
	"math"
	"testing"

	"github.com/hurttlocker/spcompile/internal/dist"
	"github.com/hurttlocker/spcompile/internal/model"
)

const tol = 1e-12

func scalars(kv ...any) model.SuffStats {
	st := model.SuffStats{Scalars: map[string]float64{}}
	for i := 0; i < len(kv); i += 2 {
		st.Scalars[kv[i].(string)] = kv[i+1].(float64)
	}
	return st
}

func TestBernoulli(t *testing.T) {
	col := model.Column{Index: 0, Family: model.FamilyBernoulli, Hypers: map[string]float64{"alpha": 1, "beta": 1}}
	d, err := Synthesize(col, scalars("N", 4.0, "x_sum", 3.0))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	b, ok := d.(dist.Bernoulli)
	if !ok {
		t.Fatalf("expected Bernoulli, got %T", d)
	}
	if math.Abs(b.P-4.0/6.0) > tol {
		t.Fatalf("p = %v, want 4/6", b.P)
	}
}

func TestPoissonAddsSumIntoShape(t *testing.T) {
	col := model.Column{Index: 0, Family: model.FamilyPoisson, Hypers: map[string]float64{"a": 1, "b": 1}}
	d, err := Synthesize(col, scalars("N", 3.0, "sum_x", 6.0))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	nb := d.(dist.NegativeBinomial)
	if math.Abs(nb.N-7) > tol || math.Abs(nb.P-0.8) > tol {
		t.Fatalf("got n=%v p=%v, want n=7 p=0.8", nb.N, nb.P)
	}

	d, err = Synthesize(col, scalars("N", 3.0, "x_sum", 6.0))
	if err != nil {
		t.Fatalf("Synthesize with x_sum: %v", err)
	}
	if d.(dist.NegativeBinomial).N != 7 {
		t.Fatal("x_sum fallback not used")
	}
}

func TestNormal(t *testing.T) {
	col := model.Column{Index: 0, Family: model.FamilyNormal, Hypers: map[string]float64{"m": 0, "r": 1, "s": 1, "nu": 1}}
	d, err := Synthesize(col, scalars("N", 2.0, "sum_x", 4.0, "sum_x_sq", 10.0))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	st := d.(dist.StudentT)
	// rn=3, nun=3, mn=4/3, sn=1+10+0-3*(16/9)=17/3, an=3/2, bn=17/6, kn=3.
	wantScale := math.Sqrt((17.0 / 6.0) * 4 / (1.5 * 3))
	if math.Abs(st.DF-3) > tol || math.Abs(st.Loc-4.0/3.0) > tol || math.Abs(st.Scale-wantScale) > tol {
		t.Fatalf("got %+v, want df=3 loc=4/3 scale=%v", st, wantScale)
	}
}

func TestExponentialAndGeometric(t *testing.T) {
	hypers := map[string]float64{"a": 2, "b": 3}
	exp, err := Synthesize(model.Column{Family: model.FamilyExponential, Hypers: hypers}, scalars("N", 4.0, "sum_x", 5.0))
	if err != nil {
		t.Fatalf("exponential: %v", err)
	}
	if l := exp.(dist.Lomax); l.C != 6 || l.Scale != 8 {
		t.Fatalf("lomax = %+v", l)
	}
	geo, err := Synthesize(model.Column{Family: model.FamilyGeometric, Hypers: hypers}, scalars("N", 4.0, "sum_x", 5.0))
	if err != nil {
		t.Fatalf("geometric: %v", err)
	}
	if g := geo.(dist.Geometric); math.Abs(g.P-6.0/14.0) > tol {
		t.Fatalf("geometric p = %v, want 6/14", g.P)
	}
}

func TestBeta(t *testing.T) {
	d, err := Synthesize(model.Column{Family: model.FamilyBeta, Hypers: map[string]float64{"strength": 4, "balance": 0.25}}, scalars("N", 10.0))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if b := d.(dist.Beta); b.Alpha != 1 || b.Beta != 3 {
		t.Fatalf("beta = %+v", b)
	}
}

func TestCategoricalNormalizes(t *testing.T) {
	col := model.Column{
		Index:      2,
		Family:     model.FamilyCategorical,
		Hypers:     map[string]float64{"alpha": 0.5},
		Distargs:   map[string]float64{"k": 3},
		Categories: map[int]string{0: "red", 2: "green"},
	}
	d, err := Synthesize(col, model.SuffStats{Counts: []float64{3, 0, 1}})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	c := d.(dist.Categorical)
	want := []dist.Category{
		{Label: "red", Weight: 3.5 / 5.5},
		{Label: "1", Weight: 0.5 / 5.5},
		{Label: "green", Weight: 1.5 / 5.5},
	}
	if len(c.Categories) != len(want) {
		t.Fatalf("got %d categories", len(c.Categories))
	}
	total := 0.0
	for i, w := range want {
		got := c.Categories[i]
		if got.Label != w.Label || math.Abs(got.Weight-w.Weight) > tol {
			t.Fatalf("category %d = %+v, want %+v", i, got, w)
		}
		total += got.Weight
	}
	if math.Abs(total-1) > 1e-9 {
		t.Fatalf("weights sum to %v", total)
	}
}

func TestCRP(t *testing.T) {
	col := model.Column{Family: model.FamilyCRP, Hypers: map[string]float64{"alpha": 1}}
	st := model.SuffStats{Tables: []model.TableCount{{Table: 4, Count: 1}, {Table: 0, Count: 2}}}
	d, err := Synthesize(col, st)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	c := d.(dist.Categorical)
	if got := c.Labels(); len(got) != 3 || got[0] != "0" || got[2] != "2" {
		t.Fatalf("labels = %v", got)
	}
	if c.Categories[0].Weight != 0.5 || c.Categories[1].Weight != 0.25 || c.Categories[2].Weight != 0.25 {
		t.Fatalf("weights = %+v", c.Categories)
	}
}

func TestPriorGivesPriorPredictive(t *testing.T) {
	col := model.Column{Family: model.FamilyBernoulli, Hypers: map[string]float64{"alpha": 1, "beta": 3}}
	d, err := Synthesize(col, Prior(col))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if d.(dist.Bernoulli).P != 0.25 {
		t.Fatalf("prior p = %v", d.(dist.Bernoulli).P)
	}

	cat := model.Column{Family: model.FamilyCategorical, Hypers: map[string]float64{"alpha": 1}, Distargs: map[string]float64{"k": 4}}
	d, err = Synthesize(cat, Prior(cat))
	if err != nil {
		t.Fatalf("Synthesize categorical: %v", err)
	}
	for _, c := range d.(dist.Categorical).Categories {
		if c.Weight != 0.25 {
			t.Fatalf("prior categorical not uniform: %+v", d)
		}
	}
}

func TestConversionErrors(t *testing.T) {
	tests := []struct {
		name  string
		col   model.Column
		stats model.SuffStats
	}{
		{"missing hyper", model.Column{Family: model.FamilyBernoulli, Hypers: map[string]float64{"alpha": 1}}, scalars("N", 1.0, "x_sum", 1.0)},
		{"missing stat", model.Column{Family: model.FamilyNormal, Hypers: map[string]float64{"m": 0, "r": 1, "s": 1, "nu": 1}}, scalars("N", 1.0)},
		{"missing k", model.Column{Family: model.FamilyCategorical, Hypers: map[string]float64{"alpha": 1}}, model.SuffStats{Counts: []float64{1}}},
		{"short counts", model.Column{Family: model.FamilyCategorical, Hypers: map[string]float64{"alpha": 1}, Distargs: map[string]float64{"k": 3}}, model.SuffStats{Counts: []float64{1}}},
		{"all zero weights", model.Column{Family: model.FamilyCategorical, Hypers: map[string]float64{"alpha": 0}, Distargs: map[string]float64{"k": 2}}, model.SuffStats{Counts: []float64{0, 0}}},
		{"nan parameter", model.Column{Family: model.FamilyExponential, Hypers: map[string]float64{"a": math.NaN(), "b": 1}}, scalars("N", 1.0, "sum_x", 1.0)},
		{"duplicate labels", model.Column{Family: model.FamilyCategorical, Hypers: map[string]float64{"alpha": 1}, Distargs: map[string]float64{"k": 2}, Categories: map[int]string{0: "1"}}, model.SuffStats{Counts: []float64{1, 1}}},
		{"unsupported", model.Column{Family: "lognormal"}, model.SuffStats{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.col.Index = 7
			_, err := Synthesize(tt.col, tt.stats)
			var ce *model.ConversionError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConversionError, got %v", err)
			}
			if ce.Column != 7 {
				t.Fatalf("expected column 7, got %d", ce.Column)
			}
		})
	}
}
