package dist

import (
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/stat/distuv"
)

// LogProb returns the log density (continuous families) or log mass
// (discrete families) of d at v. Categorical leaves take a string label;
// numbers are formatted the way the compiler formats table ids. Numeric
// families take float64 or int, or a string that parses as a float.
func LogProb(d Distribution, v any) (float64, error) {
	if c, ok := d.(Categorical); ok {
		label, err := asLabel(v)
		if err != nil {
			return 0, err
		}
		w := c.Weight(label)
		if w == 0 {
			return math.Inf(-1), nil
		}
		return math.Log(w), nil
	}

	x, err := asFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%s value: %w", d.Kind(), err)
	}

	switch d := d.(type) {
	case Bernoulli:
		return distuv.Bernoulli{P: d.P}.LogProb(x), nil
	case Beta:
		return distuv.Beta{Alpha: d.Alpha, Beta: d.Beta}.LogProb(x), nil
	case StudentT:
		return distuv.StudentsT{Mu: d.Loc, Sigma: d.Scale, Nu: d.DF}.LogProb(x), nil
	case Lomax:
		if x < 0 {
			return math.Inf(-1), nil
		}
		return math.Log(d.C) - math.Log(d.Scale) - (d.C+1)*math.Log1p(x/d.Scale), nil
	case Geometric:
		if x < 1 || x != math.Trunc(x) {
			return math.Inf(-1), nil
		}
		if x == 1 {
			return math.Log(d.P), nil
		}
		return (x-1)*math.Log1p(-d.P) + math.Log(d.P), nil
	case NegativeBinomial:
		if x < 0 || x != math.Trunc(x) {
			return math.Inf(-1), nil
		}
		lp := d.N * math.Log(d.P)
		if x == 0 {
			return lp, nil
		}
		a, _ := math.Lgamma(x + d.N)
		b, _ := math.Lgamma(x + 1)
		c, _ := math.Lgamma(d.N)
		return a - b - c + lp + x*math.Log1p(-d.P), nil
	default:
		return 0, fmt.Errorf("unknown distribution kind %q", d.Kind())
	}
}

// Discrete reports whether d is a probability mass function.
func Discrete(d Distribution) bool {
	switch d.(type) {
	case Bernoulli, Categorical, Geometric, NegativeBinomial:
		return true
	default:
		return false
	}
}

func asLabel(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("categorical value of type %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
