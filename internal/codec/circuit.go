package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/hurttlocker/spcompile/internal/circuit"
	"github.com/hurttlocker/spcompile/internal/dist"
)

// CircuitFormat tags every encoded circuit.
const CircuitFormat = "spcompile.circuit/v1"

// weightTolerance bounds how far a decoded sum's weights may be from 1.
const weightTolerance = 1e-9

const (
	nodeSum     = "sum"
	nodeProduct = "product"
	nodeLeaf    = "leaf"
)

type circuitJSON struct {
	Format    string         `json:"format"`
	Variables []variableJSON `json:"variables"`
	Root      *nodeJSON      `json:"root"`
}

type variableJSON struct {
	Column    int    `json:"column"`
	Symbol    string `json:"symbol"`
	Indicator string `json:"indicator,omitempty"`
}

type nodeJSON struct {
	Type         string            `json:"type"`
	Symbol       string            `json:"symbol,omitempty"`
	Distribution *distributionJSON `json:"distribution,omitempty"`
	LogWeights   []float64         `json:"log_weights,omitempty"`
	Children     []*nodeJSON       `json:"children,omitempty"`
}

type distributionJSON struct {
	Family     dist.Kind      `json:"family"`
	P          *float64       `json:"p,omitempty"`
	Alpha      *float64       `json:"alpha,omitempty"`
	Beta       *float64       `json:"beta,omitempty"`
	C          *float64       `json:"c,omitempty"`
	Scale      *float64       `json:"scale,omitempty"`
	DF         *float64       `json:"df,omitempty"`
	Loc        *float64       `json:"loc,omitempty"`
	N          *float64       `json:"n,omitempty"`
	Categories []categoryJSON `json:"categories,omitempty"`
}

type categoryJSON struct {
	Label  string  `json:"label"`
	Weight float64 `json:"weight"`
}

// EncodeCircuit writes c as tagged JSON followed by a newline.
func EncodeCircuit(w io.Writer, c *circuit.Circuit) error {
	data, err := MarshalCircuit(c)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// MarshalCircuit encodes c. Equal circuits encode to equal bytes: children
// and categories keep their order and floats use the shortest form that
// parses back to the same value.
func MarshalCircuit(c *circuit.Circuit) ([]byte, error) {
	if c == nil || c.Root == nil {
		return nil, errors.New("encoding circuit: no root")
	}
	root, err := encodeNode(c.Root)
	if err != nil {
		return nil, fmt.Errorf("encoding circuit: %w", err)
	}
	out := circuitJSON{
		Format:    CircuitFormat,
		Variables: make([]variableJSON, len(c.Variables)),
		Root:      root,
	}
	for i, v := range c.Variables {
		out.Variables[i] = variableJSON{Column: v.Column, Symbol: v.Symbol, Indicator: v.Indicator}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding circuit: %w", err)
	}
	return data, nil
}

func encodeNode(n circuit.Node) (*nodeJSON, error) {
	switch n := n.(type) {
	case *circuit.Leaf:
		d, err := encodeDistribution(n.Dist)
		if err != nil {
			return nil, fmt.Errorf("leaf %s: %w", n.Symbol, err)
		}
		return &nodeJSON{Type: nodeLeaf, Symbol: n.Symbol, Distribution: d}, nil
	case *circuit.Product:
		children, err := encodeChildren(n.Children)
		if err != nil {
			return nil, err
		}
		return &nodeJSON{Type: nodeProduct, Children: children}, nil
	case *circuit.Sum:
		children, err := encodeChildren(n.Children)
		if err != nil {
			return nil, err
		}
		return &nodeJSON{Type: nodeSum, LogWeights: n.LogWeights, Children: children}, nil
	default:
		return nil, fmt.Errorf("unknown node type %T", n)
	}
}

func encodeChildren(nodes []circuit.Node) ([]*nodeJSON, error) {
	out := make([]*nodeJSON, len(nodes))
	for i, c := range nodes {
		n, err := encodeNode(c)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func encodeDistribution(d dist.Distribution) (*distributionJSON, error) {
	if d == nil {
		return nil, errors.New("no distribution")
	}
	out := &distributionJSON{Family: d.Kind()}
	switch d := d.(type) {
	case dist.Bernoulli:
		out.P = &d.P
	case dist.Beta:
		out.Alpha, out.Beta = &d.Alpha, &d.Beta
	case dist.Categorical:
		out.Categories = make([]categoryJSON, len(d.Categories))
		for i, c := range d.Categories {
			out.Categories[i] = categoryJSON{Label: c.Label, Weight: c.Weight}
		}
	case dist.Lomax:
		out.C, out.Scale = &d.C, &d.Scale
	case dist.Geometric:
		out.P = &d.P
	case dist.StudentT:
		out.DF, out.Loc, out.Scale = &d.DF, &d.Loc, &d.Scale
	case dist.NegativeBinomial:
		out.N, out.P = &d.N, &d.P
	default:
		return nil, fmt.Errorf("unknown distribution %T", d)
	}
	return out, nil
}

// DecodeCircuit reads a circuit written by EncodeCircuit and validates every
// leaf and sum it holds.
func DecodeCircuit(r io.Reader) (*circuit.Circuit, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading circuit: %w", err)
	}
	return UnmarshalCircuit(data)
}

// UnmarshalCircuit is DecodeCircuit on a byte slice.
func UnmarshalCircuit(data []byte) (*circuit.Circuit, error) {
	var in circuitJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid circuit JSON: %w", err)
	}
	if in.Format != CircuitFormat {
		return nil, fmt.Errorf("unsupported circuit format %q", in.Format)
	}
	if in.Root == nil {
		return nil, errors.New("circuit has no root")
	}
	root, err := decodeNode(in.Root, "root")
	if err != nil {
		return nil, err
	}
	c := &circuit.Circuit{Root: root, Variables: make([]circuit.Variable, len(in.Variables))}
	for i, v := range in.Variables {
		c.Variables[i] = circuit.Variable{Column: v.Column, Symbol: v.Symbol, Indicator: v.Indicator}
	}
	return c, nil
}

func decodeNode(n *nodeJSON, path string) (circuit.Node, error) {
	if n == nil {
		return nil, fmt.Errorf("%s: null node", path)
	}
	switch n.Type {
	case nodeLeaf:
		if n.Symbol == "" {
			return nil, fmt.Errorf("%s: leaf has no symbol", path)
		}
		d, err := decodeDistribution(n.Distribution)
		if err != nil {
			return nil, fmt.Errorf("%s: leaf %s: %w", path, n.Symbol, err)
		}
		return &circuit.Leaf{Symbol: n.Symbol, Dist: d}, nil
	case nodeProduct:
		children, err := decodeChildren(n.Children, path)
		if err != nil {
			return nil, err
		}
		return &circuit.Product{Children: children}, nil
	case nodeSum:
		if len(n.LogWeights) != len(n.Children) {
			return nil, fmt.Errorf("%s: sum has %d children and %d weights", path, len(n.Children), len(n.LogWeights))
		}
		if err := checkLogWeights(n.LogWeights); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		children, err := decodeChildren(n.Children, path)
		if err != nil {
			return nil, err
		}
		return &circuit.Sum{Children: children, LogWeights: n.LogWeights}, nil
	default:
		return nil, fmt.Errorf("%s: unknown node type %q", path, n.Type)
	}
}

func checkLogWeights(lw []float64) error {
	for i, w := range lw {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("log weight %d is %v", i, w)
		}
	}
	if len(lw) == 0 {
		return nil
	}
	if total := math.Exp(floats.LogSumExp(lw)); math.Abs(total-1) > weightTolerance {
		return fmt.Errorf("sum weights total %v, want 1", total)
	}
	return nil
}

func decodeChildren(nodes []*nodeJSON, path string) ([]circuit.Node, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%s: node has no children", path)
	}
	out := make([]circuit.Node, len(nodes))
	for i, c := range nodes {
		n, err := decodeNode(c, fmt.Sprintf("%s.children[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func decodeDistribution(in *distributionJSON) (dist.Distribution, error) {
	if in == nil {
		return nil, errors.New("no distribution")
	}
	var (
		d       dist.Distribution
		missing string
	)
	need := func(name string, p *float64) float64 {
		if p == nil {
			if missing == "" {
				missing = name
			}
			return 0
		}
		return *p
	}
	switch in.Family {
	case dist.KindBernoulli:
		d = dist.Bernoulli{P: need("p", in.P)}
	case dist.KindBeta:
		d = dist.Beta{Alpha: need("alpha", in.Alpha), Beta: need("beta", in.Beta)}
	case dist.KindCategorical:
		cats := make([]dist.Category, len(in.Categories))
		for i, c := range in.Categories {
			cats[i] = dist.Category{Label: c.Label, Weight: c.Weight}
		}
		d = dist.Categorical{Categories: cats}
	case dist.KindLomax:
		d = dist.Lomax{C: need("c", in.C), Scale: need("scale", in.Scale)}
	case dist.KindGeometric:
		d = dist.Geometric{P: need("p", in.P)}
	case dist.KindStudentT:
		d = dist.StudentT{DF: need("df", in.DF), Loc: need("loc", in.Loc), Scale: need("scale", in.Scale)}
	case dist.KindNegativeBinomial:
		d = dist.NegativeBinomial{N: need("n", in.N), P: need("p", in.P)}
	default:
		return nil, fmt.Errorf("unknown family %q", in.Family)
	}
	if missing != "" {
		return nil, fmt.Errorf("%s: missing parameter %q", in.Family, missing)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
