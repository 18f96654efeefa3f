package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/hurttlocker/spcompile/internal/circuit"
	"github.com/hurttlocker/spcompile/internal/codec"
	"github.com/hurttlocker/spcompile/internal/dist"
)

// loadCircuitArg reads a circuit from a file or, when ref is a number that
// names no file, from the registry by ID.
func loadCircuitArg(ref string) (*circuit.Circuit, error) {
	if _, err := os.Stat(ref); err == nil {
		f, err := os.Open(ref)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		c, err := codec.DecodeCircuit(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ref, err)
		}
		return c, nil
	}

	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: no such file", ref)
	}
	settings, err := loadSettings("")
	if err != nil {
		return nil, err
	}
	st, err := openStore(settings)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	row, err := st.GetCircuit(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return codec.UnmarshalCircuit(row.Artifact)
}

func runInspect(args []string) error {
	jsonOutput := false
	var ref string
	for _, arg := range args {
		switch {
		case arg == "--json":
			jsonOutput = true
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		case ref != "":
			return fmt.Errorf("unexpected argument: %s", arg)
		default:
			ref = arg
		}
	}
	if ref == "" {
		return fmt.Errorf("usage: spcompile inspect <circuit.json|circuit-id> [--json]")
	}

	c, err := loadCircuitArg(ref)
	if err != nil {
		return err
	}
	stats := circuit.Summarize(c.Root)

	if jsonOutput {
		type variable struct {
			Column    int    `json:"column"`
			Symbol    string `json:"symbol"`
			Indicator string `json:"indicator,omitempty"`
		}
		vars := make([]variable, len(c.Variables))
		for i, v := range c.Variables {
			vars[i] = variable{v.Column, v.Symbol, v.Indicator}
		}
		out := struct {
			Variables []variable    `json:"variables"`
			Stats     circuit.Stats `json:"stats"`
			Views     []viewSummary `json:"views"`
		}{vars, stats, summarizeViews(c.Root)}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Circuit: %d sums, %d products, %d leaves, depth %d\n\n", stats.Sums, stats.Products, stats.Leaves, stats.Depth)
	fmt.Println("Variables:")
	for _, v := range c.Variables {
		fmt.Printf("  column %-4d %s", v.Column, v.Symbol)
		if v.Indicator != "" {
			fmt.Printf("  (cluster: %s)", v.Indicator)
		}
		fmt.Println()
	}
	fmt.Println()
	for i, v := range summarizeViews(c.Root) {
		fmt.Printf("View %d: %s\n", i, strings.Join(v.Scope, ", "))
		for j, w := range v.Weights {
			fmt.Printf("  cluster %-3d weight %.6f\n", j, w)
		}
	}
	return nil
}

type viewSummary struct {
	Scope   []string  `json:"scope"`
	Weights []float64 `json:"weights"`
}

// summarizeViews lists the root's view factors with their cluster weights.
func summarizeViews(root circuit.Node) []viewSummary {
	views := []circuit.Node{root}
	if p, ok := root.(*circuit.Product); ok {
		if _, isCluster := p.Children[0].(*circuit.Leaf); !isCluster {
			views = p.Children
		}
	}
	out := make([]viewSummary, 0, len(views))
	for _, v := range views {
		vs := viewSummary{Scope: circuit.Scope(v)}
		if s, ok := v.(*circuit.Sum); ok {
			for _, lw := range s.LogWeights {
				vs.Weights = append(vs.Weights, math.Exp(lw))
			}
		} else {
			vs.Weights = []float64{1}
		}
		out = append(out, vs)
	}
	return out
}

// parseAssignment reads name=value pairs. Values that parse as numbers are
// numbers, everything else is a categorical label.
func parseAssignment(pairs []string) (circuit.Assignment, error) {
	a := make(circuit.Assignment, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", p)
		}
		if _, dup := a[name]; dup {
			return nil, fmt.Errorf("variable %q assigned twice", name)
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			a[name] = f
		} else {
			a[name] = value
		}
	}
	return a, nil
}

func runLogProb(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: spcompile logprob <circuit.json|circuit-id> [name=value...]")
	}
	c, err := loadCircuitArg(args[0])
	if err != nil {
		return err
	}
	a, err := parseAssignment(args[1:])
	if err != nil {
		return err
	}

	lp, err := circuit.LogProb(c.Root, a)
	if err != nil {
		return err
	}
	fmt.Printf("log p = %s\n", strconv.FormatFloat(lp, 'g', 10, 64))
	fmt.Printf("p     = %s\n", strconv.FormatFloat(math.Exp(lp), 'g', 10, 64))

	if len(a) > 0 && allDiscrete(c.Root, a) {
		fmt.Println("(probability mass)")
	} else if len(a) > 0 {
		fmt.Println("(density)")
	}
	return nil
}

// allDiscrete reports whether every assigned variable has a discrete leaf.
func allDiscrete(root circuit.Node, a circuit.Assignment) bool {
	for _, l := range circuit.Leaves(root) {
		if _, ok := a[l.Symbol]; ok && !dist.Discrete(l.Dist) {
			return false
		}
	}
	return true
}
