// Package losses - Loss mappings and differentiable loss terms built on gorgonia graphs.
package losses

import (
	"sort"
	"strings"

	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// AccuracyKey is the metric key that is averaged, not weighted, when two
// mappings are combined.
const AccuracyKey = "acc"

// Map is a named set of scalar loss nodes. Keys are stable for a fixed
// configuration so that two mappings can be merged key-wise.
type Map map[string]*G.Node

// Keys returns the keys of the mapping in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Update copies every entry of other into m and returns the keys that were
// already present.
func (m Map) Update(other Map) []string {
	var overwritten []string
	for _, k := range other.Keys() {
		if _, ok := m[k]; ok {
			overwritten = append(overwritten, k)
		}
		m[k] = other[k]
	}
	return overwritten
}

// Total sums every entry whose key contains "loss". Metrics such as the
// accuracy are excluded from the optimised objective.
func (m Map) Total() (*G.Node, error) {
	var total *G.Node
	for _, k := range m.Keys() {
		if !strings.Contains(k, "loss") {
			continue
		}
		if total == nil {
			total = m[k]
			continue
		}
		var err error
		if total, err = G.Add(total, m[k]); err != nil {
			return nil, errors.Wrapf(err, "summing %s", k)
		}
	}
	if total == nil {
		return nil, common.Preconditionf("loss mapping has no loss entries")
	}
	return total, nil
}

// AddScaled returns a + b*w.
func AddScaled(g *G.ExprGraph, a, b *G.Node, w float32) (*G.Node, error) {
	scaled, err := Scale(g, b, w)
	if err != nil {
		return nil, err
	}
	return G.Add(a, scaled)
}

// Scale returns n*w.
func Scale(g *G.ExprGraph, n *G.Node, w float32) (*G.Node, error) {
	return G.Mul(n, nn.Scalar(g, w, "scale"))
}

// Mean returns (a + b) / 2.
func Mean(g *G.ExprGraph, a, b *G.Node) (*G.Node, error) {
	sum, err := G.Add(a, b)
	if err != nil {
		return nil, err
	}
	return Scale(g, sum, 0.5)
}

// Zero returns a scalar zero that carries no gradient.
func Zero(g *G.ExprGraph, name string) *G.Node {
	return nn.Scalar(g, 0, name)
}

// Evaluate runs g and reads every entry of the mapping.
//
// Arguments:
//   - g: The graph the mapping was built on.
//   - m: The mapping to read.
//
// Returns:
//   - map[string]float32: The evaluated scalar per key.
//   - error: An error if the graph fails to run or an entry is not scalar.
func Evaluate(g *G.ExprGraph, m Map) (map[string]float32, error) {
	if err := nn.Run(g); err != nil {
		return nil, err
	}
	return Read(m)
}

// Read returns the values of an already evaluated mapping.
func Read(m Map) (map[string]float32, error) {
	out := make(map[string]float32, len(m))
	for k, n := range m {
		v, err := nn.ScalarValue(n)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", k)
		}
		out[k] = v
	}
	return out, nil
}
