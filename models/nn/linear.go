package nn

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Linear is a fully connected layer y = xW + b with persistent parameters.
type Linear struct {
	Name string
	In   int
	Out  int
	W    *tensor.Dense
	B    *tensor.Dense

	g *G.ExprGraph
	w *G.Node
	b *G.Node
}

// NewLinear creates a layer with weights drawn from N(0, std) and zero bias.
//
// Arguments:
//   - name: Node name prefix used when the layer is bound to a graph.
//   - in: Input feature count.
//   - out: Output feature count.
//   - std: Standard deviation of the weight initialisation.
//
// Returns:
//   - *Linear: The initialised layer.
func NewLinear(name string, in, out int, std float64) *Linear {
	w := G.Gaussian(0, std)(Dtype, in, out).([]float32)
	b := G.Zeroes()(Dtype, 1, out).([]float32)
	return &Linear{
		Name: name,
		In:   in,
		Out:  out,
		W:    Dense(w, in, out),
		B:    Dense(b, 1, out),
	}
}

// Bind returns the parameter nodes of the layer on g, creating them on first use.
func (l *Linear) Bind(g *G.ExprGraph) (w, b *G.Node) {
	if l.g != g {
		l.g = g
		l.w = G.NewMatrix(g, Dtype, G.WithShape(l.In, l.Out), G.WithValue(l.W), G.WithName(uniqueName(l.Name+"_w")))
		l.b = G.NewMatrix(g, Dtype, G.WithShape(1, l.Out), G.WithValue(l.B), G.WithName(uniqueName(l.Name+"_b")))
	}
	return l.w, l.b
}

// Params returns the parameter nodes bound to g.
func (l *Linear) Params(g *G.ExprGraph) G.Nodes {
	w, b := l.Bind(g)
	return G.Nodes{w, b}
}

// Forward applies the layer to an (n x In) matrix node.
func (l *Linear) Forward(g *G.ExprGraph, x *G.Node) (*G.Node, error) {
	if Cols(x) != l.In {
		return nil, errors.Errorf("%s expects %d input features, got %d", l.Name, l.In, Cols(x))
	}
	w, b := l.Bind(g)
	xw, err := G.Mul(x, w)
	if err != nil {
		return nil, errors.Wrapf(err, "%s matmul", l.Name)
	}
	// Broadcast the bias row over every sample with a ones column.
	ones := Full(g, Rows(x), 1, 1, l.Name+"_ones")
	bias, err := G.Mul(ones, b)
	if err != nil {
		return nil, errors.Wrapf(err, "%s bias", l.Name)
	}
	return G.Add(xw, bias)
}
