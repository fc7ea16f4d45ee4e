package losses

import (
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// SoftmaxRows normalises every row of an (n x k) matrix node. The softmax
// op shifts by the row maximum, so large logits stay finite.
func SoftmaxRows(g *G.ExprGraph, x *G.Node) (*G.Node, error) {
	out, err := G.SoftMax(x)
	return out, errors.Wrap(err, "softmax rows")
}

// SoftmaxCols normalises every column of an (n x k) matrix node.
func SoftmaxCols(g *G.ExprGraph, x *G.Node) (*G.Node, error) {
	t, err := G.Transpose(x)
	if err != nil {
		return nil, errors.Wrap(err, "softmax transpose")
	}
	if t, err = G.SoftMax(t); err != nil {
		return nil, errors.Wrap(err, "softmax columns")
	}
	out, err := G.Transpose(t)
	return out, errors.Wrap(err, "softmax transpose back")
}

// ColumnSums sums an (n x k) matrix over its rows into a (1 x k) matrix.
func ColumnSums(g *G.ExprGraph, x *G.Node) (*G.Node, error) {
	return G.Mul(nn.Full(g, 1, nn.Rows(x), 1, "colsum_ones"), x)
}

// Clamp limits every element of x to [lo, hi]. Clamped elements pass no gradient.
func Clamp(g *G.ExprGraph, x *G.Node, lo, hi float32) (*G.Node, error) {
	rows, cols := nn.Rows(x), nn.Cols(x)
	return ClampBetween(g, x, nn.Full(g, rows, cols, lo, "clamp_lo"), nn.Full(g, rows, cols, hi, "clamp_hi"))
}

// ClampBetween limits x elementwise to [lo, hi] where the bounds are nodes of
// the same shape as x.
//
// clamp(x) = x - relu(x - hi) + relu(lo - x)
func ClampBetween(g *G.ExprGraph, x, lo, hi *G.Node) (*G.Node, error) {
	over, err := G.Sub(x, hi)
	if err != nil {
		return nil, err
	}
	if over, err = G.Rectify(over); err != nil {
		return nil, err
	}
	under, err := G.Sub(lo, x)
	if err != nil {
		return nil, err
	}
	if under, err = G.Rectify(under); err != nil {
		return nil, err
	}
	out, err := G.Sub(x, over)
	if err != nil {
		return nil, err
	}
	return G.Add(out, under)
}

// SelectRows gathers rows of an (n x k) matrix node with a constant selection
// matrix. Every index must be in [0, n).
func SelectRows(g *G.ExprGraph, x *G.Node, idx []int) (*G.Node, error) {
	n := nn.Rows(x)
	sel := make([]float32, len(idx)*n)
	for r, i := range idx {
		if i < 0 || i >= n {
			return nil, errors.Errorf("row %d out of range [0, %d)", i, n)
		}
		sel[r*n+i] = 1
	}
	return G.Mul(nn.Matrix(g, sel, len(idx), n, "select_rows"), x)
}
