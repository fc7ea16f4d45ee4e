package bbox

import (
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/losses"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// DecodeNode decodes an (n x 4) delta node against constant source boxes and
// keeps the result differentiable with respect to the deltas. No border
// clipping is applied.
//
// With D the denormalised deltas, P = [pw, ph, pw, ph] and C = [px, py, px, py]:
//
//	out = C + (D * [pw, ph, 0, 0]) S + (exp(clamp(D)) * [0, 0, pw, ph]) H
//
// clamp bounds the size columns by the ratio clip and zeroes the center ones.
//
// where S copies the center shift to both corners and H spreads the size
// around the center.
func (c *DeltaXYWHCoder) DecodeNode(g *G.ExprGraph, src []common.Box, deltas *G.Node) (*G.Node, error) {
	n := len(src)
	if nn.Rows(deltas) != n || nn.Cols(deltas) != 4 {
		return nil, common.ShapeMismatchf("graph decode of %d boxes got deltas of shape %v", n, deltas.Shape())
	}
	stds := make([]float32, 0, n*4)
	means := make([]float32, 0, n*4)
	centers := make([]float32, 0, n*4)
	shift := make([]float32, 0, n*4)
	size := make([]float32, 0, n*4)
	lo := make([]float32, 0, n*4)
	hi := make([]float32, 0, n*4)
	maxRatio := c.Config.MaxRatio()
	for _, b := range src {
		stds = append(stds, c.Config.Stds[:]...)
		means = append(means, c.Config.Means[:]...)
		px, py := b.Center()
		pw, ph := b.Width(), b.Height()
		centers = append(centers, px, py, px, py)
		shift = append(shift, pw, ph, 0, 0)
		size = append(size, 0, 0, pw, ph)
		// Only the size columns are exponentiated. The center columns are
		// pinned to 0 so that exp never sees them.
		lo = append(lo, 0, 0, -maxRatio, -maxRatio)
		hi = append(hi, 0, 0, maxRatio, maxRatio)
	}

	d, err := G.HadamardProd(deltas, nn.Matrix(g, stds, n, 4, "decode_stds"))
	if err != nil {
		return nil, errors.Wrap(err, "denormalise deltas")
	}
	if d, err = G.Add(d, nn.Matrix(g, means, n, 4, "decode_means")); err != nil {
		return nil, err
	}
	clamped, err := losses.ClampBetween(g, d, nn.Matrix(g, lo, n, 4, "decode_lo"), nn.Matrix(g, hi, n, 4, "decode_hi"))
	if err != nil {
		return nil, err
	}
	scale, err := G.Exp(clamped)
	if err != nil {
		return nil, err
	}

	moved, err := G.HadamardProd(d, nn.Matrix(g, shift, n, 4, "decode_shift"))
	if err != nil {
		return nil, err
	}
	spread := nn.Matrix(g, []float32{
		1, 0, 1, 0,
		0, 1, 0, 1,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}, 4, 4, "decode_spread_center")
	if moved, err = G.Mul(moved, spread); err != nil {
		return nil, err
	}

	sized, err := G.HadamardProd(scale, nn.Matrix(g, size, n, 4, "decode_size"))
	if err != nil {
		return nil, err
	}
	corners := nn.Matrix(g, []float32{
		0, 0, 0, 0,
		0, 0, 0, 0,
		-0.5, 0, 0.5, 0,
		0, -0.5, 0, 0.5,
	}, 4, 4, "decode_spread_size")
	if sized, err = G.Mul(sized, corners); err != nil {
		return nil, err
	}

	out, err := G.Add(nn.Matrix(g, centers, n, 4, "decode_centers"), moved)
	if err != nil {
		return nil, err
	}
	return G.Add(out, sized)
}
