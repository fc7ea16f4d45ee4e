package losses

import (
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// RegressionLoss is a weighted elementwise box regression loss.
type RegressionLoss interface {
	// Loss returns sum(w * l(pred - target)) / avgFactor scaled by the loss weight.
	// pred, targets and weights are (n x 4).
	Loss(g *G.ExprGraph, pred *G.Node, targets, weights [][4]float32, avgFactor float32) (*G.Node, error)
}

// SmoothL1 is the Huber style loss with transition point Beta.
type SmoothL1 struct {
	Beta       float32 `json:"beta" yaml:"beta"`
	LossWeight float32 `json:"loss_weight" yaml:"loss_weight"`
}

// Loss implements RegressionLoss.
//
// With d = |pred - target| and m = min(d, beta):
// smooth_l1(d) = 0.5 * m^2 / beta + relu(d - beta)
func (s SmoothL1) Loss(g *G.ExprGraph, pred *G.Node, targets, weights [][4]float32, avgFactor float32) (*G.Node, error) {
	diff, err := absDiff(g, pred, targets)
	if err != nil {
		return nil, err
	}
	beta := s.Beta
	if beta <= 0 {
		return weightedSum(g, diff, weights, avgFactor, weightOr1(s.LossWeight))
	}
	n := nn.Rows(pred)
	over, err := G.Sub(diff, nn.Full(g, n, 4, beta, "smoothl1_beta"))
	if err != nil {
		return nil, err
	}
	if over, err = G.Rectify(over); err != nil {
		return nil, err
	}
	inner, err := G.Sub(diff, over)
	if err != nil {
		return nil, err
	}
	if inner, err = G.Square(inner); err != nil {
		return nil, err
	}
	if inner, err = G.HadamardProd(inner, nn.Full(g, n, 4, 0.5/beta, "smoothl1_half")); err != nil {
		return nil, err
	}
	elem, err := G.Add(inner, over)
	if err != nil {
		return nil, err
	}
	return weightedSum(g, elem, weights, avgFactor, weightOr1(s.LossWeight))
}

// L1 is the absolute error loss.
type L1 struct {
	LossWeight float32 `json:"loss_weight" yaml:"loss_weight"`
}

// Loss implements RegressionLoss.
func (l L1) Loss(g *G.ExprGraph, pred *G.Node, targets, weights [][4]float32, avgFactor float32) (*G.Node, error) {
	diff, err := absDiff(g, pred, targets)
	if err != nil {
		return nil, err
	}
	return weightedSum(g, diff, weights, avgFactor, weightOr1(l.LossWeight))
}

func absDiff(g *G.ExprGraph, pred *G.Node, targets [][4]float32) (*G.Node, error) {
	if nn.Rows(pred) != len(targets) || nn.Cols(pred) != 4 {
		return nil, common.ShapeMismatchf("regression prediction %v against %d targets", pred.Shape(), len(targets))
	}
	d, err := G.Sub(pred, nn.Matrix(g, flatten(targets), len(targets), 4, "reg_targets"))
	if err != nil {
		return nil, errors.Wrap(err, "regression difference")
	}
	return G.Abs(d)
}

func weightedSum(g *G.ExprGraph, elem *G.Node, weights [][4]float32, avgFactor, lossWeight float32) (*G.Node, error) {
	w, err := G.HadamardProd(elem, nn.Matrix(g, flatten(weights), len(weights), 4, "reg_weights"))
	if err != nil {
		return nil, err
	}
	sum, err := G.Sum(w)
	if err != nil {
		return nil, err
	}
	if avgFactor <= 0 {
		avgFactor = 1
	}
	return Scale(g, sum, lossWeight/avgFactor)
}

func flatten(rows [][4]float32) []float32 {
	out := make([]float32, 0, len(rows)*4)
	for _, r := range rows {
		out = append(out, r[:]...)
	}
	return out
}

func weightOr1(w float32) float32 {
	if w == 0 {
		return 1
	}
	return w
}
