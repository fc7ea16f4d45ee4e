package losses

import (
	"github.com/nvr-ai/go-rcnn/models/nn"
	G "gorgonia.org/gorgonia"
)

// BinaryCrossEntropySum returns -sum(y*log(p) + (1-y)*log(1-p)) for a (1 x k)
// probability row and a constant binary target row. p must already be inside
// the open interval (0, 1).
func BinaryCrossEntropySum(g *G.ExprGraph, p *G.Node, target []float32) (*G.Node, error) {
	k := len(target)
	inverse := make([]float32, k)
	for i, t := range target {
		inverse[i] = 1 - t
	}
	logP, err := G.Log(p)
	if err != nil {
		return nil, err
	}
	oneMinus, err := G.Sub(nn.Full(g, 1, k, 1, "bce_one"), p)
	if err != nil {
		return nil, err
	}
	logQ, err := G.Log(oneMinus)
	if err != nil {
		return nil, err
	}
	pos, err := G.HadamardProd(logP, nn.Matrix(g, append([]float32(nil), target...), 1, k, "bce_target"))
	if err != nil {
		return nil, err
	}
	neg, err := G.HadamardProd(logQ, nn.Matrix(g, inverse, 1, k, "bce_inverse"))
	if err != nil {
		return nil, err
	}
	both, err := G.Add(pos, neg)
	if err != nil {
		return nil, err
	}
	sum, err := G.Sum(both)
	if err != nil {
		return nil, err
	}
	return G.Neg(sum)
}
