package losses

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ClassLoss is a per-sample weighted classification loss over logits.
type ClassLoss interface {
	// Loss returns sum_i w_i * l_i / avgFactor scaled by the loss weight.
	Loss(g *G.ExprGraph, logits *G.Node, labels []int, weights []float32, avgFactor float32) (*G.Node, error)
}

// Activator is implemented by classification losses that define their own
// output channel layout and score activation.
type Activator interface {
	Channels(numClasses int) int
	Activate(logits *tensor.Dense) (*tensor.Dense, error)
}

// AccuracyReporter is implemented by classification losses that report their
// own accuracy metrics instead of the default top-1 accuracy.
type AccuracyReporter interface {
	Accuracy(g *G.ExprGraph, logits *G.Node, labels []int) (Map, error)
}

// CrossEntropy is the softmax cross-entropy loss.
type CrossEntropy struct {
	LossWeight float32 `json:"loss_weight" yaml:"loss_weight"`
}

// Loss implements ClassLoss.
//
// l_i = logsumexp(x_i) - x_i[label_i]
func (ce CrossEntropy) Loss(g *G.ExprGraph, logits *G.Node, labels []int, weights []float32, avgFactor float32) (*G.Node, error) {
	n, k := nn.Rows(logits), nn.Cols(logits)
	if len(labels) != n || len(weights) != n {
		return nil, common.ShapeMismatchf("cross entropy over %d rows got %d labels and %d weights", n, len(labels), len(weights))
	}
	picked := make([]float32, n*k)
	for i, l := range labels {
		if l < 0 || l >= k {
			return nil, errors.Errorf("label %d out of range [0, %d)", l, k)
		}
		picked[i*k+l] = weights[i]
	}

	lse, err := G.LogSumExp(logits, 1)
	if err != nil {
		return nil, errors.Wrap(err, "cross entropy logsumexp")
	}
	weighted, err := G.HadamardProd(lse, nn.Vector(g, append([]float32(nil), weights...), "ce_weights"))
	if err != nil {
		return nil, err
	}
	normaliser, err := G.Sum(weighted)
	if err != nil {
		return nil, err
	}
	target, err := G.HadamardProd(logits, nn.Matrix(g, picked, n, k, "ce_onehot"))
	if err != nil {
		return nil, err
	}
	targetSum, err := G.Sum(target)
	if err != nil {
		return nil, err
	}
	loss, err := G.Sub(normaliser, targetSum)
	if err != nil {
		return nil, err
	}
	return Scale(g, loss, ce.weight()/math32.Max(avgFactor, 1e-12))
}

func (ce CrossEntropy) weight() float32 {
	if ce.LossWeight == 0 {
		return 1
	}
	return ce.LossWeight
}

// Accuracy returns the top-1 accuracy in percent over every row. A row counts
// as correct when its label is the first index holding the row maximum, so
// tied logits resolve to the lowest class.
func Accuracy(g *G.ExprGraph, logits *G.Node, labels []int) (*G.Node, error) {
	n, k := nn.Rows(logits), nn.Cols(logits)
	if len(labels) != n {
		return nil, common.ShapeMismatchf("accuracy over %d rows got %d labels", n, len(labels))
	}
	if n == 0 {
		return Zero(g, "acc"), nil
	}
	onehot := make([]float32, n*k)
	before := make([]float32, n*k)
	for i, l := range labels {
		if l < 0 || l >= k {
			return nil, errors.Errorf("label %d out of range [0, %d)", l, k)
		}
		onehot[i*k+l] = 1
		for j := 0; j < l; j++ {
			before[i*k+j] = 1
		}
	}
	notBefore := make([]float32, n*k)
	for i, b := range before {
		notBefore[i] = 1 - b
	}

	target, err := G.HadamardProd(logits, nn.Matrix(g, onehot, n, k, "acc_onehot"))
	if err != nil {
		return nil, err
	}
	// Broadcast the label logit across its row.
	picked, err := G.Mul(target, nn.Full(g, k, k, 1, "acc_ones"))
	if err != nil {
		return nil, errors.Wrap(err, "accuracy broadcast")
	}
	margin, err := G.Sub(picked, logits)
	if err != nil {
		return nil, err
	}
	zeros := nn.Full(g, n, k, 0, "acc_zeros")
	strict, err := G.Gt(margin, zeros, true)
	if err != nil {
		return nil, errors.Wrap(err, "accuracy compare")
	}
	loose, err := G.Gte(margin, zeros, true)
	if err != nil {
		return nil, errors.Wrap(err, "accuracy compare")
	}
	if strict, err = G.HadamardProd(strict, nn.Matrix(g, before, n, k, "acc_before")); err != nil {
		return nil, err
	}
	if loose, err = G.HadamardProd(loose, nn.Matrix(g, notBefore, n, k, "acc_not_before")); err != nil {
		return nil, err
	}
	ok, err := G.Add(strict, loose)
	if err != nil {
		return nil, err
	}
	passed, err := G.Sum(ok, 1)
	if err != nil {
		return nil, err
	}
	hits, err := G.Gte(passed, nn.FullVector(g, n, float32(k)-0.5, "acc_all"), true)
	if err != nil {
		return nil, errors.Wrap(err, "accuracy compare")
	}
	correct, err := G.Sum(hits)
	if err != nil {
		return nil, err
	}
	return Scale(g, correct, 100/float32(n))
}

// Softmax returns the row-wise softmax of an (n x k) dense tensor.
func Softmax(logits *tensor.Dense) (*tensor.Dense, error) {
	data, err := nn.Float32s(logits)
	if err != nil {
		return nil, err
	}
	shape := logits.Shape()
	if len(shape) != 2 {
		return nil, common.ShapeMismatchf("softmax wants a matrix, got shape %v", shape)
	}
	n, k := shape[0], shape[1]
	out := make([]float32, len(data))
	for i := 0; i < n; i++ {
		row := data[i*k : (i+1)*k]
		m := float32(math32.Inf(-1))
		for _, v := range row {
			m = math32.Max(m, v)
		}
		var sum float32
		for j, v := range row {
			out[i*k+j] = math32.Exp(v - m)
			sum += out[i*k+j]
		}
		for j := range row {
			out[i*k+j] /= sum
		}
	}
	return nn.Dense(out, n, k), nil
}
