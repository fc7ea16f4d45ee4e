package losses

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
)

func evalScalar(t *testing.T, g *G.ExprGraph, n *G.Node) float32 {
	t.Helper()
	require.NoError(t, nn.Run(g))
	v, err := nn.ScalarValue(n)
	require.NoError(t, err)
	return v
}

// TestCrossEntropy verifies the weighted softmax cross-entropy against hand
// computed values.
func TestCrossEntropy(t *testing.T) {
	tests := []struct {
		name    string
		logits  []float32
		rows    int
		labels  []int
		weights []float32
		avg     float32
		lw      float32
		want    float32
	}{
		{
			name:    "uniform logits give log k",
			logits:  []float32{0, 0},
			rows:    1,
			labels:  []int{0},
			weights: []float32{1},
			avg:     1,
			want:    math32.Log(2),
		},
		{
			name:    "zero weight rows are ignored",
			logits:  []float32{0, 0, 10, -10},
			rows:    2,
			labels:  []int{0, 1},
			weights: []float32{1, 0},
			avg:     1,
			want:    math32.Log(2),
		},
		{
			name:    "large logits stay finite",
			logits:  []float32{100, 0},
			rows:    1,
			labels:  []int{0},
			weights: []float32{1},
			avg:     1,
			want:    0,
		},
		{
			name:    "confidently wrong row",
			logits:  []float32{0, 200},
			rows:    1,
			labels:  []int{0},
			weights: []float32{1},
			avg:     1,
			want:    200,
		},
		{
			name:    "avg factor and loss weight scale the sum",
			logits:  []float32{0, 0, 0, 0},
			rows:    2,
			labels:  []int{0, 1},
			weights: []float32{1, 1},
			avg:     4,
			lw:      2,
			want:    math32.Log(2),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := G.NewGraph()
			x := nn.Matrix(g, tt.logits, tt.rows, len(tt.logits)/tt.rows, "logits")
			loss, err := CrossEntropy{LossWeight: tt.lw}.Loss(g, x, tt.labels, tt.weights, tt.avg)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, evalScalar(t, g, loss), 1e-4)
		})
	}
}

func TestCrossEntropyRejectsBadLabels(t *testing.T) {
	g := G.NewGraph()
	x := nn.Matrix(g, []float32{0, 0}, 1, 2, "logits")

	_, err := CrossEntropy{}.Loss(g, x, []int{2}, []float32{1}, 1)
	assert.Error(t, err)

	_, err = CrossEntropy{}.Loss(g, x, []int{0, 1}, []float32{1}, 1)
	assert.ErrorIs(t, err, common.ErrShapeMismatch)
}

func TestAccuracy(t *testing.T) {
	g := G.NewGraph()
	x := nn.Matrix(g, []float32{
		3, 1, 0,
		0, 2, 1,
		5, 0, 9,
		1, 1, 7,
	}, 4, 3, "logits")

	acc, err := Accuracy(g, x, []int{0, 1, 0, 2})
	require.NoError(t, err)
	assert.InDelta(t, 75, evalScalar(t, g, acc), 1e-4)
}

func TestAccuracyTies(t *testing.T) {
	tests := []struct {
		name   string
		logits []float32
		label  int
		want   float32
	}{
		{"all zero picks the first class", []float32{0, 0, 0}, 0, 100},
		{"all zero misses later classes", []float32{0, 0, 0}, 2, 0},
		{"tie after the label", []float32{1, 3, 3}, 1, 100},
		{"tie before the label", []float32{1, 3, 3}, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := G.NewGraph()
			x := nn.Matrix(g, tt.logits, 1, len(tt.logits), "logits")
			acc, err := Accuracy(g, x, []int{tt.label})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, evalScalar(t, g, acc), 1e-4)
		})
	}
}

func TestSmoothL1(t *testing.T) {
	g := G.NewGraph()
	pred := nn.Matrix(g, []float32{0, 0, 0, 0, 2, 0, 0, 0}, 2, 4, "pred")
	targets := [][4]float32{{0.5, 0, 0, 0}, {0, 0, 0, 0}}
	weights := [][4]float32{{1, 1, 1, 1}, {1, 1, 1, 1}}

	loss, err := SmoothL1{Beta: 1}.Loss(g, pred, targets, weights, 2)
	require.NoError(t, err)

	// 0.5*0.25 for the first row, 2-0.5 for the second row.
	assert.InDelta(t, (0.125+1.5)/2, evalScalar(t, g, loss), 1e-5)
}

func TestL1(t *testing.T) {
	g := G.NewGraph()
	pred := nn.Matrix(g, []float32{1, -1, 2, 0}, 1, 4, "pred")

	loss, err := L1{LossWeight: 0.5}.Loss(g, pred, [][4]float32{{0, 0, 0, 0}}, [][4]float32{{1, 1, 0, 1}}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1, evalScalar(t, g, loss), 1e-5)
}

func TestSoftmaxRowsAndCols(t *testing.T) {
	g := G.NewGraph()
	x := nn.Matrix(g, []float32{0, 0, math32.Log(3), 0}, 2, 2, "x")

	rows, err := SoftmaxRows(g, x)
	require.NoError(t, err)
	cols, err := SoftmaxCols(g, x)
	require.NoError(t, err)
	require.NoError(t, nn.Run(g))

	r, err := nn.Values(rows)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.75, 0.25}, r, 1e-5)

	c, err := nn.Values(cols)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.25, 0.5, 0.75, 0.5}, c, 1e-5)
}

func TestSoftmaxLargeLogits(t *testing.T) {
	g := G.NewGraph()
	x := nn.Matrix(g, []float32{100, 100, 100 + math32.Log(3), 100}, 2, 2, "x")

	rows, err := SoftmaxRows(g, x)
	require.NoError(t, err)
	cols, err := SoftmaxCols(g, x)
	require.NoError(t, err)
	require.NoError(t, nn.Run(g))

	r, err := nn.Values(rows)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.75, 0.25}, r, 1e-5)

	c, err := nn.Values(cols)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.25, 0.5, 0.75, 0.5}, c, 1e-5)
}

func TestClamp(t *testing.T) {
	g := G.NewGraph()
	x := nn.Matrix(g, []float32{-1, 0.5, 2}, 1, 3, "x")

	out, err := Clamp(g, x, 0, 1)
	require.NoError(t, err)
	require.NoError(t, nn.Run(g))

	v, err := nn.Values(out)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 0.5, 1}, v, 1e-6)
}

func TestSelectRows(t *testing.T) {
	g := G.NewGraph()
	x := nn.Matrix(g, []float32{1, 2, 3, 4, 5, 6}, 3, 2, "x")

	out, err := SelectRows(g, x, []int{2, 0})
	require.NoError(t, err)
	require.NoError(t, nn.Run(g))

	v, err := nn.Values(out)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6, 1, 2}, v)

	_, err = SelectRows(g, x, []int{3})
	assert.Error(t, err)
}

func TestBinaryCrossEntropySum(t *testing.T) {
	g := G.NewGraph()
	p := nn.Matrix(g, []float32{0.5, 0.25}, 1, 2, "p")

	loss, err := BinaryCrossEntropySum(g, p, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, -math32.Log(0.5)-math32.Log(0.75), evalScalar(t, g, loss), 1e-5)
}

func TestSoftmaxDense(t *testing.T) {
	out, err := Softmax(nn.Dense([]float32{1000, 1000, 0, math32.Log(3)}, 2, 2))
	require.NoError(t, err)

	v, err := nn.Float32s(out)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.25, 0.75}, v, 1e-6)
}

// TestMapMerging covers the mapping helpers used when two loss mappings are
// combined.
func TestMapMerging(t *testing.T) {
	g := G.NewGraph()
	m := Map{
		"loss_cls":  nn.Scalar(g, 2, "a"),
		AccuracyKey: nn.Scalar(g, 50, "acc"),
	}
	other := Map{"loss_bbox": nn.Scalar(g, 3, "b"), "loss_cls": nn.Scalar(g, 4, "c")}

	overwritten := m.Update(other)
	assert.Equal(t, []string{"loss_cls"}, overwritten)
	assert.Equal(t, []string{"acc", "loss_bbox", "loss_cls"}, m.Keys())

	total, err := m.Total()
	require.NoError(t, err)
	scaled, err := AddScaled(g, m["loss_bbox"], m["loss_cls"], 0.5)
	require.NoError(t, err)
	mean, err := Mean(g, m[AccuracyKey], nn.Scalar(g, 100, "acc2"))
	require.NoError(t, err)

	vals, err := Evaluate(g, Map{"total": total, "scaled": scaled, "mean": mean})
	require.NoError(t, err)
	assert.InDelta(t, 7, vals["total"], 1e-6)
	assert.InDelta(t, 5, vals["scaled"], 1e-6)
	assert.InDelta(t, 75, vals["mean"], 1e-6)

	_, err = Map{AccuracyKey: m[AccuracyKey]}.Total()
	assert.ErrorIs(t, err, common.ErrPrecondition)
}
