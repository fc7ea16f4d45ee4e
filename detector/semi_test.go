package detector

import (
	"testing"

	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/losses"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
)

func semiBatch(n int) (*common.ImageBatch, common.GroundTruth) {
	return batchOf(append(repeat(common.Labeled, n), repeat(common.Unlabeled, n)...)...)
}

func TestForwardTrainSemiMerge(t *testing.T) {
	tests := []struct {
		name    string
		weights [2]float32
		want    map[string]float32
	}{
		{
			name:    "half weight",
			weights: [2]float32{1, 0.5},
			want: map[string]float32{
				"loss_rpn_cls": 2.5, "loss_rpn_bbox": 5,
				"loss_cls": 4, "loss_bbox": 2, "acc": 70, "loss_extra": 5,
			},
		},
		{
			name:    "zero weight keeps labeled losses",
			weights: [2]float32{1, 0},
			want: map[string]float32{
				"loss_rpn_cls": 1, "loss_rpn_bbox": 2,
				"loss_cls": 2, "loss_bbox": 1, "acc": 70, "loss_extra": 0,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true, func(c *Config) {
				c.Train.Mode = ModeSemiSupervised
				c.Train.LabelTypeWeights = tt.weights
			})
			batch, gt := semiBatch(4)
			g := G.NewGraph()

			out, err := f.det.ForwardTrain(g, TrainInputs{Batch: batch, GT: gt})
			require.NoError(t, err)
			vals, err := losses.Evaluate(g, out)
			require.NoError(t, err)

			require.Len(t, vals, len(tt.want))
			for k, v := range tt.want {
				assert.InDelta(t, v, vals[k], 1e-5, k)
			}
			assert.Equal(t, []int{4, 4}, f.roi.trains)
		})
	}
}

func TestSemiRoutingIsPerCall(t *testing.T) {
	f := newFixture(t, true, func(c *Config) { c.Train.Mode = ModeSemiSupervised })

	batch, gt := semiBatch(2)
	_, err := f.det.ForwardTrain(G.NewGraph(), TrainInputs{Batch: batch, GT: gt})
	require.NoError(t, err)

	labeled, lgt := batchOf(repeat(common.Labeled, 4)...)
	_, err = f.det.ForwardTrain(G.NewGraph(), TrainInputs{Batch: labeled, GT: lgt})
	require.NoError(t, err)

	// Two halves, then one whole batch.
	assert.Equal(t, []int{2, 2, 4}, f.roi.trains)
}

func TestSemiNeedsModeFlag(t *testing.T) {
	f := newFixture(t, true, nil)
	batch, gt := semiBatch(2)

	_, err := f.det.ForwardTrain(G.NewGraph(), TrainInputs{Batch: batch, GT: gt})
	require.NoError(t, err)
	assert.Equal(t, []int{4}, f.roi.trains)
}

func TestSemiOddBatch(t *testing.T) {
	f := newFixture(t, true, func(c *Config) { c.Train.Mode = ModeSemiSupervised })
	batch, gt := batchOf(common.Labeled, common.Labeled, common.Unlabeled)

	_, err := f.det.ForwardTrain(G.NewGraph(), TrainInputs{Batch: batch, GT: gt})
	assert.ErrorIs(t, err, common.ErrPrecondition)
}

func TestSemiMixedHalvesStillSplit(t *testing.T) {
	f := newFixture(t, true, func(c *Config) { c.Train.Mode = ModeSemiSupervised })
	batch, gt := batchOf(common.Labeled, common.Unlabeled, common.Labeled, common.Unlabeled)

	_, err := f.det.ForwardTrain(G.NewGraph(), TrainInputs{Batch: batch, GT: gt})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, f.roi.trains)
}

func TestSemiAuxViewsFollowTheirHalf(t *testing.T) {
	f := newFixture(t, true, func(c *Config) { c.Train.Mode = ModeSemiSupervised })
	batch, gt := semiBatch(2)
	v1, gt1 := semiBatch(2)
	v2, gt2 := semiBatch(2)

	_, err := f.det.ForwardTrain(G.NewGraph(), TrainInputs{
		Batch: batch,
		GT:    gt,
		Aux:   []common.AuxView{{Batch: v1, GT: gt1}, {Batch: v2, GT: gt2}},
	})
	require.NoError(t, err)
	require.Len(t, f.roi.aux, 2)

	for half, want := range [][]float32{{100, 101}, {102, 103}} {
		aux := f.roi.aux[half]
		require.Len(t, aux.Views, 2)
		for _, v := range aux.Views {
			vals, err := nn.Values(v.Feats[0])
			require.NoError(t, err)
			assert.Equal(t, want, vals)
			assert.Len(t, v.Metas, 2)
		}
	}
}

func TestSemiSplitsSuppliedProposals(t *testing.T) {
	f := newFixture(t, false, func(c *Config) { c.Train.Mode = ModeSemiSupervised })
	batch, gt := semiBatch(2)

	_, err := f.det.ForwardTrain(G.NewGraph(), TrainInputs{Batch: batch, GT: gt, Proposals: f.rpn.proposals(4)})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, f.roi.trains)
}

func TestMergeRPNLossesKeyMismatch(t *testing.T) {
	g := G.NewGraph()
	l := losses.Map{"loss_rpn_cls": nn.Scalar(g, 1, "l")}
	u := losses.Map{"loss_rpn_bbox": nn.Scalar(g, 1, "u")}

	_, err := MergeRPNLosses(g, l, u, 1)
	assert.ErrorIs(t, err, common.ErrShapeMismatch)

	_, err = MergeRPNLosses(g, l, losses.Map{}, 1)
	assert.ErrorIs(t, err, common.ErrShapeMismatch)

	out, err := MergeRPNLosses(g, losses.Map{}, losses.Map{}, 1)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSemiRejectsShortProposals(t *testing.T) {
	f := newFixture(t, false, func(c *Config) { c.Train.Mode = ModeSemiSupervised })
	batch, gt := semiBatch(4)

	_, err := f.det.ForwardTrain(G.NewGraph(), TrainInputs{Batch: batch, GT: gt, Proposals: f.rpn.proposals(4)})
	assert.ErrorIs(t, err, common.ErrShapeMismatch)
	assert.Empty(t, f.roi.trains)
}

func TestSemiRejectsShortAuxView(t *testing.T) {
	short, shortGT := semiBatch(1)
	full, fullGT := semiBatch(2)
	tests := []struct {
		name string
		view common.AuxView
		want error
	}{
		{"short batch", common.AuxView{Batch: short, GT: shortGT}, common.ErrShapeMismatch},
		{"short ground truth", common.AuxView{Batch: full, GT: shortGT}, common.ErrShapeMismatch},
		{"short proposals", common.AuxView{Batch: full, GT: fullGT, Proposals: [][]common.Proposal{{}}}, common.ErrShapeMismatch},
		{"missing batch", common.AuxView{GT: fullGT}, common.ErrPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true, func(c *Config) { c.Train.Mode = ModeSemiSupervised })
			batch, gt := semiBatch(2)

			_, err := f.det.ForwardTrain(G.NewGraph(), TrainInputs{
				Batch: batch,
				GT:    gt,
				Aux:   []common.AuxView{{Batch: full, GT: fullGT}, tt.view},
			})
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.roi.trains)
		})
	}
}
