package detector

import (
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/losses"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/nvr-ai/go-rcnn/models/roihead"
	"github.com/nvr-ai/go-rcnn/profiler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
)

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Options{RoIHead: &fakeRoIHead{}, Config: DefaultConfig(2, 8)})
	assert.ErrorIs(t, err, common.ErrPrecondition)
	_, err = New(Options{Backbone: &fakeBackbone{}, Config: DefaultConfig(2, 8)})
	assert.ErrorIs(t, err, common.ErrPrecondition)
}

func TestExtractFeatUsesNeck(t *testing.T) {
	f := newFixture(t, true, nil)
	neck := &fakeNeck{}
	f.det.neck = neck
	batch, _ := batchOf(common.Labeled, common.Labeled)

	feats, err := f.det.ExtractFeat(G.NewGraph(), batch, common.ModeTrain)
	require.NoError(t, err)
	assert.Len(t, feats, 1)
	assert.Equal(t, 1, neck.calls)
	assert.True(t, f.det.WithNeck())
	assert.True(t, f.det.WithRPN())
}

func TestForwardTrainStandard(t *testing.T) {
	f := newFixture(t, true, nil)
	batch, gt := batchOf(common.Labeled, common.Labeled)
	g := G.NewGraph()

	out, err := f.det.ForwardTrain(g, TrainInputs{Batch: batch, GT: gt})
	require.NoError(t, err)
	vals, err := losses.Evaluate(g, out)
	require.NoError(t, err)

	assert.Equal(t, map[string]float32{
		"loss_rpn_cls": 1, "loss_rpn_bbox": 2,
		"loss_cls": 2, "loss_bbox": 1, "acc": 80,
	}, vals)
	assert.Equal(t, []int{2}, f.roi.trains)
	assert.Nil(t, f.roi.aux[0])
	// No test budget override: the training budget falls back to it.
	assert.Equal(t, f.det.Config().Test.RPN, f.rpn.budget)
}

func TestForwardTrainUsesTrainingBudget(t *testing.T) {
	budget := common.ProposalConfig{NMSPre: 2000, MaxPerImg: 512, IoUThreshold: 0.7}
	f := newFixture(t, true, func(c *Config) { c.Train.RPNProposal = &budget })
	batch, gt := batchOf(common.Labeled)

	_, err := f.det.ForwardTrain(G.NewGraph(), TrainInputs{Batch: batch, GT: gt})
	require.NoError(t, err)
	assert.Equal(t, budget, f.rpn.budget)
}

func TestForwardTrainWithoutRPN(t *testing.T) {
	f := newFixture(t, false, nil)
	batch, gt := batchOf(common.Labeled, common.Labeled)

	_, err := f.det.ForwardTrain(G.NewGraph(), TrainInputs{Batch: batch, GT: gt})
	assert.ErrorIs(t, err, common.ErrPrecondition)

	_, err = f.det.ForwardTrain(G.NewGraph(), TrainInputs{Batch: batch, GT: gt, Proposals: f.rpn.proposals(1)})
	assert.ErrorIs(t, err, common.ErrShapeMismatch)

	g := G.NewGraph()
	out, err := f.det.ForwardTrain(g, TrainInputs{Batch: batch, GT: gt, Proposals: f.rpn.proposals(2)})
	require.NoError(t, err)
	assert.Equal(t, []string{"acc", "loss_bbox", "loss_cls"}, out.Keys())
}

func TestForwardTrainAuxViews(t *testing.T) {
	f := newFixture(t, true, nil)
	batch, gt := batchOf(common.Labeled, common.Labeled)
	v1, gt1 := batchOf(common.Labeled, common.Labeled)
	v2, gt2 := batchOf(common.Labeled, common.Labeled)

	_, err := f.det.ForwardTrain(G.NewGraph(), TrainInputs{
		Batch: batch,
		GT:    gt,
		Aux:   []common.AuxView{{Batch: v1, GT: gt1}, {Batch: v2, GT: gt2}},
	})
	require.NoError(t, err)

	require.Len(t, f.roi.aux, 1)
	aux := f.roi.aux[0]
	require.NotNil(t, aux)
	require.Len(t, aux.Views, 2)
	for _, v := range aux.Views {
		assert.Len(t, v.Proposals, 2)
		require.Len(t, v.Feats, 1)
		vals, err := nn.Values(v.Feats[0])
		require.NoError(t, err)
		assert.Equal(t, []float32{100, 101}, vals)
	}
	assert.Equal(t, []common.Mode{common.ModeTrain, common.ModeNoGrad, common.ModeNoGrad}, f.rpn.modes)
	assert.Equal(t, []common.Mode{common.ModeTrain, common.ModeNoGrad, common.ModeNoGrad}, f.backbone.calls)
}

func TestForwardTrainValidates(t *testing.T) {
	f := newFixture(t, true, nil)
	batch, gt := batchOf(common.Labeled, common.Labeled)
	gt.Labels = gt.Labels[:1]

	_, err := f.det.ForwardTrain(G.NewGraph(), TrainInputs{Batch: batch, GT: gt})
	assert.ErrorIs(t, err, common.ErrShapeMismatch)

	_, err = f.det.ForwardTrain(G.NewGraph(), TrainInputs{Batch: &common.ImageBatch{}})
	assert.ErrorIs(t, err, common.ErrPrecondition)
}

func TestForwardMem(t *testing.T) {
	f := newFixture(t, true, nil)
	batch, gt := batchOf(common.Labeled, common.Labeled)

	require.NoError(t, f.det.ForwardMem(batch, gt))
	require.Len(t, f.roi.mem, 1)
	assert.Equal(t, gt, f.roi.mem[0])
	assert.Equal(t, []common.Mode{common.ModeNoGrad}, f.backbone.calls)
}

func TestSimpleTest(t *testing.T) {
	prof := profiler.New(0)
	f := newFixture(t, true, nil)
	f.det.prof = prof
	batch, _ := batchOf(common.Labeled, common.Labeled)

	dets, err := f.det.SimpleTest(batch, nil, true)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Len(t, dets[1], 2)

	for _, stage := range []string{profiler.StageExtractFeat, profiler.StageRPN, profiler.StageRoI} {
		s, ok := prof.Operation(stage)
		require.True(t, ok, stage)
		assert.Equal(t, int64(1), s.Count)
	}
}

func TestSimpleTestPreconditions(t *testing.T) {
	f := newFixture(t, false, nil)
	batch, _ := batchOf(common.Labeled)

	_, err := f.det.SimpleTest(batch, nil, true)
	assert.ErrorIs(t, err, common.ErrPrecondition)

	dets, err := f.det.SimpleTest(batch, [][]common.Proposal{{}}, true)
	require.NoError(t, err)
	assert.Empty(t, dets[0])

	f.roi.noBBox = true
	_, err = f.det.SimpleTest(batch, [][]common.Proposal{{}}, true)
	assert.ErrorIs(t, err, common.ErrPrecondition)
}

func TestAugTest(t *testing.T) {
	f := newFixture(t, true, nil)
	v1, _ := batchOf(common.Labeled)
	v2, _ := batchOf(common.Labeled)
	v2.Metas[0].Flip = true

	dets, err := f.det.AugTest([]*common.ImageBatch{v1, v2}, nil, false)
	require.NoError(t, err)
	assert.Len(t, dets, 1)
	assert.Equal(t, 2, f.roi.augViews)

	short, _ := batchOf(common.Labeled, common.Labeled)
	_, err = f.det.AugTest([]*common.ImageBatch{v1, short}, nil, false)
	assert.ErrorIs(t, err, common.ErrShapeMismatch)
}

func TestExportONNXNeedsExporter(t *testing.T) {
	f := newFixture(t, true, nil)
	batch, _ := batchOf(common.Labeled)
	_, err := f.det.ExportONNX(batch, nil)
	assert.ErrorIs(t, err, common.ErrPrecondition)
}

// standardDetector wires a real standard RoI head behind the fake backbone.
func standardDetector(t *testing.T) (*TwoStage, *roihead.StandardRoIHead) {
	t.Helper()
	cfg := DefaultConfig(2, 8)
	cfg.RoIHead.MemCapacity = 8
	cfg.Test.RCNN.MaxPerImg = 5
	head, err := roihead.NewStandardRoIHead(cfg.RoIHeadArgs(coordSampler{}, coordExtractor{}, logs.NewTestingLog(t)))
	require.NoError(t, err)
	det, err := New(Options{
		Backbone: &fakeBackbone{},
		RoIHead:  head,
		Config:   cfg,
		Log:      logs.NewTestingLog(t),
	})
	require.NoError(t, err)
	return det, head
}

func TestStandardRoIHeadEndToEnd(t *testing.T) {
	det, head := standardDetector(t)
	batch, gt := batchOf(common.Labeled, common.Labeled)
	proposals := [][]common.Proposal{
		{{Box: common.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}, Score: 0.9}, {Box: common.Box{X1: 60, Y1: 60, X2: 95, Y2: 95}, Score: 0.8}},
		{{Box: common.Box{X1: 12, Y1: 10, X2: 50, Y2: 52}, Score: 0.9}, {Box: common.Box{X1: 0, Y1: 60, X2: 30, Y2: 95}, Score: 0.7}},
	}

	g := G.NewGraph()
	out, err := det.ForwardTrain(g, TrainInputs{Batch: batch, GT: gt, Proposals: proposals})
	require.NoError(t, err)
	vals, err := losses.Evaluate(g, out)
	require.NoError(t, err)
	for _, k := range []string{roihead.KeyLossMid, roihead.KeyLossCls, roihead.KeyLossBBox, losses.AccuracyKey} {
		assert.Contains(t, vals, k)
	}
	assert.Greater(t, vals[roihead.KeyLossCls], float32(0))

	require.NoError(t, det.ForwardMem(batch, gt))
	assert.Equal(t, 2, head.Bank.Len())

	g = G.NewGraph()
	out, err = det.ForwardTrain(g, TrainInputs{Batch: batch, GT: gt, Proposals: proposals})
	require.NoError(t, err)
	assert.Contains(t, out, roihead.KeyLossMemCls)

	dets, err := det.SimpleTest(batch, proposals, true)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	for _, d := range dets {
		assert.LessOrEqual(t, len(d), 5)
	}

	exported, err := det.ExportONNX(batch, proposals)
	require.NoError(t, err)
	shape, _ := exported.Shapes()
	assert.Equal(t, []int64{2, 5, 5}, []int64(shape))
}
