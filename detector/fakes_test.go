package detector

import (
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/losses"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
	"github.com/nvr-ai/go-rcnn/models/roihead"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// fakeBackbone describes every image by its height.
type fakeBackbone struct {
	calls []common.Mode
}

func (b *fakeBackbone) Extract(g *G.ExprGraph, batch *common.ImageBatch, mode common.Mode) (common.Pyramid, error) {
	b.calls = append(b.calls, mode)
	data := make([]float32, batch.Len())
	for i, m := range batch.Metas {
		data[i] = float32(m.ImgShape[0])
	}
	return common.Pyramid{nn.Matrix(g, data, batch.Len(), 1, "feat")}, nil
}

type fakeNeck struct {
	calls int
}

func (n *fakeNeck) Forward(_ *G.ExprGraph, feats common.Pyramid, _ common.Mode) (common.Pyramid, error) {
	n.calls++
	return feats, nil
}

// fakeRPN proposes the same boxes for every image. Its losses depend on the
// label type of the first image so that halves can be told apart.
type fakeRPN struct {
	boxes  []common.Box
	modes  []common.Mode
	budget common.ProposalConfig
	order  *[]string
}

func (r *fakeRPN) proposals(n int) [][]common.Proposal {
	out := make([][]common.Proposal, n)
	for i := range out {
		for j, b := range r.boxes {
			out[i] = append(out[i], common.Proposal{Box: b, Score: 1 - float32(j)*0.1})
		}
	}
	return out
}

func (r *fakeRPN) ForwardTrain(g *G.ExprGraph, _ common.Pyramid, metas []common.ImageMeta, _, _ [][]common.Box, budget common.ProposalConfig, mode common.Mode) (losses.Map, [][]common.Proposal, error) {
	r.modes = append(r.modes, mode)
	r.budget = budget
	if mode == common.ModeNoGrad {
		return nil, r.proposals(len(metas)), nil
	}
	base := float32(1)
	if metas[0].LabelType == common.Unlabeled {
		base = 3
	}
	return losses.Map{
		"loss_rpn_cls":  nn.Scalar(g, base, "loss_rpn_cls"),
		"loss_rpn_bbox": nn.Scalar(g, base*2, "loss_rpn_bbox"),
	}, r.proposals(len(metas)), nil
}

func (r *fakeRPN) SimpleTest(_ *G.ExprGraph, _ common.Pyramid, metas []common.ImageMeta, budget common.ProposalConfig) ([][]common.Proposal, error) {
	r.budget = budget
	if r.order != nil {
		*r.order = append(*r.order, "rpn", idOf(metas))
	}
	return r.proposals(len(metas)), nil
}

func (r *fakeRPN) AugTest(_ *G.ExprGraph, _ []common.Pyramid, metas [][]common.ImageMeta, budget common.ProposalConfig) ([][]common.Proposal, error) {
	r.budget = budget
	return r.proposals(len(metas[0])), nil
}

// fakeRoIHead returns fixed losses per label type and one detection per
// proposal.
type fakeRoIHead struct {
	noBBox   bool
	trains   []int
	aux      []*common.AuxContext
	mem      []common.GroundTruth
	augViews int
	order    *[]string
}

func (h *fakeRoIHead) HasBBox() bool { return !h.noBBox }

func (h *fakeRoIHead) ForwardTrain(g *G.ExprGraph, _ common.Pyramid, metas []common.ImageMeta, _ [][]common.Proposal, _ common.GroundTruth, aux *common.AuxContext) (losses.Map, error) {
	h.trains = append(h.trains, len(metas))
	h.aux = append(h.aux, aux)
	if metas[0].LabelType == common.Unlabeled {
		return losses.Map{
			"loss_cls":   nn.Scalar(g, 4, "loss_cls"),
			"loss_bbox":  nn.Scalar(g, 2, "loss_bbox"),
			"acc":        nn.Scalar(g, 60, "acc"),
			"loss_extra": nn.Scalar(g, 10, "loss_extra"),
		}, nil
	}
	return losses.Map{
		"loss_cls":  nn.Scalar(g, 2, "loss_cls"),
		"loss_bbox": nn.Scalar(g, 1, "loss_bbox"),
		"acc":       nn.Scalar(g, 80, "acc"),
	}, nil
}

func (h *fakeRoIHead) detections(proposals [][]common.Proposal) [][]postprocess.Detection {
	out := make([][]postprocess.Detection, len(proposals))
	for i, ps := range proposals {
		out[i] = []postprocess.Detection{}
		for _, p := range ps {
			out[i] = append(out[i], postprocess.Detection{Box: p.Box, Score: p.Score})
		}
	}
	return out
}

func (h *fakeRoIHead) SimpleTest(_ *G.ExprGraph, _ common.Pyramid, metas []common.ImageMeta, proposals [][]common.Proposal, _ bool) ([][]postprocess.Detection, error) {
	if h.order != nil {
		*h.order = append(*h.order, "roi", idOf(metas))
	}
	return h.detections(proposals), nil
}

func (h *fakeRoIHead) AugTest(_ *G.ExprGraph, feats []common.Pyramid, _ [][]common.ImageMeta, proposals [][]common.Proposal, _ bool) ([][]postprocess.Detection, error) {
	h.augViews = len(feats)
	return h.detections(proposals), nil
}

func (h *fakeRoIHead) MemForward(_ *G.ExprGraph, _ common.Pyramid, _ []common.ImageMeta, gt common.GroundTruth) error {
	h.mem = append(h.mem, gt)
	return nil
}

func idOf(metas []common.ImageMeta) string {
	return string(rune('a' + metas[0].ImgShape[0]%26))
}

// batchOf builds a batch whose images carry the given label types.
func batchOf(types ...common.LabelType) (*common.ImageBatch, common.GroundTruth) {
	b := &common.ImageBatch{}
	gt := common.GroundTruth{}
	for i, lt := range types {
		b.Images = append(b.Images, tensor.New(tensor.WithShape(3, 4, 4), tensor.WithBacking(make([]float32, 48))))
		b.Metas = append(b.Metas, common.ImageMeta{
			ImgShape:    [2]int{100 + i, 100},
			OriShape:    [2]int{100 + i, 100},
			ScaleFactor: [4]float32{1, 1, 1, 1},
			LabelType:   lt,
		})
		gt.Boxes = append(gt.Boxes, []common.Box{{X1: 10, Y1: 10, X2: 50, Y2: 50}})
		gt.Labels = append(gt.Labels, []int{1})
	}
	return b, gt
}

func repeat(lt common.LabelType, n int) []common.LabelType {
	out := make([]common.LabelType, n)
	for i := range out {
		out[i] = lt
	}
	return out
}

type fixture struct {
	det      *TwoStage
	backbone *fakeBackbone
	rpn      *fakeRPN
	roi      *fakeRoIHead
}

func newFixture(t *testing.T, withRPN bool, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig(2, 8)
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		backbone: &fakeBackbone{},
		rpn:      &fakeRPN{boxes: []common.Box{{X1: 10, Y1: 10, X2: 50, Y2: 50}, {X1: 60, Y1: 60, X2: 90, Y2: 90}}},
		roi:      &fakeRoIHead{},
	}
	opts := Options{
		Backbone: f.backbone,
		RoIHead:  f.roi,
		Config:   cfg,
		Log:      logs.NewTestingLog(t),
	}
	if withRPN {
		opts.RPN = f.rpn
	}
	var err error
	f.det, err = New(opts)
	require.NoError(t, err)
	return f
}

// coordSampler and coordExtractor are minimal collaborators of a real
// standard RoI head.
type coordSampler struct{}

func (coordSampler) Sample(proposals []common.Proposal, gtBoxes []common.Box, gtLabels []int, _ []common.Box) (roihead.SamplingResult, error) {
	var r roihead.SamplingResult
	for _, p := range proposals {
		matched := false
		for j, gt := range gtBoxes {
			if p.Box.IoU(gt) >= 0.5 {
				r.PosBoxes = append(r.PosBoxes, p.Box)
				r.PosGTBoxes = append(r.PosGTBoxes, gt)
				r.PosGTLabels = append(r.PosGTLabels, gtLabels[j])
				r.PosIsGT = append(r.PosIsGT, false)
				matched = true
				break
			}
		}
		if !matched {
			r.NegBoxes = append(r.NegBoxes, p.Box)
		}
	}
	return r, nil
}

type coordExtractor struct{}

func (coordExtractor) Extract(g *G.ExprGraph, _ common.Pyramid, rois []common.RoI) (*G.Node, error) {
	data := make([]float32, 0, len(rois)*8)
	for _, r := range rois {
		data = append(data, r.Box.X1/100, r.Box.Y1/100, r.Box.X2/100, r.Box.Y2/100, 1, 0, 0, 0)
	}
	return nn.Matrix(g, data, len(rois), 8, "roi_feats"), nil
}
