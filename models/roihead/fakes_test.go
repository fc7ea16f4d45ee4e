package roihead

import (
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
)

const testChannels = 8

// iouSampler marks every proposal overlapping a ground truth box by at least
// half as positive and the rest as negative.
type iouSampler struct{}

func (iouSampler) Sample(proposals []common.Proposal, gtBoxes []common.Box, gtLabels []int, _ []common.Box) (SamplingResult, error) {
	var r SamplingResult
	for _, p := range proposals {
		best, bestIoU := -1, float32(0)
		for j, gt := range gtBoxes {
			if iou := p.Box.IoU(gt); iou > bestIoU {
				best, bestIoU = j, iou
			}
		}
		if best >= 0 && bestIoU >= 0.5 {
			r.PosBoxes = append(r.PosBoxes, p.Box)
			r.PosGTBoxes = append(r.PosGTBoxes, gtBoxes[best])
			r.PosGTLabels = append(r.PosGTLabels, gtLabels[best])
			r.PosIsGT = append(r.PosIsGT, false)
		} else {
			r.NegBoxes = append(r.NegBoxes, p.Box)
		}
	}
	return r, nil
}

// coordExtractor describes every RoI by its scaled coordinates.
type coordExtractor struct {
	calls int
}

func (e *coordExtractor) Extract(g *G.ExprGraph, _ common.Pyramid, rois []common.RoI) (*G.Node, error) {
	e.calls++
	data := make([]float32, 0, len(rois)*testChannels)
	for _, r := range rois {
		row := make([]float32, testChannels)
		row[0], row[1], row[2], row[3] = r.Box.X1/100, r.Box.Y1/100, r.Box.X2/100, r.Box.Y2/100
		row[4] = 1
		row[5] = float32(r.ImgID)
		data = append(data, row...)
	}
	return nn.Matrix(g, data, len(rois), testChannels, "roi_feats"), nil
}

func newTestHead(t *testing.T, mutate func(*Config)) *BBoxHead {
	t.Helper()
	cfg := DefaultConfig(2, testChannels)
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := NewBBoxHead(cfg, nil)
	require.NoError(t, err)
	return h
}

func newStandardHead(t *testing.T, mutate func(*Config)) (*StandardRoIHead, *coordExtractor) {
	t.Helper()
	cfg := DefaultConfig(2, testChannels)
	cfg.MemCapacity = 16
	if mutate != nil {
		mutate(&cfg)
	}
	ex := &coordExtractor{}
	h, err := NewStandardRoIHead(Args{
		Config:    cfg,
		Test:      DefaultTestConfig(),
		Sampler:   iouSampler{},
		Extractor: ex,
		Log:       logs.NewTestingLog(t),
	})
	require.NoError(t, err)
	return h, ex
}

func proposalsOf(boxes ...common.Box) []common.Proposal {
	out := make([]common.Proposal, len(boxes))
	for i, b := range boxes {
		out[i] = common.Proposal{Box: b, Score: 1 - float32(i)*0.01}
	}
	return out
}
