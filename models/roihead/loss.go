package roihead

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/losses"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Loss keys produced by the head.
const (
	KeyLossMid  = "loss_mid"
	KeyLossCls  = "loss_cls"
	KeyLossBBox = "loss_bbox"
)

const milEps = 1e-5

// LossInputs gathers what the loss composer consumes for one batch.
type LossInputs struct {
	Outputs
	// SplitList is the number of sampled RoIs of every image, in order.
	SplitList []int
	// RoIs are the sampled boxes in the same row order as the outputs.
	RoIs    []common.RoI
	Targets Targets
	// Tags are the image level weak labels of every image.
	Tags [][]int
}

func (in LossInputs) validate() error {
	n := len(in.RoIs)
	var total int
	for _, c := range in.SplitList {
		total += c
	}
	if total != n {
		return common.ShapeMismatchf("split list covers %d rows but there are %d rois", total, n)
	}
	if in.Targets.Len() != n {
		return common.ShapeMismatchf("%d targets for %d rois", in.Targets.Len(), n)
	}
	if len(in.Tags) != len(in.SplitList) {
		return common.ShapeMismatchf("%d weak tag lists for %d images", len(in.Tags), len(in.SplitList))
	}
	for name, node := range map[string]*G.Node{
		"cls_score":     in.ClsScore,
		"bbox_pred":     in.BBoxPred,
		"mid_cls_score": in.MidClsScore,
		"mid_det_score": in.MidDetScore,
	} {
		if node != nil && nn.Rows(node) != n {
			return common.ShapeMismatchf("%s has %d rows for %d rois", name, nn.Rows(node), n)
		}
	}
	return nil
}

// Loss composes the MIL, classification and regression terms of a batch.
//
// Arguments:
//   - g: The graph the outputs were built on.
//   - in: Predictions, targets and per-image bookkeeping.
//
// Returns:
//   - losses.Map: loss_mid, loss_cls, acc and loss_bbox for the enabled branches.
//   - error: ErrShapeMismatch when the inputs do not line up.
func (h *BBoxHead) Loss(g *G.ExprGraph, in LossInputs) (losses.Map, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	out := losses.Map{}

	if in.MidClsScore != nil && in.MidDetScore != nil {
		mid, err := h.milLoss(g, in)
		if err != nil {
			return nil, errors.Wrap(err, "mil loss")
		}
		out[KeyLossMid] = mid
	}

	if in.ClsScore != nil && len(in.RoIs) > 0 {
		var positive float32
		for _, w := range in.Targets.LabelWeights {
			if w > 0 {
				positive++
			}
		}
		cls, err := h.ClsLoss.Loss(g, in.ClsScore, in.Targets.Labels, in.Targets.LabelWeights, math32.Max(positive, 1))
		if err != nil {
			return nil, errors.Wrap(err, "classification loss")
		}
		out[KeyLossCls] = cls
		if r, ok := h.ClsLoss.(losses.AccuracyReporter); ok {
			acc, err := r.Accuracy(g, in.ClsScore, in.Targets.Labels)
			if err != nil {
				return nil, err
			}
			out.Update(acc)
		} else {
			acc, err := losses.Accuracy(g, in.ClsScore, in.Targets.Labels)
			if err != nil {
				return nil, err
			}
			out[losses.AccuracyKey] = acc
		}
	}

	if in.BBoxPred != nil {
		reg, err := h.bboxLoss(g, in)
		if err != nil {
			return nil, errors.Wrap(err, "regression loss")
		}
		out[KeyLossBBox] = reg
	}
	return out, nil
}

// milLoss supervises the mid-level branches with the weak image tags.
func (h *BBoxHead) milLoss(g *G.ExprGraph, in LossInputs) (*G.Node, error) {
	classes := h.Config.NumClasses
	if nn.Cols(in.MidClsScore) != classes || nn.Cols(in.MidDetScore) != classes {
		return nil, common.ShapeMismatchf("mid scores have %d and %d columns for %d classes",
			nn.Cols(in.MidClsScore), nn.Cols(in.MidDetScore), classes)
	}
	if len(in.SplitList) == 0 {
		return losses.Zero(g, KeyLossMid), nil
	}

	var clsProb *G.Node
	if len(in.RoIs) > 0 {
		var err error
		if clsProb, err = losses.SoftmaxRows(g, in.MidClsScore); err != nil {
			return nil, err
		}
	}

	var total *G.Node
	offset := 0
	for i, count := range in.SplitList {
		target := make([]float32, classes)
		for _, tag := range in.Tags[i] {
			if tag < 0 || tag >= classes {
				return nil, errors.Errorf("image %d has weak tag %d outside [0, %d)", i, tag, classes)
			}
			target[tag] = 1
		}

		var score *G.Node
		if count == 0 {
			score = nn.Full(g, 1, classes, milEps, "mil_empty")
		} else {
			idx := make([]int, count)
			for k := range idx {
				idx[k] = offset + k
			}
			det, err := losses.SelectRows(g, in.MidDetScore, idx)
			if err != nil {
				return nil, err
			}
			if det, err = losses.SoftmaxCols(g, det); err != nil {
				return nil, err
			}
			cls, err := losses.SelectRows(g, clsProb, idx)
			if err != nil {
				return nil, err
			}
			mid, err := G.HadamardProd(det, cls)
			if err != nil {
				return nil, err
			}
			if score, err = losses.ColumnSums(g, mid); err != nil {
				return nil, err
			}
			if score, err = losses.Clamp(g, score, milEps, 1-milEps); err != nil {
				return nil, err
			}
		}
		offset += count

		bce, err := losses.BinaryCrossEntropySum(g, score, target)
		if err != nil {
			return nil, err
		}
		if total == nil {
			total = bce
		} else if total, err = G.Add(total, bce); err != nil {
			return nil, err
		}
	}
	return losses.Scale(g, total, h.Config.LossMidWeight/float32(len(in.SplitList)))
}

// bboxLoss regresses positives only and averages over every sampled RoI.
func (h *BBoxHead) bboxLoss(g *G.ExprGraph, in LossInputs) (*G.Node, error) {
	classes := h.Config.NumClasses
	n := len(in.RoIs)
	width := nn.Cols(in.BBoxPred)
	if width != 4 && width != 4*classes {
		return nil, common.ShapeMismatchf("bbox_pred width %d does not fit %d classes", width, classes)
	}

	var pos []int
	for i, l := range in.Targets.Labels {
		if l >= 0 && l < classes {
			pos = append(pos, i)
		}
	}
	if len(pos) == 0 {
		// Zero valued but still connected to the prediction.
		if n == 0 {
			return losses.Zero(g, KeyLossBBox), nil
		}
		masked, err := G.HadamardProd(in.BBoxPred, nn.Full(g, n, width, 0, "bbox_no_pos"))
		if err != nil {
			return nil, err
		}
		return G.Sum(masked)
	}

	pred, err := losses.SelectRows(g, in.BBoxPred, pos)
	if err != nil {
		return nil, err
	}
	if width != 4 {
		if pred, err = gatherClassDeltas(g, pred, pickLabels(in.Targets.Labels, pos), classes); err != nil {
			return nil, err
		}
	}
	if h.Config.RegDecodedBBox {
		boxes := make([]common.Box, len(pos))
		for k, i := range pos {
			boxes[k] = in.RoIs[i].Box
		}
		if pred, err = h.Coder.DecodeNode(g, boxes, pred); err != nil {
			return nil, err
		}
	}
	targets := make([][4]float32, len(pos))
	weights := make([][4]float32, len(pos))
	for k, i := range pos {
		targets[k] = in.Targets.BBoxTargets[i]
		weights[k] = in.Targets.BBoxWeights[i]
	}
	return h.RegLoss.Loss(g, pred, targets, weights, float32(n))
}

// gatherClassDeltas picks the 4 deltas of each row's label out of an
// (n x 4C) block by masking and folding the class groups together.
func gatherClassDeltas(g *G.ExprGraph, pred *G.Node, labels []int, classes int) (*G.Node, error) {
	n, width := len(labels), 4*classes
	mask := make([]float32, n*width)
	for r, l := range labels {
		for k := 0; k < 4; k++ {
			mask[r*width+l*4+k] = 1
		}
	}
	fold := make([]float32, width*4)
	for c := 0; c < classes; c++ {
		for k := 0; k < 4; k++ {
			fold[(c*4+k)*4+k] = 1
		}
	}
	masked, err := G.HadamardProd(pred, nn.Matrix(g, mask, n, width, "class_mask"))
	if err != nil {
		return nil, err
	}
	return G.Mul(masked, nn.Matrix(g, fold, width, 4, "class_fold"))
}

func pickLabels(labels, idx []int) []int {
	out := make([]int, len(idx))
	for k, i := range idx {
		out[k] = labels[i]
	}
	return out
}

// MemLoss classifies memory exemplars with unit weights, averages over the
// exemplars and scales by the memory loss weight. The result is keyed
// loss_cls; callers rename it before merging with the main mapping.
func (h *BBoxHead) MemLoss(g *G.ExprGraph, clsScore *G.Node, labels []int) (losses.Map, error) {
	out := losses.Map{}
	if clsScore == nil || len(labels) == 0 {
		return out, nil
	}
	if nn.Rows(clsScore) != len(labels) {
		return nil, common.ShapeMismatchf("memory scores have %d rows for %d labels", nn.Rows(clsScore), len(labels))
	}
	weights := make([]float32, len(labels))
	for i := range weights {
		weights[i] = 1
	}
	cls, err := h.ClsLoss.Loss(g, clsScore, labels, weights, float32(len(labels)))
	if err != nil {
		return nil, errors.Wrap(err, "memory classification loss")
	}
	if out[KeyLossCls], err = losses.Scale(g, cls, h.Config.LossMemClsWeight); err != nil {
		return nil, err
	}
	return out, nil
}
