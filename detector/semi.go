package detector

import (
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/losses"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// forwardSemi trains on the labeled first half and the unlabeled second half
// of the batch separately and merges their losses with the unlabeled weight.
func (d *TwoStage) forwardSemi(g *G.ExprGraph, in TrainInputs) (losses.Map, error) {
	n := in.Batch.Len()
	if n%2 != 0 {
		return nil, common.Preconditionf("semi-supervised batch has odd length %d", n)
	}
	half := n / 2
	d.checkHalves(in.Batch.Metas, half)

	labeled, unlabeled := in.Slice(0, half), in.Slice(half, n)
	rpnL, roiL, err := d.forwardPart(g, labeled)
	if err != nil {
		return nil, errors.Wrap(err, "labeled half")
	}
	rpnU, roiU, err := d.forwardPart(g, unlabeled)
	if err != nil {
		return nil, errors.Wrap(err, "unlabeled half")
	}

	w := d.cfg.Train.LabelTypeWeights[common.Unlabeled]
	rpn, err := MergeRPNLosses(g, rpnL, rpnU, w)
	if err != nil {
		return nil, err
	}
	roi, err := MergeRoILosses(g, roiL, roiU, w)
	if err != nil {
		return nil, err
	}
	out := losses.Map{}
	d.union(out, rpn)
	d.union(out, roi)
	return out, nil
}

// checkHalves warns when an image sits in the wrong half. Routing only looks
// at the first and last images.
func (d *TwoStage) checkHalves(metas []common.ImageMeta, half int) {
	for i, m := range metas {
		want := common.Labeled
		if i >= half {
			want = common.Unlabeled
		}
		if m.LabelType != want {
			d.log.Warnf("Image %d of a semi-supervised batch has label type %d, expected %d", i, m.LabelType, want)
		}
	}
}

// MergeRPNLosses returns labeled[k] + unlabeled[k]*w for every key. Both
// mappings must carry the same keys.
func MergeRPNLosses(g *G.ExprGraph, labeled, unlabeled losses.Map, w float32) (losses.Map, error) {
	if len(labeled) != len(unlabeled) {
		return nil, common.ShapeMismatchf("rpn losses %v and %v differ", labeled.Keys(), unlabeled.Keys())
	}
	out := make(losses.Map, len(labeled))
	for _, k := range labeled.Keys() {
		u, ok := unlabeled[k]
		if !ok {
			return nil, common.ShapeMismatchf("unlabeled rpn losses lack %s", k)
		}
		v, err := losses.AddScaled(g, labeled[k], u, w)
		if err != nil {
			return nil, errors.Wrapf(err, "merging %s", k)
		}
		out[k] = v
	}
	return out, nil
}

// MergeRoILosses combines the RoI head losses of both halves. The accuracy is
// averaged. Every other unlabeled entry is added with weight w, starting from
// zero for keys only the unlabeled half produced.
func MergeRoILosses(g *G.ExprGraph, labeled, unlabeled losses.Map, w float32) (losses.Map, error) {
	out := make(losses.Map, len(labeled)+len(unlabeled))
	for k, v := range labeled {
		out[k] = v
	}
	for _, k := range unlabeled.Keys() {
		u := unlabeled[k]
		l, ok := out[k]
		var err error
		switch {
		case k == losses.AccuracyKey && ok:
			out[k], err = losses.Mean(g, l, u)
		case ok:
			out[k], err = losses.AddScaled(g, l, u, w)
		default:
			out[k], err = losses.AddScaled(g, losses.Zero(g, k), u, w)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "merging %s", k)
		}
	}
	return out, nil
}
