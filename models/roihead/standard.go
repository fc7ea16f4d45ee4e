package roihead

import (
	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/bbox"
	"github.com/nvr-ai/go-rcnn/models/losses"
	"github.com/nvr-ai/go-rcnn/models/memory"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Keys added by the standard RoI head on top of the bbox head losses.
const (
	KeyLossMemCls      = "loss_mem_cls"
	KeyLossAuxCls      = "loss_aux_cls"
	KeyLossConsistency = "loss_consistency"
)

// Sampler assigns proposals to ground truth and samples positives and
// negatives for one image.
type Sampler interface {
	Sample(proposals []common.Proposal, gtBoxes []common.Box, gtLabels []int, gtIgnore []common.Box) (SamplingResult, error)
}

// RoIExtractor pools one (InChannels) feature vector per RoI from the
// feature pyramid. The returned node is (len(rois) x InChannels).
type RoIExtractor interface {
	Extract(g *G.ExprGraph, feats common.Pyramid, rois []common.RoI) (*G.Node, error)
}

// StandardRoIHead drives sampling, RoI pooling, the bbox head and the memory
// bank for training and inference.
type StandardRoIHead struct {
	BBox      *BBoxHead
	Sampler   Sampler
	Extractor RoIExtractor
	// Bank is nil when the memory loss is disabled.
	Bank  *memory.Bank
	Train TrainConfig
	Test  TestConfig

	log logs.Log
}

// Args are the collaborators of a StandardRoIHead.
type Args struct {
	Config    Config
	Train     TrainConfig
	Test      TestConfig
	Sampler   Sampler
	Extractor RoIExtractor
	// ClsLoss overrides the classification loss. Optional.
	ClsLoss losses.ClassLoss
	// Log defaults to a new console logger.
	Log logs.Log
}

// NewStandardRoIHead builds the bbox head and, when MemCapacity is set, the
// memory bank.
func NewStandardRoIHead(args Args) (*StandardRoIHead, error) {
	if args.Sampler == nil || args.Extractor == nil {
		return nil, common.Preconditionf("roi head needs a sampler and a roi extractor")
	}
	head, err := NewBBoxHead(args.Config, args.ClsLoss)
	if err != nil {
		return nil, err
	}
	log := args.Log
	if log == nil {
		if log, err = logs.NewLog(); err != nil {
			return nil, errors.Wrap(err, "creating logger")
		}
	}
	h := &StandardRoIHead{
		BBox:      head,
		Sampler:   args.Sampler,
		Extractor: args.Extractor,
		Train:     args.Train,
		Test:      args.Test,
		log:       log,
	}
	if args.Config.MemCapacity > 0 {
		if h.Bank, err = memory.NewBank(args.Config.MemCapacity, args.Config.InChannels); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// HasBBox reports whether the head can produce detections.
func (h *StandardRoIHead) HasBBox() bool {
	return h.BBox.HasBBox()
}

type sampledBatch struct {
	results []SamplingResult
	split   []int
	rois    []common.RoI
}

func (h *StandardRoIHead) sample(proposals [][]common.Proposal, gt common.GroundTruth) (*sampledBatch, error) {
	n := len(proposals)
	if err := gt.Validate(n); err != nil {
		return nil, err
	}
	s := &sampledBatch{results: make([]SamplingResult, n), split: make([]int, n)}
	boxes := make([][]common.Box, n)
	for i := range proposals {
		r, err := h.Sampler.Sample(proposals[i], gt.Boxes[i], gt.Labels[i], gt.IgnoreFor(i))
		if err != nil {
			return nil, errors.Wrapf(err, "sampling image %d", i)
		}
		s.results[i] = r
		s.split[i] = r.Len()
		boxes[i] = r.Boxes()
	}
	s.rois = bbox.ToRoIs(boxes)
	return s, nil
}

// ForwardTrain samples proposals, runs the bbox head and returns its losses.
//
// Arguments:
//   - g: The graph of the current training step.
//   - feats: Feature pyramid of the batch.
//   - metas: Metadata of every image.
//   - proposals: Ranked proposals of every image.
//   - gt: Ground truth. Missing weak tags default to the box labels.
//   - aux: Optional auxiliary views.
//
// Returns:
//   - losses.Map: Bbox head losses plus loss_mem_cls when the memory bank
//     holds exemplars, and loss_aux_cls / loss_consistency for auxiliary views.
//   - error: An error if any collaborator fails or shapes mismatch.
func (h *StandardRoIHead) ForwardTrain(g *G.ExprGraph, feats common.Pyramid, metas []common.ImageMeta, proposals [][]common.Proposal, gt common.GroundTruth, aux *common.AuxContext) (losses.Map, error) {
	if len(proposals) != len(metas) {
		return nil, common.ShapeMismatchf("%d proposal lists for %d images", len(proposals), len(metas))
	}
	s, err := h.sample(proposals, gt)
	if err != nil {
		return nil, err
	}
	targets, err := h.BBox.GetTargets(s.results, h.Train, true)
	if err != nil {
		return nil, err
	}

	out := losses.Map{}
	if len(s.rois) == 0 {
		h.log.Warnf("No RoIs were sampled for %d images", len(metas))
		for _, k := range h.lossKeys() {
			out[k] = losses.Zero(g, k)
		}
	} else {
		x, err := h.Extractor.Extract(g, feats, s.rois)
		if err != nil {
			return nil, errors.Wrap(err, "roi pooling")
		}
		o, err := h.BBox.Forward(g, x)
		if err != nil {
			return nil, err
		}
		if out, err = h.BBox.Loss(g, LossInputs{
			Outputs:   o,
			SplitList: s.split,
			RoIs:      s.rois,
			Targets:   targets[0],
			Tags:      gt.TagsOrLabels(),
		}); err != nil {
			return nil, err
		}
	}

	if h.Bank != nil && h.Bank.Len() > 0 && h.BBox.FcCls != nil {
		mem, err := h.memLoss(g)
		if err != nil {
			return nil, err
		}
		out[KeyLossMemCls] = mem
	}

	if aux != nil && len(aux.Views) > 0 {
		if err := h.auxLosses(g, aux, out); err != nil {
			return nil, errors.Wrap(err, "auxiliary views")
		}
	}
	return out, nil
}

func (h *StandardRoIHead) lossKeys() []string {
	keys := []string{KeyLossMid}
	if h.BBox.FcCls != nil {
		keys = append(keys, KeyLossCls, losses.AccuracyKey)
	}
	if h.BBox.FcReg != nil {
		keys = append(keys, KeyLossBBox)
	}
	return keys
}

func (h *StandardRoIHead) memLoss(g *G.ExprGraph) (*G.Node, error) {
	feats, labels := h.Bank.Snapshot()
	if feats == nil {
		return losses.Zero(g, KeyLossMemCls), nil
	}
	logits, err := h.BBox.Classify(g, nn.Constant(g, feats, "mem_feats"))
	if err != nil {
		return nil, err
	}
	m, err := h.BBox.MemLoss(g, logits, labels)
	if err != nil {
		return nil, err
	}
	return m[KeyLossCls], nil
}

// auxLosses adds the classification loss over every auxiliary view and, with
// two views, the consistency between the class probabilities predicted for
// the ground truth boxes of both views.
func (h *StandardRoIHead) auxLosses(g *G.ExprGraph, aux *common.AuxContext, out losses.Map) error {
	if h.BBox.FcCls == nil {
		return nil
	}
	var total *G.Node
	for v, view := range aux.Views {
		s, err := h.sample(view.Proposals, view.GT)
		if err != nil {
			return errors.Wrapf(err, "view %d", v)
		}
		if len(s.rois) == 0 {
			continue
		}
		targets, err := h.BBox.GetTargets(s.results, h.Train, true)
		if err != nil {
			return err
		}
		x, err := h.Extractor.Extract(g, view.Feats, s.rois)
		if err != nil {
			return err
		}
		logits, err := h.BBox.Classify(g, x)
		if err != nil {
			return err
		}
		var positive float32
		for _, w := range targets[0].LabelWeights {
			if w > 0 {
				positive++
			}
		}
		if positive < 1 {
			positive = 1
		}
		cls, err := h.BBox.ClsLoss.Loss(g, logits, targets[0].Labels, targets[0].LabelWeights, positive)
		if err != nil {
			return err
		}
		if total == nil {
			total = cls
		} else if total, err = G.Add(total, cls); err != nil {
			return err
		}
	}
	if total == nil {
		out[KeyLossAuxCls] = losses.Zero(g, KeyLossAuxCls)
	} else {
		scaled, err := losses.Scale(g, total, h.BBox.Config.AuxLossWeight/float32(len(aux.Views)))
		if err != nil {
			return err
		}
		out[KeyLossAuxCls] = scaled
	}

	if len(aux.Views) == 2 {
		c, err := h.consistency(g, aux.Views[0], aux.Views[1])
		if err != nil {
			return err
		}
		out[KeyLossConsistency] = c
	}
	return nil
}

func (h *StandardRoIHead) consistency(g *G.ExprGraph, a, b common.AuxViewContext) (*G.Node, error) {
	if a.GT.Len() != b.GT.Len() {
		return nil, common.ShapeMismatchf("views annotate %d and %d images", a.GT.Len(), b.GT.Len())
	}
	for i := range a.GT.Boxes {
		if len(a.GT.Boxes[i]) != len(b.GT.Boxes[i]) {
			return nil, common.ShapeMismatchf("image %d has %d and %d boxes in the two views", i, len(a.GT.Boxes[i]), len(b.GT.Boxes[i]))
		}
	}
	roisA, roisB := bbox.ToRoIs(a.GT.Boxes), bbox.ToRoIs(b.GT.Boxes)
	if len(roisA) == 0 {
		return losses.Zero(g, KeyLossConsistency), nil
	}
	probs := make([]*G.Node, 2)
	for k, view := range []struct {
		feats common.Pyramid
		rois  []common.RoI
	}{{a.Feats, roisA}, {b.Feats, roisB}} {
		x, err := h.Extractor.Extract(g, view.feats, view.rois)
		if err != nil {
			return nil, err
		}
		logits, err := h.BBox.Classify(g, x)
		if err != nil {
			return nil, err
		}
		if probs[k], err = losses.SoftmaxRows(g, logits); err != nil {
			return nil, err
		}
	}
	diff, err := G.Sub(probs[0], probs[1])
	if err != nil {
		return nil, err
	}
	if diff, err = G.Square(diff); err != nil {
		return nil, err
	}
	sum, err := G.Sum(diff)
	if err != nil {
		return nil, err
	}
	return losses.Scale(g, sum, 1/float32(len(roisA)))
}

// predict runs the bbox head on the given RoIs and evaluates g.
func (h *StandardRoIHead) predict(g *G.ExprGraph, feats common.Pyramid, rois []common.RoI) (cls, reg *tensor.Dense, err error) {
	x, err := h.Extractor.Extract(g, feats, rois)
	if err != nil {
		return nil, nil, errors.Wrap(err, "roi pooling")
	}
	o, err := h.BBox.Forward(g, x)
	if err != nil {
		return nil, nil, err
	}
	if err := nn.Run(g); err != nil {
		return nil, nil, err
	}
	if o.ClsScore != nil {
		if cls, err = nn.DenseValue(o.ClsScore); err != nil {
			return nil, nil, err
		}
	}
	if o.BBoxPred != nil {
		if reg, err = nn.DenseValue(o.BBoxPred); err != nil {
			return nil, nil, err
		}
	}
	return cls, reg, nil
}

// splitRows cuts per-image row blocks out of a batch level prediction.
func splitRows(t *tensor.Dense, counts []int) ([]*tensor.Dense, error) {
	out := make([]*tensor.Dense, len(counts))
	offset := 0
	for i, c := range counts {
		var err error
		if out[i], err = nn.SliceRows(t, offset, offset+c); err != nil {
			return nil, err
		}
		offset += c
	}
	return out, nil
}

// SimpleTest decodes detections for every image from its proposals.
func (h *StandardRoIHead) SimpleTest(g *G.ExprGraph, feats common.Pyramid, metas []common.ImageMeta, proposals [][]common.Proposal, rescale bool) ([][]postprocess.Detection, error) {
	if !h.HasBBox() {
		return nil, common.Preconditionf("bbox head has no classification branch")
	}
	if len(proposals) != len(metas) {
		return nil, common.ShapeMismatchf("%d proposal lists for %d images", len(proposals), len(metas))
	}
	boxes := make([][]common.Box, len(proposals))
	counts := make([]int, len(proposals))
	for i, p := range proposals {
		boxes[i] = common.ProposalBoxes(p)
		counts[i] = len(p)
	}
	out := make([][]postprocess.Detection, len(proposals))
	rois := bbox.ToRoIs(boxes)
	if len(rois) == 0 {
		for i := range out {
			out[i] = []postprocess.Detection{}
		}
		return out, nil
	}

	cls, reg, err := h.predict(g, feats, rois)
	if err != nil {
		return nil, err
	}
	clsPer, err := splitRows(cls, counts)
	if err != nil {
		return nil, err
	}
	regPer, err := splitRows(reg, counts)
	if err != nil {
		return nil, err
	}
	cfg := h.Test
	for i := range proposals {
		res, err := h.BBox.GetBBoxes(boxes[i], clsPer[i], regPer[i], metas[i], rescale, &cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding image %d", i)
		}
		out[i] = res.Detections
	}
	return out, nil
}

// AugTest decodes every augmented view of the images, maps the boxes back to
// the original image space, averages boxes and scores across views and runs
// multi-class NMS once.
//
// Arguments:
//   - g: Graph to evaluate on.
//   - feats: Feature pyramid of every view.
//   - metas: Metadata of every view, one entry per image.
//   - proposals: Proposals of every image in original image space.
//   - rescale: When false the boxes are scaled to the first view.
func (h *StandardRoIHead) AugTest(g *G.ExprGraph, feats []common.Pyramid, metas [][]common.ImageMeta, proposals [][]common.Proposal, rescale bool) ([][]postprocess.Detection, error) {
	if !h.HasBBox() {
		return nil, common.Preconditionf("bbox head has no classification branch")
	}
	if len(feats) == 0 || len(feats) != len(metas) {
		return nil, common.ShapeMismatchf("%d feature views for %d meta views", len(feats), len(metas))
	}
	nImgs := len(proposals)
	for v := range metas {
		if len(metas[v]) != nImgs {
			return nil, common.ShapeMismatchf("view %d has %d metas for %d images", v, len(metas[v]), nImgs)
		}
	}
	out := make([][]postprocess.Detection, nImgs)
	counts := make([]int, nImgs)
	total := 0
	for i, p := range proposals {
		counts[i] = len(p)
		total += len(p)
	}
	if total == 0 {
		for i := range out {
			out[i] = []postprocess.Detection{}
		}
		return out, nil
	}

	type viewPred struct {
		boxes [][]common.Box
		cls   *G.Node
		reg   *G.Node
	}
	views := make([]viewPred, len(feats))
	for v := range feats {
		boxes := make([][]common.Box, nImgs)
		for i, p := range proposals {
			m := metas[v][i]
			boxes[i] = bbox.Mapping(common.ProposalBoxes(p), m.ImgShape, m.ScaleFactor, m.Flip)
		}
		x, err := h.Extractor.Extract(g, feats[v], bbox.ToRoIs(boxes))
		if err != nil {
			return nil, errors.Wrapf(err, "roi pooling view %d", v)
		}
		o, err := h.BBox.Forward(g, x)
		if err != nil {
			return nil, err
		}
		views[v] = viewPred{boxes: boxes, cls: o.ClsScore, reg: o.BBoxPred}
	}
	if err := nn.Run(g); err != nil {
		return nil, err
	}

	for i := 0; i < nImgs; i++ {
		if counts[i] == 0 {
			out[i] = []postprocess.Detection{}
			continue
		}
		var sumBoxes, sumScores []float32
		var boxShape, scoreShape []int
		for v, view := range views {
			cls, reg, err := viewRows(view.cls, view.reg, counts, i)
			if err != nil {
				return nil, err
			}
			m := metas[v][i]
			res, err := h.BBox.GetBBoxes(view.boxes[i], cls, reg, m, false, nil)
			if err != nil {
				return nil, err
			}
			back, err := mapGroups(res.Boxes, func(b common.Box) common.Box {
				return bbox.MappingBack([]common.Box{b}, m.ImgShape, m.ScaleFactor, m.Flip)[0]
			})
			if err != nil {
				return nil, err
			}
			if sumBoxes, err = accumulate(sumBoxes, back); err != nil {
				return nil, err
			}
			if sumScores, err = accumulate(sumScores, res.Scores); err != nil {
				return nil, err
			}
			boxShape, scoreShape = back.Shape().Clone(), res.Scores.Shape().Clone()
		}
		scale := 1 / float32(len(views))
		for k := range sumBoxes {
			sumBoxes[k] *= scale
		}
		for k := range sumScores {
			sumScores[k] *= scale
		}
		merged := nn.Dense(sumBoxes, boxShape...)
		if !rescale {
			first := metas[0][i]
			var err error
			if merged, err = mapGroups(merged, func(b common.Box) common.Box { return b.Scale(first.ScaleFactor) }); err != nil {
				return nil, err
			}
		}
		dets, err := postprocess.MultiClassNMS(merged, nn.Dense(sumScores, scoreShape...), h.Test.NMSConfig())
		if err != nil {
			return nil, err
		}
		out[i] = dets
	}
	return out, nil
}

func viewRows(cls, reg *G.Node, counts []int, i int) (*tensor.Dense, *tensor.Dense, error) {
	lo := 0
	for _, c := range counts[:i] {
		lo += c
	}
	hi := lo + counts[i]
	read := func(n *G.Node) (*tensor.Dense, error) {
		if n == nil {
			return nil, nil
		}
		d, err := nn.DenseValue(n)
		if err != nil {
			return nil, err
		}
		return nn.SliceRows(d, lo, hi)
	}
	c, err := read(cls)
	if err != nil {
		return nil, nil, err
	}
	r, err := read(reg)
	if err != nil {
		return nil, nil, err
	}
	return c, r, nil
}

func accumulate(sum []float32, t *tensor.Dense) ([]float32, error) {
	data, err := nn.Float32s(t)
	if err != nil {
		return nil, err
	}
	if sum == nil {
		return append([]float32(nil), data...), nil
	}
	if len(sum) != len(data) {
		return nil, common.ShapeMismatchf("views disagree on output size: %d vs %d", len(sum), len(data))
	}
	for k, v := range data {
		sum[k] += v
	}
	return sum, nil
}

// MemForward pools the ground truth boxes of the batch and stores their
// features in the memory bank. Nothing is stored when the bank is disabled.
func (h *StandardRoIHead) MemForward(g *G.ExprGraph, feats common.Pyramid, metas []common.ImageMeta, gt common.GroundTruth) error {
	if h.Bank == nil {
		return nil
	}
	if err := gt.Validate(len(metas)); err != nil {
		return err
	}
	rois := bbox.ToRoIs(gt.Boxes)
	if len(rois) == 0 {
		return nil
	}
	labels := make([]int, 0, len(rois))
	for _, ls := range gt.Labels {
		labels = append(labels, ls...)
	}
	x, err := h.Extractor.Extract(g, feats, rois)
	if err != nil {
		return errors.Wrap(err, "roi pooling")
	}
	if err := nn.Run(g); err != nil {
		return err
	}
	features, err := nn.DenseValue(x)
	if err != nil {
		return err
	}
	if err := h.Bank.Update(features, labels); err != nil {
		return err
	}
	h.log.Debugf("Memory bank updated with %d exemplars, holding %d", len(labels), h.Bank.Len())
	return nil
}
