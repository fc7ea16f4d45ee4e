// Package detector - Two-stage detector orchestration: feature extraction,
// proposal generation and the RoI head, for supervised and semi-supervised
// training and for inference.
package detector

import (
	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/losses"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
	"github.com/nvr-ai/go-rcnn/profiler"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Options are the components of a two-stage detector. Neck and RPN are
// optional.
type Options struct {
	Backbone Backbone
	Neck     Neck
	RPN      RPNHead
	RoIHead  RoIHead
	Config   Config
	// Log defaults to a new console logger.
	Log logs.Log
	// Profiler records stage timings when set.
	Profiler *profiler.Profiler
}

// TwoStage drives backbone, neck, RPN and RoI head.
type TwoStage struct {
	backbone Backbone
	neck     Neck
	rpn      RPNHead
	roi      RoIHead
	cfg      Config
	classes  *postprocess.ClassSet
	log      logs.Log
	prof     *profiler.Profiler
}

// TrainInputs is one training batch.
type TrainInputs struct {
	Batch *common.ImageBatch
	GT    common.GroundTruth
	// Proposals are required when the detector has no RPN.
	Proposals [][]common.Proposal
	// Aux holds the strongly augmented views of the batch, if any.
	Aux []common.AuxView
}

// Slice returns images [lo, hi) of every part of the inputs.
func (in TrainInputs) Slice(lo, hi int) TrainInputs {
	out := TrainInputs{Batch: in.Batch.Slice(lo, hi), GT: in.GT.Slice(lo, hi)}
	if in.Proposals != nil {
		out.Proposals = in.Proposals[lo:hi]
	}
	for _, v := range in.Aux {
		out.Aux = append(out.Aux, v.Slice(lo, hi))
	}
	return out
}

// Validate checks that every per-image list of the inputs covers the batch.
func (in TrainInputs) Validate() error {
	if err := in.Batch.Validate(); err != nil {
		return err
	}
	n := in.Batch.Len()
	if err := in.GT.Validate(n); err != nil {
		return err
	}
	if in.Proposals != nil && len(in.Proposals) != n {
		return common.ShapeMismatchf("%d proposal lists for %d images", len(in.Proposals), n)
	}
	for i, v := range in.Aux {
		if err := v.Batch.Validate(); err != nil {
			return errors.Wrapf(err, "auxiliary view %d", i)
		}
		if v.Batch.Len() != n {
			return common.ShapeMismatchf("auxiliary view %d has %d images for %d", i, v.Batch.Len(), n)
		}
		if err := v.GT.Validate(n); err != nil {
			return errors.Wrapf(err, "auxiliary view %d", i)
		}
		if v.Proposals != nil && len(v.Proposals) != n {
			return common.ShapeMismatchf("auxiliary view %d has %d proposal lists for %d images", i, len(v.Proposals), n)
		}
	}
	return nil
}

// New creates a two-stage detector.
func New(opts Options) (*TwoStage, error) {
	if opts.Backbone == nil {
		return nil, common.Preconditionf("detector needs a backbone")
	}
	if opts.RoIHead == nil {
		return nil, common.Preconditionf("detector needs a roi head")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	classes, err := opts.Config.ClassSet()
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		if log, err = logs.NewLog(); err != nil {
			return nil, errors.Wrap(err, "creating logger")
		}
	}
	return &TwoStage{
		backbone: opts.Backbone,
		neck:     opts.Neck,
		rpn:      opts.RPN,
		roi:      opts.RoIHead,
		cfg:      opts.Config,
		classes:  classes,
		log:      log,
		prof:     opts.Profiler,
	}, nil
}

// WithNeck reports whether a neck is configured.
func (d *TwoStage) WithNeck() bool { return d.neck != nil }

// WithRPN reports whether an RPN is configured.
func (d *TwoStage) WithRPN() bool { return d.rpn != nil }

// Config returns the detector configuration.
func (d *TwoStage) Config() Config { return d.cfg }

// ExtractFeat runs the backbone and the neck.
func (d *TwoStage) ExtractFeat(g *G.ExprGraph, batch *common.ImageBatch, mode common.Mode) (common.Pyramid, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	defer d.prof.StartOperation(profiler.StageExtractFeat)()

	feats, err := d.backbone.Extract(g, batch, mode)
	if err != nil {
		return nil, errors.Wrap(err, "backbone")
	}
	if d.neck != nil {
		if feats, err = d.neck.Forward(g, feats, mode); err != nil {
			return nil, errors.Wrap(err, "neck")
		}
	}
	return feats, nil
}

// ForwardTrain builds the training losses of a batch on g.
//
// A batch whose first image is labeled and whose last image is unlabeled
// takes the semi-supervised path when the training mode is "ssod". Every other
// batch takes the standard path. The decision is made on every call.
//
// Arguments:
//   - g: The graph of the current training step.
//   - in: Images, ground truth, optional proposals and auxiliary views.
//
// Returns:
//   - losses.Map: RPN and RoI head losses.
//   - error: ErrPrecondition or ErrShapeMismatch for malformed batches, or
//     the error of a failing component.
func (d *TwoStage) ForwardTrain(g *G.ExprGraph, in TrainInputs) (losses.Map, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if d.semiSupervised(in.Batch.Metas) {
		d.log.Debugf("Semi-supervised step over %d images", in.Batch.Len())
		return d.forwardSemi(g, in)
	}
	d.log.Debugf("Standard step over %d images", in.Batch.Len())
	return d.forwardStandard(g, in)
}

func (d *TwoStage) semiSupervised(metas []common.ImageMeta) bool {
	return d.cfg.Train.SemiSupervised() &&
		metas[0].LabelType == common.Labeled &&
		metas[len(metas)-1].LabelType == common.Unlabeled
}

func (d *TwoStage) forwardStandard(g *G.ExprGraph, in TrainInputs) (losses.Map, error) {
	out, roi, err := d.forwardPart(g, in)
	if err != nil {
		return nil, err
	}
	d.union(out, roi)
	return out, nil
}

// forwardPart runs every stage of training on one batch and returns the RPN
// and RoI head losses separately.
func (d *TwoStage) forwardPart(g *G.ExprGraph, in TrainInputs) (rpn, roi losses.Map, err error) {
	feats, err := d.ExtractFeat(g, in.Batch, common.ModeTrain)
	if err != nil {
		return nil, nil, err
	}
	rpn, proposals, err := d.trainProposals(g, feats, in.Batch.Metas, in.GT, in.Proposals, common.ModeTrain)
	if err != nil {
		return nil, nil, err
	}
	aux, err := d.auxContext(g, in.Aux)
	if err != nil {
		return nil, nil, err
	}

	done := d.prof.StartOperation(profiler.StageRoI)
	roi, err = d.roi.ForwardTrain(g, feats, in.Batch.Metas, proposals, in.GT, aux)
	done()
	if err != nil {
		return nil, nil, errors.Wrap(err, "roi head")
	}
	if rpn == nil {
		rpn = losses.Map{}
	}
	return rpn, roi, nil
}

// trainProposals runs the RPN, or checks the supplied proposals when there is
// none.
func (d *TwoStage) trainProposals(g *G.ExprGraph, feats common.Pyramid, metas []common.ImageMeta, gt common.GroundTruth, supplied [][]common.Proposal, mode common.Mode) (losses.Map, [][]common.Proposal, error) {
	if d.rpn == nil {
		if supplied == nil {
			return nil, nil, common.Preconditionf("detector has no rpn and no proposals were supplied")
		}
		if len(supplied) != len(metas) {
			return nil, nil, common.ShapeMismatchf("%d proposal lists for %d images", len(supplied), len(metas))
		}
		return nil, supplied, nil
	}
	defer d.prof.StartOperation(profiler.StageRPN)()
	rpnLosses, proposals, err := d.rpn.ForwardTrain(g, feats, metas, gt.Boxes, gt.Ignore, d.cfg.ProposalBudget(), mode)
	if err != nil {
		return nil, nil, errors.Wrap(err, "rpn")
	}
	if len(proposals) != len(metas) {
		return nil, nil, common.ShapeMismatchf("rpn returned %d proposal lists for %d images", len(proposals), len(metas))
	}
	return rpnLosses, proposals, nil
}

// auxContext extracts features and proposals of every auxiliary view on a
// separate graph and binds the detached features to g. Nothing computed here
// takes part in the backward pass.
func (d *TwoStage) auxContext(g *G.ExprGraph, views []common.AuxView) (*common.AuxContext, error) {
	if len(views) == 0 {
		return nil, nil
	}
	out := &common.AuxContext{Views: make([]common.AuxViewContext, len(views))}
	for i, v := range views {
		if err := v.Batch.Validate(); err != nil {
			return nil, errors.Wrapf(err, "auxiliary view %d", i)
		}
		if err := v.GT.Validate(v.Batch.Len()); err != nil {
			return nil, errors.Wrapf(err, "auxiliary view %d", i)
		}
		ng := G.NewGraph()
		feats, err := d.ExtractFeat(ng, v.Batch, common.ModeNoGrad)
		if err != nil {
			return nil, errors.Wrapf(err, "auxiliary view %d", i)
		}
		_, proposals, err := d.trainProposals(ng, feats, v.Batch.Metas, v.GT, v.Proposals, common.ModeNoGrad)
		if err != nil {
			return nil, errors.Wrapf(err, "auxiliary view %d", i)
		}
		if err := nn.Run(ng); err != nil {
			return nil, errors.Wrapf(err, "auxiliary view %d", i)
		}
		detached := make(common.Pyramid, len(feats))
		for l, f := range feats {
			if detached[l], err = nn.Detach(g, f, "aux_feat"); err != nil {
				return nil, errors.Wrapf(err, "auxiliary view %d level %d", i, l)
			}
		}
		out.Views[i] = common.AuxViewContext{
			Feats:     detached,
			Metas:     v.Batch.Metas,
			GT:        v.GT,
			Proposals: proposals,
		}
	}
	return out, nil
}

// union copies m into out and warns about overwritten keys.
func (d *TwoStage) union(out, m losses.Map) {
	if overwritten := out.Update(m); len(overwritten) > 0 {
		d.log.Warnf("Loss keys %v were overwritten while merging", overwritten)
	}
}

// ForwardMem feeds the features and ground truth of a batch to the RoI
// head's memory bank. No loss is produced. Callers must not run two
// ForwardMem calls at once.
func (d *TwoStage) ForwardMem(batch *common.ImageBatch, gt common.GroundTruth) error {
	g := G.NewGraph()
	feats, err := d.ExtractFeat(g, batch, common.ModeNoGrad)
	if err != nil {
		return err
	}
	return errors.Wrap(d.roi.MemForward(g, feats, batch.Metas, gt), "memory update")
}

// testState is an inference request between its RPN and RoI stages.
type testState struct {
	g         *G.ExprGraph
	feats     common.Pyramid
	metas     []common.ImageMeta
	proposals [][]common.Proposal
}

// propose runs feature extraction and the RPN stage of inference.
func (d *TwoStage) propose(batch *common.ImageBatch, supplied [][]common.Proposal) (*testState, error) {
	if !d.roi.HasBBox() {
		return nil, common.Preconditionf("roi head has no bbox head")
	}
	g := G.NewGraph()
	feats, err := d.ExtractFeat(g, batch, common.ModeNoGrad)
	if err != nil {
		return nil, err
	}
	st := &testState{g: g, feats: feats, metas: batch.Metas, proposals: supplied}
	if d.rpn == nil {
		if supplied == nil {
			return nil, common.Preconditionf("detector has no rpn and no proposals were supplied")
		}
		if len(supplied) != batch.Len() {
			return nil, common.ShapeMismatchf("%d proposal lists for %d images", len(supplied), batch.Len())
		}
		return st, nil
	}
	defer d.prof.StartOperation(profiler.StageRPN)()
	if st.proposals, err = d.rpn.SimpleTest(g, feats, batch.Metas, d.cfg.Test.RPN); err != nil {
		return nil, errors.Wrap(err, "rpn")
	}
	if len(st.proposals) != batch.Len() {
		return nil, common.ShapeMismatchf("rpn returned %d proposal lists for %d images", len(st.proposals), batch.Len())
	}
	return st, nil
}

// detect runs the RoI stage of inference.
func (d *TwoStage) detect(st *testState, rescale bool) ([][]postprocess.Detection, error) {
	defer d.prof.StartOperation(profiler.StageRoI)()
	dets, err := d.roi.SimpleTest(st.g, st.feats, st.metas, st.proposals, rescale)
	if err != nil {
		return nil, errors.Wrap(err, "roi head")
	}
	for i, ds := range dets {
		if len(ds) > 0 {
			d.log.Debugf("Image %d: %d detections, top %s", i, len(ds), d.Describe(ds[0]))
		}
	}
	return dets, nil
}

// Describe formats a detection with its class name when a label set is
// configured.
func (d *TwoStage) Describe(det postprocess.Detection) string {
	if d.classes == nil {
		return det.String()
	}
	return d.classes.Describe(det)
}

// SimpleTest detects objects without test time augmentation.
//
// Arguments:
//   - batch: The images to run on.
//   - proposals: Used instead of the RPN when the detector has none.
//   - rescale: Map detections back to the original image size.
//
// Returns:
//   - [][]postprocess.Detection: Detections per image.
//   - error: ErrPrecondition when the RoI head cannot produce boxes.
func (d *TwoStage) SimpleTest(batch *common.ImageBatch, proposals [][]common.Proposal, rescale bool) ([][]postprocess.Detection, error) {
	st, err := d.propose(batch, proposals)
	if err != nil {
		return nil, err
	}
	return d.detect(st, rescale)
}

// AugTest detects objects over several augmented views of the same images.
// Proposals, when supplied, are in original image space.
func (d *TwoStage) AugTest(views []*common.ImageBatch, proposals [][]common.Proposal, rescale bool) ([][]postprocess.Detection, error) {
	if !d.roi.HasBBox() {
		return nil, common.Preconditionf("roi head has no bbox head")
	}
	if len(views) == 0 {
		return nil, common.Preconditionf("aug test needs at least one view")
	}
	g := G.NewGraph()
	feats := make([]common.Pyramid, len(views))
	metas := make([][]common.ImageMeta, len(views))
	for i, v := range views {
		if v.Len() != views[0].Len() {
			return nil, common.ShapeMismatchf("view %d has %d images, view 0 has %d", i, v.Len(), views[0].Len())
		}
		var err error
		if feats[i], err = d.ExtractFeat(g, v, common.ModeNoGrad); err != nil {
			return nil, errors.Wrapf(err, "view %d", i)
		}
		metas[i] = v.Metas
	}

	if d.rpn != nil {
		done := d.prof.StartOperation(profiler.StageRPN)
		var err error
		proposals, err = d.rpn.AugTest(g, feats, metas, d.cfg.Test.RPN)
		done()
		if err != nil {
			return nil, errors.Wrap(err, "rpn")
		}
	} else if proposals == nil {
		return nil, common.Preconditionf("detector has no rpn and no proposals were supplied")
	}
	if len(proposals) != views[0].Len() {
		return nil, common.ShapeMismatchf("%d proposal lists for %d images", len(proposals), views[0].Len())
	}

	defer d.prof.StartOperation(profiler.StageRoI)()
	dets, err := d.roi.AugTest(g, feats, metas, proposals, rescale)
	return dets, errors.Wrap(err, "roi head")
}

// ExportONNX runs the deployment path of the RoI head.
func (d *TwoStage) ExportONNX(batch *common.ImageBatch, proposals [][]common.Proposal) (*postprocess.BatchedOutput, error) {
	exporter, ok := d.roi.(ONNXExporter)
	if !ok {
		return nil, common.Preconditionf("roi head %T does not support onnx export", d.roi)
	}
	st, err := d.propose(batch, proposals)
	if err != nil {
		return nil, err
	}
	defer d.prof.StartOperation(profiler.StageRoI)()
	out, err := exporter.ExportONNX(st.g, st.feats, st.metas, st.proposals)
	return out, errors.Wrap(err, "roi head export")
}
