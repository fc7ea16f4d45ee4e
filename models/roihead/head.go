package roihead

import (
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/bbox"
	"github.com/nvr-ai/go-rcnn/models/losses"
	"github.com/nvr-ai/go-rcnn/models/nn"
	G "gorgonia.org/gorgonia"
)

// BBoxHead predicts class scores, box deltas and the two mid-level scores
// used by the image level MIL loss from pooled RoI features.
type BBoxHead struct {
	Config  Config
	Coder   *bbox.DeltaXYWHCoder
	ClsLoss losses.ClassLoss
	RegLoss losses.RegressionLoss

	FcCls    *nn.Linear
	FcReg    *nn.Linear
	FcMidCls *nn.Linear
	FcMidDet *nn.Linear
}

// Outputs are the per-RoI predictions of one forward pass. Branches that are
// disabled are nil.
type Outputs struct {
	// ClsScore is (n x C+1), or the custom channel count of the class loss.
	ClsScore *G.Node
	// BBoxPred is (n x 4) for class-agnostic regression, else (n x 4C).
	BBoxPred *G.Node
	// MidClsScore and MidDetScore are (n x C).
	MidClsScore *G.Node
	MidDetScore *G.Node
}

// NewBBoxHead builds a head from cfg. A nil clsLoss selects softmax
// cross-entropy weighted by cfg.ClsLossWeight.
func NewBBoxHead(cfg Config, clsLoss losses.ClassLoss) (*BBoxHead, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	coder, err := bbox.NewDeltaXYWHCoder(cfg.Coder)
	if err != nil {
		return nil, err
	}
	regLoss, err := cfg.BBoxLoss.Build()
	if err != nil {
		return nil, err
	}
	if clsLoss == nil {
		clsLoss = losses.CrossEntropy{LossWeight: cfg.ClsLossWeight}
	}
	h := &BBoxHead{Config: cfg, Coder: coder, ClsLoss: clsLoss, RegLoss: regLoss}

	if cfg.WithCls {
		channels := cfg.NumClasses + 1
		if a, ok := clsLoss.(losses.Activator); ok {
			channels = a.Channels(cfg.NumClasses)
		}
		h.FcCls = nn.NewLinear("fc_cls", cfg.InChannels, channels, 0.01)
	}
	if cfg.WithReg {
		out := 4 * cfg.NumClasses
		if cfg.RegClassAgnostic {
			out = 4
		}
		h.FcReg = nn.NewLinear("fc_reg", cfg.InChannels, out, 0.001)
	}
	h.FcMidCls = nn.NewLinear("fc_mid_cls", cfg.InChannels, cfg.NumClasses, 0.01)
	h.FcMidDet = nn.NewLinear("fc_mid_det", cfg.InChannels, cfg.NumClasses, 0.01)
	return h, nil
}

// HasBBox reports whether the head can produce boxes at inference.
func (h *BBoxHead) HasBBox() bool {
	return h != nil && h.FcCls != nil
}

// Forward runs every branch on an (n x InChannels) feature node.
func (h *BBoxHead) Forward(g *G.ExprGraph, x *G.Node) (Outputs, error) {
	var (
		out Outputs
		err error
	)
	if nn.Cols(x) != h.Config.InChannels {
		return out, common.ShapeMismatchf("bbox head expects %d features, got shape %v", h.Config.InChannels, x.Shape())
	}
	if h.FcCls != nil {
		if out.ClsScore, err = h.FcCls.Forward(g, x); err != nil {
			return out, err
		}
	}
	if h.FcReg != nil {
		if out.BBoxPred, err = h.FcReg.Forward(g, x); err != nil {
			return out, err
		}
	}
	if out.MidClsScore, err = h.FcMidCls.Forward(g, x); err != nil {
		return out, err
	}
	if out.MidDetScore, err = h.FcMidDet.Forward(g, x); err != nil {
		return out, err
	}
	return out, nil
}

// Classify runs only the classification branch.
func (h *BBoxHead) Classify(g *G.ExprGraph, x *G.Node) (*G.Node, error) {
	if h.FcCls == nil {
		return nil, common.Preconditionf("bbox head has no classification branch")
	}
	return h.FcCls.Forward(g, x)
}

// Params returns every learnable node bound to g.
func (h *BBoxHead) Params(g *G.ExprGraph) G.Nodes {
	var out G.Nodes
	for _, l := range []*nn.Linear{h.FcCls, h.FcReg, h.FcMidCls, h.FcMidDet} {
		if l != nil {
			out = append(out, l.Params(g)...)
		}
	}
	return out
}
