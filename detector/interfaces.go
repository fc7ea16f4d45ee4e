package detector

import (
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/losses"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
	"github.com/nvr-ai/go-rcnn/models/roihead"
	G "gorgonia.org/gorgonia"
)

// Backbone maps an image batch to a feature pyramid.
type Backbone interface {
	Extract(g *G.ExprGraph, batch *common.ImageBatch, mode common.Mode) (common.Pyramid, error)
}

// Neck refines a feature pyramid.
type Neck interface {
	Forward(g *G.ExprGraph, feats common.Pyramid, mode common.Mode) (common.Pyramid, error)
}

// RPNHead produces ranked per-image proposals truncated to the budget.
type RPNHead interface {
	// ForwardTrain returns the RPN losses and the proposals. In
	// common.ModeNoGrad the returned mapping may be nil.
	ForwardTrain(g *G.ExprGraph, feats common.Pyramid, metas []common.ImageMeta, gtBoxes, gtIgnore [][]common.Box, budget common.ProposalConfig, mode common.Mode) (losses.Map, [][]common.Proposal, error)
	SimpleTest(g *G.ExprGraph, feats common.Pyramid, metas []common.ImageMeta, budget common.ProposalConfig) ([][]common.Proposal, error)
	// AugTest merges the proposals of every view in original image space.
	AugTest(g *G.ExprGraph, feats []common.Pyramid, metas [][]common.ImageMeta, budget common.ProposalConfig) ([][]common.Proposal, error)
}

// RoIHead is the second stage.
type RoIHead interface {
	HasBBox() bool
	ForwardTrain(g *G.ExprGraph, feats common.Pyramid, metas []common.ImageMeta, proposals [][]common.Proposal, gt common.GroundTruth, aux *common.AuxContext) (losses.Map, error)
	SimpleTest(g *G.ExprGraph, feats common.Pyramid, metas []common.ImageMeta, proposals [][]common.Proposal, rescale bool) ([][]postprocess.Detection, error)
	AugTest(g *G.ExprGraph, feats []common.Pyramid, metas [][]common.ImageMeta, proposals [][]common.Proposal, rescale bool) ([][]postprocess.Detection, error)
	MemForward(g *G.ExprGraph, feats common.Pyramid, metas []common.ImageMeta, gt common.GroundTruth) error
}

// ONNXExporter is implemented by RoI heads that support the deployment path.
type ONNXExporter interface {
	ExportONNX(g *G.ExprGraph, feats common.Pyramid, metas []common.ImageMeta, proposals [][]common.Proposal) (*postprocess.BatchedOutput, error)
}

var (
	_ RoIHead      = (*roihead.StandardRoIHead)(nil)
	_ ONNXExporter = (*roihead.StandardRoIHead)(nil)
)
