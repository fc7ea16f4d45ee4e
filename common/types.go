package common

import (
	"sort"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// LabelType tags an image as carrying human annotations or pseudo labels.
type LabelType int

const (
	// Labeled images carry human annotated ground truth.
	Labeled LabelType = 0
	// Unlabeled images carry pseudo labels produced by another model.
	Unlabeled LabelType = 1
)

// Mode selects how a collaborator builds its part of the graph.
type Mode int

const (
	// ModeTrain builds nodes that take part in the backward pass.
	ModeTrain Mode = iota
	// ModeNoGrad evaluates eagerly and hands back detached values.
	ModeNoGrad
)

// ImageMeta is the per-image metadata attached to a batch.
type ImageMeta struct {
	// ImgShape is the (height, width) of the resized image fed to the backbone.
	ImgShape [2]int `json:"img_shape" yaml:"img_shape"`
	// OriShape is the (height, width) of the image before resizing.
	OriShape [2]int `json:"ori_shape" yaml:"ori_shape"`
	// PadShape is the (height, width) after padding to the batch size.
	PadShape [2]int `json:"pad_shape" yaml:"pad_shape"`
	// ScaleFactor is (w_scale, h_scale, w_scale, h_scale).
	ScaleFactor [4]float32 `json:"scale_factor" yaml:"scale_factor"`
	// Flip is true when the image was horizontally flipped.
	Flip bool `json:"flip" yaml:"flip"`
	// LabelType partitions semi-supervised batches.
	LabelType LabelType `json:"label_type" yaml:"label_type"`
}

// MaxShape returns the image bounds as float32 (height, width).
func (m ImageMeta) MaxShape() (float32, float32) {
	return float32(m.ImgShape[0]), float32(m.ImgShape[1])
}

// ImageBatch is an ordered set of CHW image tensors with their metadata.
type ImageBatch struct {
	Images []*tensor.Dense
	Metas  []ImageMeta
}

// Len returns the number of images in the batch.
func (b *ImageBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Metas)
}

// Validate checks that every image has metadata.
func (b *ImageBatch) Validate() error {
	if b == nil || len(b.Metas) == 0 {
		return Preconditionf("empty image batch")
	}
	if len(b.Images) != len(b.Metas) {
		return ShapeMismatchf("batch has %d images but %d metas", len(b.Images), len(b.Metas))
	}
	return nil
}

// Slice returns the images in [lo, hi) preserving order.
func (b *ImageBatch) Slice(lo, hi int) *ImageBatch {
	return &ImageBatch{Images: b.Images[lo:hi], Metas: b.Metas[lo:hi]}
}

// Proposal is a candidate box attributed to one image.
type Proposal struct {
	Box   Box
	Score float32
}

// ProposalBoxes strips the scores off a proposal list.
func ProposalBoxes(ps []Proposal) []Box {
	boxes := make([]Box, len(ps))
	for i, p := range ps {
		boxes[i] = p.Box
	}
	return boxes
}

// RoI is a box tagged with the index of the image it belongs to.
type RoI struct {
	ImgID int
	Box   Box
}

// ProposalConfig is the proposal budget handed to the RPN.
type ProposalConfig struct {
	NMSPre       int     `json:"nms_pre" yaml:"nms_pre"`
	MaxPerImg    int     `json:"max_per_img" yaml:"max_per_img"`
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	MinBBoxSize  float32 `json:"min_bbox_size" yaml:"min_bbox_size"`
}

// GroundTruth holds per-image annotations. Ignore and Tags are optional.
type GroundTruth struct {
	Boxes  [][]Box `json:"boxes" yaml:"boxes"`
	Labels [][]int `json:"labels" yaml:"labels"`
	// Ignore lists regions excluded from assignment.
	Ignore [][]Box `json:"ignore,omitempty" yaml:"ignore,omitempty"`
	// Tags are image level weak labels used by the MIL loss.
	Tags [][]int `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Len returns the number of images annotated.
func (gt GroundTruth) Len() int {
	return len(gt.Boxes)
}

// Validate checks that the annotations cover n images and that every box has a label.
func (gt GroundTruth) Validate(n int) error {
	if len(gt.Boxes) != n || len(gt.Labels) != n {
		return ShapeMismatchf("ground truth covers %d boxes / %d labels lists for %d images",
			len(gt.Boxes), len(gt.Labels), n)
	}
	if gt.Ignore != nil && len(gt.Ignore) != n {
		return ShapeMismatchf("ignore regions cover %d of %d images", len(gt.Ignore), n)
	}
	if gt.Tags != nil && len(gt.Tags) != n {
		return ShapeMismatchf("weak tags cover %d of %d images", len(gt.Tags), n)
	}
	for i := range gt.Boxes {
		if len(gt.Boxes[i]) != len(gt.Labels[i]) {
			return ShapeMismatchf("image %d has %d boxes but %d labels", i, len(gt.Boxes[i]), len(gt.Labels[i]))
		}
	}
	return nil
}

// Slice returns the annotations of images [lo, hi).
func (gt GroundTruth) Slice(lo, hi int) GroundTruth {
	out := GroundTruth{Boxes: gt.Boxes[lo:hi], Labels: gt.Labels[lo:hi]}
	if gt.Ignore != nil {
		out.Ignore = gt.Ignore[lo:hi]
	}
	if gt.Tags != nil {
		out.Tags = gt.Tags[lo:hi]
	}
	return out
}

// IgnoreFor returns the ignore regions of image i, or nil.
func (gt GroundTruth) IgnoreFor(i int) []Box {
	if gt.Ignore == nil {
		return nil
	}
	return gt.Ignore[i]
}

// TagsOrLabels returns the weak tags of every image. Images without tags fall
// back to the sorted set of their box labels.
func (gt GroundTruth) TagsOrLabels() [][]int {
	out := make([][]int, len(gt.Labels))
	for i := range gt.Labels {
		if gt.Tags != nil && gt.Tags[i] != nil {
			out[i] = gt.Tags[i]
			continue
		}
		seen := make(map[int]bool, len(gt.Labels[i]))
		tags := make([]int, 0, len(gt.Labels[i]))
		for _, l := range gt.Labels[i] {
			if !seen[l] {
				seen[l] = true
				tags = append(tags, l)
			}
		}
		sort.Ints(tags)
		out[i] = tags
	}
	return out
}

// Pyramid is a multi-level feature map produced by the backbone and neck.
type Pyramid []*G.Node

// AuxView is a strongly augmented copy of the training batch.
type AuxView struct {
	Batch *ImageBatch
	GT    GroundTruth
	// Proposals are used when the detector has no RPN.
	Proposals [][]Proposal
}

// Slice returns images [lo, hi) of the view.
func (v AuxView) Slice(lo, hi int) AuxView {
	out := AuxView{Batch: v.Batch.Slice(lo, hi), GT: v.GT.Slice(lo, hi)}
	if v.Proposals != nil {
		out.Proposals = v.Proposals[lo:hi]
	}
	return out
}

// AuxViewContext is what the RoI head receives for one auxiliary view:
// detached features and the proposals the RPN produced on them.
type AuxViewContext struct {
	Feats     Pyramid
	Metas     []ImageMeta
	GT        GroundTruth
	Proposals [][]Proposal
}

// AuxContext threads auxiliary views into the RoI head. A nil context means
// no auxiliary views were supplied.
type AuxContext struct {
	Views []AuxViewContext
}
