package images

import (
	"image"
	"math"
	"sort"

	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/bbox"
	"gorgonia.org/tensor"
)

// BatchConfig controls how decoded images become detector inputs.
type BatchConfig struct {
	// Scale is the (long edge, short edge) bound when KeepRatio is set and
	// the exact (width, height) otherwise.
	Scale     [2]int `json:"img_scale" yaml:"img_scale"`
	KeepRatio bool   `json:"keep_ratio" yaml:"keep_ratio"`
	// Mean and Std normalize the RGB channels in 0-255 space.
	Mean [3]float32 `json:"mean" yaml:"mean"`
	Std  [3]float32 `json:"std" yaml:"std"`
	// SizeDivisor pads the batch to a multiple of it. <= 1 disables.
	SizeDivisor int `json:"size_divisor" yaml:"size_divisor"`
}

// DefaultBatchConfig returns the ImageNet normalization at 1333x800.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Scale:       [2]int{1333, 800},
		KeepRatio:   true,
		Mean:        [3]float32{123.675, 116.28, 103.53},
		Std:         [3]float32{58.395, 57.12, 57.375},
		SizeDivisor: 32,
	}
}

// Sample is one decoded image with its annotations in original coordinates.
type Sample struct {
	Image     image.Image
	LabelType common.LabelType
	Flip      bool
	Boxes     []common.Box
	Labels    []int
	// Tags and Ignore are optional.
	Tags   []int
	Ignore []common.Box
}

// rescaledSize returns the (width, height) an image is resized to.
func (c BatchConfig) rescaledSize(w, h int) (int, int) {
	if !c.KeepRatio {
		return c.Scale[0], c.Scale[1]
	}
	long, short := float64(max(w, h)), float64(min(w, h))
	sf := math.Min(float64(c.Scale[0])/long, float64(c.Scale[1])/short)
	return int(float64(w)*sf + 0.5), int(float64(h)*sf + 0.5)
}

func padTo(v, divisor int) int {
	if divisor <= 1 {
		return v
	}
	return (v + divisor - 1) / divisor * divisor
}

// NewBatch rescales, flips, normalizes and pads every sample into CHW float32
// tensors of one common padded size, and maps the annotations accordingly.
//
// Arguments:
//   - samples: Decoded images with annotations, in batch order.
//   - cfg: Rescale and normalization settings.
//
// Returns:
//   - *common.ImageBatch: The images and their metadata.
//   - common.GroundTruth: Annotations in resized image coordinates.
//   - error: ErrPrecondition for an empty batch or a bad config,
//     ErrShapeMismatch when boxes and labels disagree.
func NewBatch(samples []Sample, cfg BatchConfig) (*common.ImageBatch, common.GroundTruth, error) {
	if len(samples) == 0 {
		return nil, common.GroundTruth{}, common.Preconditionf("empty image batch")
	}
	if cfg.Scale[0] <= 0 || cfg.Scale[1] <= 0 {
		return nil, common.GroundTruth{}, common.Preconditionf("invalid image scale %v", cfg.Scale)
	}
	for c, s := range cfg.Std {
		if s == 0 {
			return nil, common.GroundTruth{}, common.Preconditionf("channel %d has zero std", c)
		}
	}

	resized := make([]image.Image, len(samples))
	metas := make([]common.ImageMeta, len(samples))
	padH, padW := 0, 0
	for i, s := range samples {
		if s.Image == nil {
			return nil, common.GroundTruth{}, common.Preconditionf("sample %d has no image", i)
		}
		if len(s.Boxes) != len(s.Labels) {
			return nil, common.GroundTruth{}, common.ShapeMismatchf("sample %d has %d boxes but %d labels", i, len(s.Boxes), len(s.Labels))
		}
		b := s.Image.Bounds()
		w, h := b.Dx(), b.Dy()
		if w == 0 || h == 0 {
			return nil, common.GroundTruth{}, common.Preconditionf("sample %d is empty", i)
		}
		nw, nh := cfg.rescaledSize(w, h)
		resized[i] = resize.Resize(uint(nw), uint(nh), s.Image, resize.Bilinear)
		ws, hs := float32(nw)/float32(w), float32(nh)/float32(h)
		metas[i] = common.ImageMeta{
			ImgShape:    [2]int{nh, nw},
			OriShape:    [2]int{h, w},
			ScaleFactor: [4]float32{ws, hs, ws, hs},
			Flip:        s.Flip,
			LabelType:   s.LabelType,
		}
		padH, padW = max(padH, nh), max(padW, nw)
	}
	padH, padW = padTo(padH, cfg.SizeDivisor), padTo(padW, cfg.SizeDivisor)

	batch := &common.ImageBatch{Images: make([]*tensor.Dense, len(samples)), Metas: metas}
	gt := common.GroundTruth{Boxes: make([][]common.Box, len(samples)), Labels: make([][]int, len(samples))}
	for i, s := range samples {
		metas[i].PadShape = [2]int{padH, padW}
		batch.Images[i] = toCHW(resized[i], s.Flip, padH, padW, cfg)

		m := metas[i]
		gt.Boxes[i] = bbox.Mapping(s.Boxes, m.ImgShape, m.ScaleFactor, m.Flip)
		gt.Labels[i] = append([]int(nil), s.Labels...)
		if s.Tags != nil {
			if gt.Tags == nil {
				gt.Tags = make([][]int, len(samples))
			}
			gt.Tags[i] = append([]int(nil), s.Tags...)
		}
		if s.Ignore != nil {
			if gt.Ignore == nil {
				gt.Ignore = make([][]common.Box, len(samples))
			}
			gt.Ignore[i] = bbox.Mapping(s.Ignore, m.ImgShape, m.ScaleFactor, m.Flip)
		}
	}
	return batch, gt, nil
}

// toCHW writes the normalized RGB planes of img into a zero padded
// (3, padH, padW) tensor, mirroring columns when flip is set.
func toCHW(img image.Image, flip bool, padH, padW int, cfg BatchConfig) *tensor.Dense {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := padH * padW
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			dx := x
			if flip {
				dx = w - 1 - x
			}
			o := y*padW + dx
			data[o] = (float32(r>>8) - cfg.Mean[0]) / cfg.Std[0]
			data[plane+o] = (float32(g>>8) - cfg.Mean[1]) / cfg.Std[1]
			data[2*plane+o] = (float32(bl>>8) - cfg.Mean[2]) / cfg.Std[2]
		}
	}
	return tensor.New(tensor.WithShape(3, padH, padW), tensor.WithBacking(data))
}

// SortLabeledFirst returns the samples with every labeled image ahead of the
// unlabeled ones, keeping the relative order within each group.
func SortLabeledFirst(samples []Sample) []Sample {
	out := append([]Sample(nil), samples...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LabelType < out[j].LabelType
	})
	return out
}

// SemiSupervised joins equally sized labeled and unlabeled sample sets into
// the labeled-first order the semi-supervised training path expects.
func SemiSupervised(labeled, unlabeled []Sample) ([]Sample, error) {
	if len(labeled) != len(unlabeled) {
		return nil, common.ShapeMismatchf("%d labeled and %d unlabeled samples", len(labeled), len(unlabeled))
	}
	out := make([]Sample, 0, len(labeled)+len(unlabeled))
	for _, s := range labeled {
		s.LabelType = common.Labeled
		out = append(out, s)
	}
	for _, s := range unlabeled {
		s.LabelType = common.Unlabeled
		out = append(out, s)
	}
	return out, nil
}
