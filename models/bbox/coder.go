// Package bbox - Box delta coding and coordinate transforms between proposal,
// augmented and original image spaces.
package bbox

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// CoderConfig parameterises the delta encoding.
type CoderConfig struct {
	Means       [4]float32 `json:"means" yaml:"means"`
	Stds        [4]float32 `json:"stds" yaml:"stds"`
	ClipBorder  bool       `json:"clip_border" yaml:"clip_border"`
	WHRatioClip float32    `json:"wh_ratio_clip" yaml:"wh_ratio_clip"`
}

// DefaultCoderConfig returns the usual second stage normalisation.
func DefaultCoderConfig() CoderConfig {
	return CoderConfig{
		Stds:        [4]float32{0.1, 0.1, 0.2, 0.2},
		ClipBorder:  true,
		WHRatioClip: 16.0 / 1000,
	}
}

// Validate checks the standard deviations are usable as divisors.
func (c CoderConfig) Validate() error {
	for i, s := range c.Stds {
		if s <= 0 {
			return errors.Errorf("coder std %d must be positive, got %v", i, s)
		}
	}
	if c.WHRatioClip <= 0 || c.WHRatioClip >= 1 {
		return errors.Errorf("wh_ratio_clip must be in (0, 1), got %v", c.WHRatioClip)
	}
	return nil
}

// MaxRatio is the bound applied to log-scale width and height deltas.
func (c CoderConfig) MaxRatio() float32 {
	return math32.Abs(math32.Log(c.WHRatioClip))
}

// DeltaXYWHCoder encodes a target box as the normalised center offset and log
// size ratio relative to a source box.
type DeltaXYWHCoder struct {
	Config CoderConfig
}

// NewDeltaXYWHCoder creates a coder after validating cfg.
func NewDeltaXYWHCoder(cfg CoderConfig) (*DeltaXYWHCoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DeltaXYWHCoder{Config: cfg}, nil
}

// Encode returns the deltas that map every src box onto the paired dst box.
//
// Arguments:
//   - src: Source (proposal) boxes.
//   - dst: Target (ground truth) boxes, one per source box.
//
// Returns:
//   - [][4]float32: Normalised (dx, dy, dw, dh) per pair.
//   - error: ErrShapeMismatch when the lists differ in length.
func (c *DeltaXYWHCoder) Encode(src, dst []common.Box) ([][4]float32, error) {
	if len(src) != len(dst) {
		return nil, common.ShapeMismatchf("encode got %d source and %d target boxes", len(src), len(dst))
	}
	out := make([][4]float32, len(src))
	for i := range src {
		px, py := src[i].Center()
		pw, ph := src[i].Width(), src[i].Height()
		gx, gy := dst[i].Center()
		gw, gh := dst[i].Width(), dst[i].Height()

		d := [4]float32{
			(gx - px) / pw,
			(gy - py) / ph,
			math32.Log(gw / pw),
			math32.Log(gh / ph),
		}
		for k := range d {
			d[k] = (d[k] - c.Config.Means[k]) / c.Config.Stds[k]
		}
		out[i] = d
	}
	return out, nil
}

// Decode applies deltas to src boxes. When maxShape is non-nil and border
// clipping is enabled the result is clamped into the (height, width) bounds.
func (c *DeltaXYWHCoder) Decode(src []common.Box, deltas [][4]float32, maxShape *[2]float32) ([]common.Box, error) {
	if len(src) != len(deltas) {
		return nil, common.ShapeMismatchf("decode got %d boxes and %d deltas", len(src), len(deltas))
	}
	out := make([]common.Box, len(src))
	for i := range src {
		out[i] = c.decodeOne(src[i], deltas[i], maxShape)
	}
	return out, nil
}

func (c *DeltaXYWHCoder) decodeOne(src common.Box, delta [4]float32, maxShape *[2]float32) common.Box {
	maxRatio := c.Config.MaxRatio()
	var d [4]float32
	for k := range d {
		d[k] = delta[k]*c.Config.Stds[k] + c.Config.Means[k]
	}
	dw := math32.Max(math32.Min(d[2], maxRatio), -maxRatio)
	dh := math32.Max(math32.Min(d[3], maxRatio), -maxRatio)

	px, py := src.Center()
	pw, ph := src.Width(), src.Height()
	gw, gh := pw*math32.Exp(dw), ph*math32.Exp(dh)
	gx, gy := px+pw*d[0], py+ph*d[1]

	b := common.Box{X1: gx - gw*0.5, Y1: gy - gh*0.5, X2: gx + gw*0.5, Y2: gy + gh*0.5}
	if maxShape != nil && c.Config.ClipBorder {
		b = b.Clip(maxShape[0], maxShape[1])
	}
	return b
}

// DecodeDense decodes an (n x 4k) block of deltas, one group of four per
// class, against n source boxes and returns an (n x 4k) block of boxes.
func (c *DeltaXYWHCoder) DecodeDense(src []common.Box, deltas *tensor.Dense, maxShape *[2]float32) (*tensor.Dense, error) {
	data, err := nn.Float32s(deltas)
	if err != nil {
		return nil, err
	}
	shape := deltas.Shape()
	if len(shape) != 2 || shape[0] != len(src) || shape[1]%4 != 0 || shape[1] == 0 {
		return nil, common.ShapeMismatchf("decode of %d boxes got deltas of shape %v", len(src), shape)
	}
	width := shape[1]
	out := make([]float32, len(data))
	for i, b := range src {
		for j := 0; j < width; j += 4 {
			var d [4]float32
			copy(d[:], data[i*width+j:i*width+j+4])
			r := c.decodeOne(b, d, maxShape).Array()
			copy(out[i*width+j:], r[:])
		}
	}
	return nn.Dense(out, len(src), width), nil
}
