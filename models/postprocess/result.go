// Package postprocess - Postprocessing utilities for RoI head outputs.
package postprocess

import (
	"fmt"

	"github.com/nvr-ai/go-rcnn/common"
)

// Detection represents a single decoded detection.
type Detection struct {
	// The bounding box of the detection in absolute coordinates.
	Box common.Box
	// The confidence score of the detection.
	Score float32
	// The predicted class index of the detection. -1 marks export padding.
	Class int
}

// String formats the detection for logs.
func (d Detection) String() string {
	return fmt.Sprintf("class %d (score %.4f): %v", d.Class, d.Score, d.Box)
}

// Array returns [x1, y1, x2, y2, score].
func (d Detection) Array() [5]float32 {
	return [5]float32{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2, d.Score}
}

// Boxes returns the boxes of a detection list.
func Boxes(dets []Detection) []common.Box {
	out := make([]common.Box, len(dets))
	for i, d := range dets {
		out[i] = d.Box
	}
	return out
}

// Labels returns the class indices of a detection list.
func Labels(dets []Detection) []int {
	out := make([]int, len(dets))
	for i, d := range dets {
		out[i] = d.Class
	}
	return out
}
