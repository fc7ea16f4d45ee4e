// Package common - Shared data model for the two-stage detector.
package common

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Box is an axis aligned box in absolute [tl_x, tl_y, br_x, br_y] coordinates.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// String formats the box for debugging.
func (b Box) String() string {
	return fmt.Sprintf("(%.2f, %.2f), (%.2f, %.2f)", b.X1, b.Y1, b.X2, b.Y2)
}

// Width returns the horizontal extent of the box.
func (b Box) Width() float32 {
	return b.X2 - b.X1
}

// Height returns the vertical extent of the box.
func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

// Area returns the area of the box. Degenerate boxes have zero area.
func (b Box) Area() float32 {
	return math32.Max(0, b.Width()) * math32.Max(0, b.Height())
}

// Center returns the center point of the box.
func (b Box) Center() (x, y float32) {
	return (b.X1 + b.X2) * 0.5, (b.Y1 + b.Y2) * 0.5
}

// Intersection calculates the intersection area between two boxes.
//
// Arguments:
//   - other: The other box to intersect with.
//
// Returns:
//   - The overlapping area, zero when the boxes are disjoint.
func (b Box) Intersection(other Box) float32 {
	w := math32.Min(b.X2, other.X2) - math32.Max(b.X1, other.X1)
	h := math32.Min(b.Y2, other.Y2) - math32.Max(b.Y1, other.Y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU calculates the Intersection over Union between two boxes.
//
// This metric is used by Non-Maximum Suppression to remove duplicate detections.
//
// Arguments:
//   - other: The other box to calculate IoU with.
//
// Returns:
//   - The IoU value between 0 and 1. Two empty boxes have an IoU of 0.
//
// @example
// a := Box{X1: 0, Y1: 0, X2: 100, Y2: 100}
// b := Box{X1: 50, Y1: 50, X2: 150, Y2: 150}
// iou := a.IoU(b) // ~0.143 (2500/17500)
func (b Box) IoU(other Box) float32 {
	inter := b.Intersection(other)
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Clip clamps the box into [0, width] x [0, height].
func (b Box) Clip(height, width float32) Box {
	return Box{
		X1: clamp(b.X1, 0, width),
		Y1: clamp(b.Y1, 0, height),
		X2: clamp(b.X2, 0, width),
		Y2: clamp(b.Y2, 0, height),
	}
}

// Scale multiplies every coordinate by the matching factor of a
// (w_scale, h_scale, w_scale, h_scale) vector.
func (b Box) Scale(factor [4]float32) Box {
	return Box{X1: b.X1 * factor[0], Y1: b.Y1 * factor[1], X2: b.X2 * factor[2], Y2: b.Y2 * factor[3]}
}

// Unscale divides every coordinate by the matching factor of a
// (w_scale, h_scale, w_scale, h_scale) vector.
func (b Box) Unscale(factor [4]float32) Box {
	return Box{X1: b.X1 / factor[0], Y1: b.Y1 / factor[1], X2: b.X2 / factor[2], Y2: b.Y2 / factor[3]}
}

// Offset translates every coordinate by d.
func (b Box) Offset(d float32) Box {
	return Box{X1: b.X1 + d, Y1: b.Y1 + d, X2: b.X2 + d, Y2: b.Y2 + d}
}

// Array returns the coordinates as [x1, y1, x2, y2].
func (b Box) Array() [4]float32 {
	return [4]float32{b.X1, b.Y1, b.X2, b.Y2}
}

// BoxFromArray builds a box from [x1, y1, x2, y2].
func BoxFromArray(a [4]float32) Box {
	return Box{X1: a[0], Y1: a[1], X2: a[2], Y2: a[3]}
}

func clamp(v, lo, hi float32) float32 {
	return math32.Min(math32.Max(v, lo), hi)
}
