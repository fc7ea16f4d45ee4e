package postprocess

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"gorgonia.org/tensor"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	// Candidates must score strictly above ScoreThr.
	ScoreThr float32 `json:"score_thr" yaml:"score_thr"`
	// Overlap threshold for suppression.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// Maximum number of detections kept per image. Zero keeps everything.
	MaxPerImg int `json:"max_per_img" yaml:"max_per_img"`
}

// MultiClassNMS selects the final detections of one image.
//
// Arguments:
//   - boxes: (n x 4) boxes shared by every class, or (n x 4C) per-class boxes.
//   - scores: (n x C+1) class probabilities, the last column being background.
//   - config: Score threshold, IoU threshold and per-image cap.
//
// Returns:
//   - []Detection: Detections sorted by descending score, suppressed within each
//     class and capped at MaxPerImg. Empty input gives an empty result.
//   - error: ErrShapeMismatch when the blocks do not line up.
func MultiClassNMS(boxes, scores *tensor.Dense, config NMSConfig) ([]Detection, error) {
	cands, err := Candidates(boxes, scores, config.ScoreThr)
	if err != nil {
		return nil, err
	}
	keep := ApplyGreedyNMS(cands, config.IoUThreshold, true)
	if config.MaxPerImg > 0 && len(keep) > config.MaxPerImg {
		keep = keep[:config.MaxPerImg]
	}
	return keep, nil
}

// Candidates expands a box block and a score block into one detection per
// (row, class) pair whose score exceeds scoreThr. The result is sorted by
// descending score; ties keep row-major order.
func Candidates(boxes, scores *tensor.Dense, scoreThr float32) ([]Detection, error) {
	if boxes == nil || scores == nil {
		return []Detection{}, nil
	}
	b, err := nn.Float32s(boxes)
	if err != nil {
		return nil, err
	}
	s, err := nn.Float32s(scores)
	if err != nil {
		return nil, err
	}
	bs, ss := boxes.Shape(), scores.Shape()
	if len(bs) != 2 || len(ss) != 2 || bs[0] != ss[0] {
		return nil, common.ShapeMismatchf("nms got boxes %v and scores %v", bs, ss)
	}
	n, classes := ss[0], ss[1]-1
	width := bs[1]
	if classes < 1 || (width != 4 && width != 4*classes) {
		return nil, common.ShapeMismatchf("nms boxes width %d does not fit %d classes", width, classes)
	}

	out := make([]Detection, 0)
	for i := 0; i < n; i++ {
		for c := 0; c < classes; c++ {
			score := s[i*(classes+1)+c]
			if score <= scoreThr {
				continue
			}
			off := i * width
			if width != 4 {
				off += c * 4
			}
			out = append(out, Detection{
				Box:   common.Box{X1: b[off], Y1: b[off+1], X2: b[off+2], Y2: b[off+3]},
				Score: score,
				Class: c,
			})
		}
	}
	SortByScore(out)
	return out, nil
}

// SortByScore orders detections by descending score, keeping the input order
// of equal scores.
func SortByScore(dets []Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Score > dets[j].Score
	})
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Arguments:
//   - detections: Slice of detections sorted by descending confidence.
//   - iouThreshold: IoU threshold above which overlapping boxes are suppressed.
//   - classAware: If true, a box only suppresses boxes of its own class.
//
// Returns:
//   - Filtered slice of detections, in input order.
func ApplyGreedyNMS(detections []Detection, iouThreshold float32, classAware bool) []Detection {
	n := len(detections)
	if n == 0 {
		return []Detection{}
	}

	// Spatial index to avoid comparing boxes that cannot overlap.
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(n)
	for _, d := range detections {
		fb.Add(d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
	}
	fb.Finish()

	filtered := make([]Detection, 0, n)
	used := make([]bool, n)
	nearby := []int{}

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := detections[i]
		filtered = append(filtered, anchor)
		used[i] = true

		nearby = fb.SearchFast(anchor.Box.X1, anchor.Box.Y1, anchor.Box.X2, anchor.Box.Y2, nearby)
		for _, j := range nearby {
			if j <= i || used[j] {
				continue
			}
			if classAware && detections[j].Class != anchor.Class {
				continue
			}
			// Suppress if IoU exceeds threshold
			if anchor.Box.IoU(detections[j].Box) > iouThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}
