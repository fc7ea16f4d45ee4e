package roihead

import (
	"sort"

	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/losses"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
	"gorgonia.org/tensor"
)

// BBoxResult is the decoded output of one image. Without an NMS config only
// Boxes and Scores are set; with one only Detections is.
type BBoxResult struct {
	// Boxes is (n x 4) or (n x 4C) in absolute coordinates.
	Boxes *tensor.Dense
	// Scores is (n x C+1).
	Scores     *tensor.Dense
	Detections []postprocess.Detection
}

// Scores turns classification logits into class probabilities with the
// custom activation of the class loss when it has one, else softmax.
func (h *BBoxHead) Scores(clsScore *tensor.Dense) (*tensor.Dense, error) {
	if clsScore == nil {
		return nil, nil
	}
	if a, ok := h.ClsLoss.(losses.Activator); ok {
		return a.Activate(clsScore)
	}
	return losses.Softmax(clsScore)
}

// GetBBoxes decodes the predictions of one image.
//
// Arguments:
//   - rois: The proposals the predictions were made for.
//   - clsScore: (n x C+1) logits, or nil.
//   - bboxPred: (n x 4) or (n x 4C) deltas, or nil to keep the proposals.
//   - meta: Image shape and scale factor.
//   - rescale: Map the boxes back to the original image resolution.
//   - cfg: When nil raw boxes and scores are returned, else multi-class NMS runs.
//
// Returns:
//   - *BBoxResult: The decoded result. Zero proposals give an empty result.
//   - error: ErrPrecondition when NMS is requested without class scores.
func (h *BBoxHead) GetBBoxes(rois []common.Box, clsScore, bboxPred *tensor.Dense, meta common.ImageMeta, rescale bool, cfg *TestConfig) (*BBoxResult, error) {
	if len(rois) == 0 {
		return &BBoxResult{Detections: []postprocess.Detection{}}, nil
	}
	if cfg != nil && clsScore == nil {
		return nil, common.Preconditionf("detections requested without a classification branch")
	}
	scores, err := h.Scores(clsScore)
	if err != nil {
		return nil, err
	}

	height, width := meta.MaxShape()
	maxShape := &[2]float32{height, width}
	var boxes *tensor.Dense
	if bboxPred != nil {
		if boxes, err = h.Coder.DecodeDense(rois, bboxPred, maxShape); err != nil {
			return nil, err
		}
	} else {
		flat := make([]float32, 0, len(rois)*4)
		for _, r := range rois {
			a := r.Clip(height, width).Array()
			flat = append(flat, a[:]...)
		}
		boxes = nn.Dense(flat, len(rois), 4)
	}

	if rescale {
		if boxes, err = mapGroups(boxes, func(b common.Box) common.Box { return b.Unscale(meta.ScaleFactor) }); err != nil {
			return nil, err
		}
	}

	if cfg == nil {
		return &BBoxResult{Boxes: boxes, Scores: scores}, nil
	}
	dets, err := postprocess.MultiClassNMS(boxes, scores, cfg.NMSConfig())
	if err != nil {
		return nil, err
	}
	return &BBoxResult{Detections: dets}, nil
}

// mapGroups applies fn to every group of four coordinates of a box block.
func mapGroups(t *tensor.Dense, fn func(common.Box) common.Box) (*tensor.Dense, error) {
	data, err := nn.Float32s(t)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	for i := 0; i+4 <= len(data); i += 4 {
		b := fn(common.Box{X1: data[i], Y1: data[i+1], X2: data[i+2], Y2: data[i+3]}).Array()
		copy(out[i:], b[:])
	}
	return nn.Dense(out, t.Shape().Clone()...), nil
}

// RegressByClass decodes the deltas of each box's label. Class-agnostic
// predictions are decoded directly.
func (h *BBoxHead) RegressByClass(boxes []common.Box, labels []int, bboxPred *tensor.Dense, meta common.ImageMeta) ([]common.Box, error) {
	if len(boxes) == 0 {
		return []common.Box{}, nil
	}
	if bboxPred == nil {
		return nil, common.Preconditionf("regress %d boxes without a regression branch", len(boxes))
	}
	data, err := nn.Float32s(bboxPred)
	if err != nil {
		return nil, err
	}
	shape := bboxPred.Shape()
	if len(shape) != 2 || shape[0] != len(boxes) {
		return nil, common.ShapeMismatchf("regress %d boxes got predictions of shape %v", len(boxes), shape)
	}
	width := shape[1]
	classAware := !h.Config.RegClassAgnostic
	if classAware && len(labels) != len(boxes) {
		return nil, common.ShapeMismatchf("regress %d boxes got %d labels", len(boxes), len(labels))
	}
	if (classAware && width != 4*h.Config.NumClasses) || (!classAware && width != 4) {
		return nil, common.ShapeMismatchf("bbox_pred width %d does not match the regression layout", width)
	}

	deltas := make([][4]float32, len(boxes))
	for i := range boxes {
		off := i * width
		if classAware {
			l := labels[i]
			if l < 0 || l >= h.Config.NumClasses {
				return nil, common.ShapeMismatchf("label %d outside [0, %d)", l, h.Config.NumClasses)
			}
			off += l * 4
		}
		copy(deltas[i][:], data[off:off+4])
	}
	height, w := meta.MaxShape()
	return h.Coder.Decode(boxes, deltas, &[2]float32{height, w})
}

// RefineBBoxes regresses the RoIs of every image for their labels and drops
// the rows that came from ground truth boxes added as proposals, so they do
// not re-enter the next stage.
//
// Arguments:
//   - rois: RoIs of the whole batch.
//   - labels: Per-RoI label, same order as rois.
//   - bboxPreds: Per-RoI deltas, same order as rois.
//   - posIsGTs: Per image flags of its leading positive rows.
//   - metas: Metadata of every image.
//
// Returns:
//   - [][]common.Box: Refined boxes of every image.
//   - error: ErrShapeMismatch when the inputs do not line up, ErrPrecondition
//     without box deltas.
func (h *BBoxHead) RefineBBoxes(rois []common.RoI, labels []int, bboxPreds *tensor.Dense, posIsGTs [][]bool, metas []common.ImageMeta) ([][]common.Box, error) {
	if len(labels) != len(rois) {
		return nil, common.ShapeMismatchf("%d labels for %d rois", len(labels), len(rois))
	}
	if len(posIsGTs) != len(metas) {
		return nil, common.ShapeMismatchf("%d gt flag lists for %d images", len(posIsGTs), len(metas))
	}
	if bboxPreds == nil && len(rois) > 0 {
		return nil, common.Preconditionf("refine %d rois without a regression branch", len(rois))
	}
	ids := map[int]bool{}
	for _, r := range rois {
		ids[r.ImgID] = true
	}
	if len(ids) > len(metas) {
		return nil, common.ShapeMismatchf("rois cover %d images but %d metas were given", len(ids), len(metas))
	}

	out := make([][]common.Box, len(metas))
	for i := range metas {
		var idx []int
		for k, r := range rois {
			if r.ImgID == i {
				idx = append(idx, k)
			}
		}
		if len(idx) == 0 {
			out[i] = []common.Box{}
			continue
		}
		boxes := make([]common.Box, len(idx))
		for k, j := range idx {
			boxes[k] = rois[j].Box
		}
		preds, err := nn.GatherRows(bboxPreds, idx)
		if err != nil {
			return nil, err
		}
		refined, err := h.RegressByClass(boxes, pickLabels(labels, idx), preds, metas[i])
		if err != nil {
			return nil, err
		}
		if len(posIsGTs[i]) > len(refined) {
			return nil, common.ShapeMismatchf("image %d has %d gt flags for %d rois", i, len(posIsGTs[i]), len(refined))
		}
		kept := make([]common.Box, 0, len(refined))
		for k, b := range refined {
			if k < len(posIsGTs[i]) && posIsGTs[i][k] {
				continue
			}
			kept = append(kept, b)
		}
		out[i] = kept
	}
	return out, nil
}

// topRows returns the indices of the k rows with the highest maximum score,
// in descending order. k <= 0 keeps every row in order.
func topRows(scores []float32, rows, cols, k int) []int {
	idx := make([]int, rows)
	for i := range idx {
		idx[i] = i
	}
	if k <= 0 || k >= rows {
		return idx
	}
	best := make([]float32, rows)
	for i := 0; i < rows; i++ {
		for c := 0; c < cols; c++ {
			if v := scores[i*cols+c]; c == 0 || v > best[i] {
				best[i] = v
			}
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return best[idx[a]] > best[idx[b]] })
	return idx[:k]
}
