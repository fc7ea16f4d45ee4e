package postprocess

import (
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ExportNMSConfig mirrors the attributes of the ONNX NonMaxSuppression based
// deployment path.
type ExportNMSConfig struct {
	ScoreThr               float32
	IoUThreshold           float32
	MaxOutputBoxesPerClass int
	// PreTopK keeps only the best candidates before suppression. <= 0 disables it.
	PreTopK int
	// AfterTopK is the fixed number of rows of every output image.
	AfterTopK int
}

// ClassOffset is the translation applied to every coordinate of a box of the
// given label so that boxes of different labels never overlap when every
// coordinate lies in [0, maxSize].
func ClassOffset(label int, maxSize float32) float32 {
	return float32(label)*maxSize + 1
}

// DeployNMS runs the suppression of one image of the export path.
//
// When perClass is true suppression and the per-class output cap apply within
// each label, as the ONNX operator does for a multi-class score tensor.
// Otherwise every candidate belongs to a single class and the cap applies to
// the whole image. The output always has AfterTopK rows, padded with zero
// boxes of class -1.
func DeployNMS(cands []Detection, perClass bool, cfg ExportNMSConfig) []Detection {
	sorted := make([]Detection, len(cands))
	copy(sorted, cands)
	SortByScore(sorted)
	if cfg.PreTopK > 0 && len(sorted) > cfg.PreTopK {
		sorted = sorted[:cfg.PreTopK]
	}
	kept := sorted[:0]
	for _, d := range sorted {
		if d.Score > cfg.ScoreThr {
			kept = append(kept, d)
		}
	}

	keep := ApplyGreedyNMS(kept, cfg.IoUThreshold, perClass)
	if cfg.MaxOutputBoxesPerClass > 0 {
		counts := map[int]int{}
		capped := keep[:0]
		for _, d := range keep {
			key := 0
			if perClass {
				key = d.Class
			}
			if counts[key] >= cfg.MaxOutputBoxesPerClass {
				continue
			}
			counts[key]++
			capped = append(capped, d)
		}
		keep = capped
	}

	out := make([]Detection, cfg.AfterTopK)
	for i := range out {
		if i < len(keep) {
			out[i] = keep[i]
		} else {
			out[i] = Detection{Class: -1}
		}
	}
	return out
}

// BatchedOutput is the fixed-shape result of the export path: dets of shape
// (batch, k, 5) holding [x1, y1, x2, y2, score] and labels of shape (batch, k).
type BatchedOutput struct {
	Batch  int
	K      int
	Dets   []float32
	Labels []int64
}

// NewBatchedOutput packs per-image detection lists that all have k rows.
func NewBatchedOutput(perImage [][]Detection, k int) (*BatchedOutput, error) {
	out := &BatchedOutput{
		Batch:  len(perImage),
		K:      k,
		Dets:   make([]float32, 0, len(perImage)*k*5),
		Labels: make([]int64, 0, len(perImage)*k),
	}
	for i, dets := range perImage {
		if len(dets) != k {
			return nil, common.ShapeMismatchf("image %d has %d export rows, want %d", i, len(dets), k)
		}
		for _, d := range dets {
			a := d.Array()
			out.Dets = append(out.Dets, a[:]...)
			out.Labels = append(out.Labels, int64(d.Class))
		}
	}
	return out, nil
}

// Detections unpacks the rows of image b, padding included.
func (o *BatchedOutput) Detections(b int) []Detection {
	dets := make([]Detection, o.K)
	for i := range dets {
		r := o.Dets[(b*o.K+i)*5:]
		dets[i] = Detection{
			Box:   common.Box{X1: r[0], Y1: r[1], X2: r[2], Y2: r[3]},
			Score: r[4],
			Class: int(o.Labels[b*o.K+i]),
		}
	}
	return dets
}

// Shapes returns the ONNX shapes of the dets and labels outputs.
func (o *BatchedOutput) Shapes() (ort.Shape, ort.Shape) {
	return ort.NewShape(int64(o.Batch), int64(o.K), 5), ort.NewShape(int64(o.Batch), int64(o.K))
}

// Tensors hands the output to onnxruntime. The caller owns and must destroy
// both tensors. The runtime library must be initialised.
func (o *BatchedOutput) Tensors() (*ort.Tensor[float32], *ort.Tensor[int64], error) {
	detShape, labelShape := o.Shapes()
	dets, err := ort.NewTensor(detShape, o.Dets)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating dets tensor")
	}
	labels, err := ort.NewTensor(labelShape, o.Labels)
	if err != nil {
		dets.Destroy()
		return nil, nil, errors.Wrap(err, "creating labels tensor")
	}
	return dets, labels, nil
}
