package roihead

import (
	"github.com/nvr-ai/go-rcnn/common"
)

// SamplingResult is the per-image outcome of proposal assignment and
// sampling. Every positive is paired with one ground truth box and label.
type SamplingResult struct {
	PosBoxes    []common.Box
	NegBoxes    []common.Box
	PosGTBoxes  []common.Box
	PosGTLabels []int
	// PosIsGT flags positives that are ground truth boxes added as proposals.
	PosIsGT []bool
}

// Boxes returns the sampled boxes, positives first.
func (s SamplingResult) Boxes() []common.Box {
	out := make([]common.Box, 0, s.Len())
	out = append(out, s.PosBoxes...)
	return append(out, s.NegBoxes...)
}

// Len returns the number of sampled boxes.
func (s SamplingResult) Len() int {
	return len(s.PosBoxes) + len(s.NegBoxes)
}

// Validate checks the positive lists line up.
func (s SamplingResult) Validate() error {
	n := len(s.PosBoxes)
	if len(s.PosGTBoxes) != n || len(s.PosGTLabels) != n {
		return common.ShapeMismatchf("sampling result has %d positives, %d gt boxes and %d gt labels",
			n, len(s.PosGTBoxes), len(s.PosGTLabels))
	}
	if s.PosIsGT != nil && len(s.PosIsGT) != n {
		return common.ShapeMismatchf("sampling result has %d positives but %d gt flags", n, len(s.PosIsGT))
	}
	return nil
}

// Targets holds the per-proposal training targets of the bbox head.
type Targets struct {
	Labels       []int
	LabelWeights []float32
	BBoxTargets  [][4]float32
	BBoxWeights  [][4]float32
}

// Len returns the number of proposals covered.
func (t Targets) Len() int {
	return len(t.Labels)
}

func (t *Targets) append(o Targets) {
	t.Labels = append(t.Labels, o.Labels...)
	t.LabelWeights = append(t.LabelWeights, o.LabelWeights...)
	t.BBoxTargets = append(t.BBoxTargets, o.BBoxTargets...)
	t.BBoxWeights = append(t.BBoxWeights, o.BBoxWeights...)
}

// GetTargets computes the classification and regression targets of every
// sampled proposal.
//
// Arguments:
//   - results: One sampling result per image.
//   - cfg: Training settings of the head.
//   - concat: When true a single entry covering every image in order is
//     returned, otherwise one entry per image.
//
// Returns:
//   - []Targets: The targets.
//   - error: ErrShapeMismatch when a sampling result is inconsistent.
func (h *BBoxHead) GetTargets(results []SamplingResult, cfg TrainConfig, concat bool) ([]Targets, error) {
	per := make([]Targets, len(results))
	for i, r := range results {
		t, err := h.targetsSingle(r, cfg)
		if err != nil {
			return nil, err
		}
		per[i] = t
	}
	if !concat {
		return per, nil
	}
	var all Targets
	for _, t := range per {
		all.append(t)
	}
	return []Targets{all}, nil
}

func (h *BBoxHead) targetsSingle(r SamplingResult, cfg TrainConfig) (Targets, error) {
	if err := r.Validate(); err != nil {
		return Targets{}, err
	}
	numPos, n := len(r.PosBoxes), r.Len()
	t := Targets{
		Labels:       make([]int, n),
		LabelWeights: make([]float32, n),
		BBoxTargets:  make([][4]float32, n),
		BBoxWeights:  make([][4]float32, n),
	}
	for i := range t.Labels {
		t.Labels[i] = h.Config.NumClasses
	}
	if numPos > 0 {
		posWeight := cfg.PosWeight
		if posWeight <= 0 {
			posWeight = 1
		}
		var encoded [][4]float32
		if h.Config.RegDecodedBBox {
			encoded = make([][4]float32, numPos)
			for i, b := range r.PosGTBoxes {
				encoded[i] = b.Array()
			}
		} else {
			var err error
			if encoded, err = h.Coder.Encode(r.PosBoxes, r.PosGTBoxes); err != nil {
				return Targets{}, err
			}
		}
		for i := 0; i < numPos; i++ {
			t.Labels[i] = r.PosGTLabels[i]
			t.LabelWeights[i] = posWeight
			t.BBoxTargets[i] = encoded[i]
			t.BBoxWeights[i] = [4]float32{1, 1, 1, 1}
		}
	}
	for i := numPos; i < n; i++ {
		t.LabelWeights[i] = 1
	}
	return t, nil
}
