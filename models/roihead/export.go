package roihead

import (
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/bbox"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ExportONNX produces the fixed-shape detections of the deployment graph.
//
// Arguments:
//   - rois: (B, N, 5) RoIs, the first column being the image index.
//   - clsScore: (B, N, C+1) logits.
//   - bboxPred: (B, N, 4) or (B, N, 4C) deltas, or nil.
//   - imgShape: The (height, width) shared by the batch.
//   - cfg: Test settings.
//
// Returns:
//   - *postprocess.BatchedOutput: dets (B, K, 5) and labels (B, K), K = MaxPerImg.
//   - error: ErrPrecondition when the RoIs are not batched.
func (h *BBoxHead) ExportONNX(rois, clsScore, bboxPred *tensor.Dense, imgShape [2]int, cfg TestConfig) (*postprocess.BatchedOutput, error) {
	if rois == nil || rois.Dims() != 3 {
		return nil, common.Preconditionf("export needs rois with a batch dimension")
	}
	if clsScore == nil || clsScore.Dims() != 3 {
		return nil, common.Preconditionf("export needs batched classification scores")
	}
	rs, cs := rois.Shape(), clsScore.Shape()
	batch, n := rs[0], rs[1]
	if rs[2] != 5 || cs[0] != batch || cs[1] != n {
		return nil, common.ShapeMismatchf("export got rois %v and scores %v", rs, cs)
	}
	width := 0
	if bboxPred != nil {
		ps := bboxPred.Shape()
		if len(ps) != 3 || ps[0] != batch || ps[1] != n {
			return nil, common.ShapeMismatchf("export got rois %v and deltas %v", rs, ps)
		}
		width = ps[2]
	}
	roiData, err := nn.Float32s(rois)
	if err != nil {
		return nil, err
	}
	clsData, err := nn.Float32s(clsScore)
	if err != nil {
		return nil, err
	}
	var predData []float32
	if bboxPred != nil {
		if predData, err = nn.Float32s(bboxPred); err != nil {
			return nil, err
		}
	}

	classes := h.Config.NumClasses
	ecfg := cfg.ExportNMSConfig()
	meta := common.ImageMeta{ImgShape: imgShape}
	maxSize := float32(imgShape[0])
	if w := float32(imgShape[1]); w > maxSize {
		maxSize = w
	}

	perImage := make([][]postprocess.Detection, batch)
	if n == 0 {
		for b := range perImage {
			perImage[b] = postprocess.DeployNMS(nil, true, ecfg)
		}
		return postprocess.NewBatchedOutput(perImage, ecfg.AfterTopK)
	}
	for b := 0; b < batch; b++ {
		boxes := make([]common.Box, n)
		for i := range boxes {
			r := roiData[(b*n+i)*5:]
			boxes[i] = common.Box{X1: r[1], Y1: r[2], X2: r[3], Y2: r[4]}
		}
		logits := nn.Dense(append([]float32(nil), clsData[b*n*cs[2]:(b+1)*n*cs[2]]...), n, cs[2])
		var preds *tensor.Dense
		if predData != nil {
			preds = nn.Dense(append([]float32(nil), predData[b*n*width:(b+1)*n*width]...), n, width)
		}
		res, err := h.GetBBoxes(boxes, logits, preds, meta, false, nil)
		if err != nil {
			return nil, err
		}
		scores, err := nn.Float32s(res.Scores)
		if err != nil {
			return nil, err
		}
		decoded, err := nn.Float32s(res.Boxes)
		if err != nil {
			return nil, err
		}
		bw := res.Boxes.Shape()[1]
		sc := res.Scores.Shape()[1]

		// Background is dropped.
		fg := make([]float32, 0, n*classes)
		for i := 0; i < n; i++ {
			fg = append(fg, scores[i*sc:i*sc+classes]...)
		}

		if bw == 4 {
			// Shared boxes, one NMS per label.
			var cands []postprocess.Detection
			for _, i := range topRows(fg, n, classes, ecfg.PreTopK) {
				for c := 0; c < classes; c++ {
					cands = append(cands, postprocess.Detection{Box: boxRow(decoded, i), Score: fg[i*classes+c], Class: c})
				}
			}
			single := ecfg
			single.PreTopK = 0
			perImage[b] = postprocess.DeployNMS(cands, true, single)
			continue
		}

		// Per-class boxes are moved apart so that one class-agnostic NMS
		// never suppresses across labels, then moved back.
		cands := make([]postprocess.Detection, 0, n*classes)
		for i := 0; i < n; i++ {
			for c := 0; c < classes; c++ {
				box := boxRow(decoded, i*classes+c).Offset(postprocess.ClassOffset(c, maxSize))
				cands = append(cands, postprocess.Detection{Box: box, Score: fg[i*classes+c], Class: c})
			}
		}
		dets := postprocess.DeployNMS(cands, false, ecfg)
		for k := range dets {
			if dets[k].Class >= 0 {
				dets[k].Box = dets[k].Box.Offset(-postprocess.ClassOffset(dets[k].Class, maxSize))
			}
		}
		perImage[b] = dets
	}
	return postprocess.NewBatchedOutput(perImage, ecfg.AfterTopK)
}

// boxRow reads the k-th group of four values.
func boxRow(data []float32, k int) common.Box {
	r := data[k*4:]
	return common.Box{X1: r[0], Y1: r[1], X2: r[2], Y2: r[3]}
}

// ExportONNX pools the proposals of a fixed-size batch, runs the bbox head
// and applies the deployment NMS. Every image must carry the same number of
// proposals and share metas[0].ImgShape.
func (h *StandardRoIHead) ExportONNX(g *G.ExprGraph, feats common.Pyramid, metas []common.ImageMeta, proposals [][]common.Proposal) (*postprocess.BatchedOutput, error) {
	if len(metas) == 0 {
		return nil, common.Preconditionf("export needs at least one image")
	}
	if len(proposals) != len(metas) {
		return nil, common.ShapeMismatchf("%d proposal lists for %d images", len(proposals), len(metas))
	}
	batch, n := len(proposals), len(proposals[0])
	for i, p := range proposals {
		if len(p) != n {
			return nil, common.ShapeMismatchf("export needs %d proposals per image, image %d has %d", n, i, len(p))
		}
	}
	if n == 0 {
		ecfg := h.Test.ExportNMSConfig()
		perImage := make([][]postprocess.Detection, batch)
		for b := range perImage {
			perImage[b] = postprocess.DeployNMS(nil, true, ecfg)
		}
		return postprocess.NewBatchedOutput(perImage, ecfg.AfterTopK)
	}

	boxes := make([][]common.Box, batch)
	for i, p := range proposals {
		boxes[i] = common.ProposalBoxes(p)
	}
	rois := bbox.ToRoIs(boxes)
	cls, reg, err := h.predict(g, feats, rois)
	if err != nil {
		return nil, err
	}

	packed := make([]float32, 0, len(rois)*5)
	for _, r := range rois {
		packed = append(packed, float32(r.ImgID), r.Box.X1, r.Box.Y1, r.Box.X2, r.Box.Y2)
	}
	clsData, err := nn.Float32s(cls)
	if err != nil {
		return nil, err
	}
	clsB := nn.Dense(clsData, batch, n, cls.Shape()[1])
	var regB *tensor.Dense
	if reg != nil {
		regData, err := nn.Float32s(reg)
		if err != nil {
			return nil, err
		}
		regB = nn.Dense(regData, batch, n, reg.Shape()[1])
	}
	return h.BBox.ExportONNX(nn.Dense(packed, batch, n, 5), clsB, regB, metas[0].ImgShape, h.Test)
}
