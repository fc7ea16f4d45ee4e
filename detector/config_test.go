package detector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-rcnn/models/roihead"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
roi_head:
  num_classes: 20
  in_channels: 256
  reg_class_agnostic: true
  loss_bbox:
    kind: l1
    loss_weight: 2
train_cfg:
  mode: ssod
  label_type2weight: [1, 0.5]
  rpn_proposal:
    nms_pre: 2000
    max_per_img: 1000
    iou_threshold: 0.7
test_cfg:
  rcnn:
    score_thr: 0.1
    max_per_img: 50
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.RoIHead.NumClasses)
	assert.True(t, cfg.RoIHead.RegClassAgnostic)
	assert.True(t, cfg.RoIHead.WithCls, "defaults survive")
	assert.Equal(t, roihead.L1Loss, cfg.RoIHead.BBoxLoss.Kind)
	assert.True(t, cfg.Train.SemiSupervised())
	assert.Equal(t, [2]float32{1, 0.5}, cfg.Train.LabelTypeWeights)
	assert.Equal(t, 2000, cfg.ProposalBudget().NMSPre)
	assert.Equal(t, float32(0.1), cfg.Test.RCNN.ScoreThr)
	assert.Equal(t, float32(0.5), cfg.Test.RCNN.NMS.IoUThreshold)
	assert.Equal(t, 50, cfg.Test.RCNN.MaxPerImg)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing classes", "roi_head:\n  in_channels: 8\n"},
		{"bad mode", "roi_head:\n  num_classes: 2\n  in_channels: 8\ntrain_cfg:\n  mode: fixmatch\n"},
		{"negative weight", "roi_head:\n  num_classes: 2\n  in_channels: 8\ntrain_cfg:\n  label_type2weight: [1, -1]\n"},
		{"not yaml", "roi_head: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestProposalBudgetFallsBack(t *testing.T) {
	cfg := DefaultConfig(2, 8)
	assert.Equal(t, cfg.Test.RPN, cfg.ProposalBudget())
	assert.False(t, cfg.Train.SemiSupervised())
}

func TestConfigClassSet(t *testing.T) {
	cfg := DefaultConfig(20, 8)
	set, err := cfg.ClassSet()
	require.NoError(t, err)
	assert.Nil(t, set)

	cfg.Classes = "voc"
	require.NoError(t, cfg.Validate())
	set, err = cfg.ClassSet()
	require.NoError(t, err)
	assert.Equal(t, "person", set.ClassName(14))

	cfg.Classes = "coco"
	assert.Error(t, cfg.Validate(), "80 names for 20 classes")
	cfg.Classes = "imagenet"
	assert.Error(t, cfg.Validate())
}
