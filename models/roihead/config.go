// Package roihead - Second stage box classification and regression: target
// assignment, loss composition, decoding and the RoI head driving them.
package roihead

import (
	"github.com/nvr-ai/go-rcnn/models/bbox"
	"github.com/nvr-ai/go-rcnn/models/losses"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
	"github.com/pkg/errors"
)

// RegressionLossKind selects the box regression loss.
type RegressionLossKind string

const (
	// SmoothL1Loss is the Huber style loss.
	SmoothL1Loss RegressionLossKind = "smooth_l1"
	// L1Loss is the absolute error loss.
	L1Loss RegressionLossKind = "l1"
)

// RegressionLossConfig configures the box regression loss.
type RegressionLossConfig struct {
	Kind       RegressionLossKind `json:"kind" yaml:"kind"`
	Beta       float32            `json:"beta" yaml:"beta"`
	LossWeight float32            `json:"loss_weight" yaml:"loss_weight"`
}

// Build creates the configured loss.
func (c RegressionLossConfig) Build() (losses.RegressionLoss, error) {
	switch c.Kind {
	case SmoothL1Loss, "":
		return losses.SmoothL1{Beta: c.Beta, LossWeight: c.LossWeight}, nil
	case L1Loss:
		return losses.L1{LossWeight: c.LossWeight}, nil
	default:
		return nil, errors.Errorf("unsupported regression loss: %s", c.Kind)
	}
}

// Config describes the bbox head.
type Config struct {
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// InChannels is the width of the pooled per-RoI feature vector.
	InChannels int `json:"in_channels" yaml:"in_channels"`

	WithCls          bool `json:"with_cls" yaml:"with_cls"`
	WithReg          bool `json:"with_reg" yaml:"with_reg"`
	RegClassAgnostic bool `json:"reg_class_agnostic" yaml:"reg_class_agnostic"`
	// RegDecodedBBox makes the regression loss compare absolute boxes.
	RegDecodedBBox bool `json:"reg_decoded_bbox" yaml:"reg_decoded_bbox"`

	Coder         bbox.CoderConfig     `json:"bbox_coder" yaml:"bbox_coder"`
	ClsLossWeight float32              `json:"cls_loss_weight" yaml:"cls_loss_weight"`
	BBoxLoss      RegressionLossConfig `json:"loss_bbox" yaml:"loss_bbox"`

	LossMidWeight    float32 `json:"loss_mid_weight" yaml:"loss_mid_weight"`
	LossMemClsWeight float32 `json:"loss_mem_cls_weight" yaml:"loss_mem_cls_weight"`
	AuxLossWeight    float32 `json:"aux_loss_weight" yaml:"aux_loss_weight"`

	// MemCapacity bounds the memory bank. Zero disables the bank.
	MemCapacity int `json:"mem_capacity" yaml:"mem_capacity"`
}

// DefaultConfig returns a head with both branches, class-aware regression and
// unit loss weights.
func DefaultConfig(numClasses, inChannels int) Config {
	return Config{
		NumClasses:       numClasses,
		InChannels:       inChannels,
		WithCls:          true,
		WithReg:          true,
		Coder:            bbox.DefaultCoderConfig(),
		ClsLossWeight:    1,
		BBoxLoss:         RegressionLossConfig{Kind: SmoothL1Loss, Beta: 1, LossWeight: 1},
		LossMidWeight:    1,
		LossMemClsWeight: 1,
		AuxLossWeight:    1,
	}
}

// Validate checks the head can be built.
func (c Config) Validate() error {
	if !c.WithCls && !c.WithReg {
		return errors.New("bbox head needs a classification or a regression branch")
	}
	if c.NumClasses <= 0 {
		return errors.Errorf("num_classes must be positive, got %d", c.NumClasses)
	}
	if c.InChannels <= 0 {
		return errors.Errorf("in_channels must be positive, got %d", c.InChannels)
	}
	if c.MemCapacity < 0 {
		return errors.Errorf("mem_capacity must not be negative, got %d", c.MemCapacity)
	}
	return errors.Wrap(c.Coder.Validate(), "bbox coder")
}

// TrainConfig is the training time behaviour of the head.
type TrainConfig struct {
	// PosWeight is the label weight of positives. <= 0 means 1.
	PosWeight float32 `json:"pos_weight" yaml:"pos_weight"`
}

// NMS configures suppression at test time.
type NMS struct {
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// MaxOutputBoxesPerClass applies to the export path only. Zero means MaxPerImg.
	MaxOutputBoxesPerClass int `json:"max_output_boxes_per_class" yaml:"max_output_boxes_per_class"`
}

// TestConfig is the inference time behaviour of the head.
type TestConfig struct {
	ScoreThr  float32 `json:"score_thr" yaml:"score_thr"`
	NMS       NMS     `json:"nms" yaml:"nms"`
	MaxPerImg int     `json:"max_per_img" yaml:"max_per_img"`
	// DeployNMSPre keeps the best candidates before export suppression. <= 0 disables it.
	DeployNMSPre int `json:"deploy_nms_pre" yaml:"deploy_nms_pre"`
}

// DefaultTestConfig returns the usual second stage test settings.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		ScoreThr:  0.05,
		NMS:       NMS{IoUThreshold: 0.5},
		MaxPerImg: 100,
	}
}

// NMSConfig converts the test settings for multi-class NMS.
func (c TestConfig) NMSConfig() postprocess.NMSConfig {
	return postprocess.NMSConfig{
		ScoreThr:     c.ScoreThr,
		IoUThreshold: c.NMS.IoUThreshold,
		MaxPerImg:    c.MaxPerImg,
	}
}

// ExportNMSConfig converts the test settings for the export path.
func (c TestConfig) ExportNMSConfig() postprocess.ExportNMSConfig {
	perClass := c.NMS.MaxOutputBoxesPerClass
	if perClass <= 0 {
		perClass = c.MaxPerImg
	}
	iou := c.NMS.IoUThreshold
	if iou <= 0 {
		iou = 0.5
	}
	return postprocess.ExportNMSConfig{
		ScoreThr:               c.ScoreThr,
		IoUThreshold:           iou,
		MaxOutputBoxesPerClass: perClass,
		PreTopK:                c.DeployNMSPre,
		AfterTopK:              c.MaxPerImg,
	}
}
