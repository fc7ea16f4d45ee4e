package detector

import (
	"os"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
	"github.com/nvr-ai/go-rcnn/models/roihead"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ModeSemiSupervised enables the labeled/unlabeled split of training batches.
const ModeSemiSupervised = "ssod"

// Config is the complete configuration of a two-stage detector.
type Config struct {
	// Classes names the label set. Empty leaves classes unnamed.
	Classes postprocess.ClassSetName `json:"classes,omitempty" yaml:"classes,omitempty"`
	RoIHead roihead.Config           `json:"roi_head" yaml:"roi_head"`
	Train   TrainConfig              `json:"train_cfg" yaml:"train_cfg"`
	Test    TestConfig               `json:"test_cfg" yaml:"test_cfg"`
}

// TrainConfig holds the training time settings.
type TrainConfig struct {
	// Mode is either empty or "ssod".
	Mode string `json:"mode" yaml:"mode"`
	// LabelTypeWeights scales the losses of labeled (index 0) and unlabeled
	// (index 1) images in a semi-supervised batch.
	LabelTypeWeights [2]float32 `json:"label_type2weight" yaml:"label_type2weight"`
	// RPNProposal is the proposal budget while training. Nil falls back to
	// the test budget.
	RPNProposal *common.ProposalConfig `json:"rpn_proposal,omitempty" yaml:"rpn_proposal,omitempty"`
	RCNN        roihead.TrainConfig    `json:"rcnn" yaml:"rcnn"`
}

// TestConfig holds the inference time settings.
type TestConfig struct {
	RPN  common.ProposalConfig `json:"rpn" yaml:"rpn"`
	RCNN roihead.TestConfig    `json:"rcnn" yaml:"rcnn"`
}

// DefaultConfig returns a supervised detector configuration.
func DefaultConfig(numClasses, inChannels int) Config {
	return Config{
		RoIHead: roihead.DefaultConfig(numClasses, inChannels),
		Train: TrainConfig{
			LabelTypeWeights: [2]float32{1, 1},
			RCNN:             roihead.TrainConfig{PosWeight: 1},
		},
		Test: TestConfig{
			RPN: common.ProposalConfig{
				NMSPre:       1000,
				MaxPerImg:    1000,
				IoUThreshold: 0.7,
			},
			RCNN: roihead.DefaultTestConfig(),
		},
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
//
// Arguments:
//   - path: The YAML file to read.
//
// Returns:
//   - Config: The validated configuration.
//   - error: An error if the file cannot be read, parsed or validated.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read config file")
	}
	cfg := DefaultConfig(0, 0)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.RoIHead.Validate(); err != nil {
		return errors.Wrap(err, "roi_head")
	}
	switch c.Train.Mode {
	case "", ModeSemiSupervised:
	default:
		return errors.Errorf("unsupported training mode: %s", c.Train.Mode)
	}
	for i, w := range c.Train.LabelTypeWeights {
		if w < 0 {
			return errors.Errorf("label type %d has negative weight %v", i, w)
		}
	}
	if c.Classes != "" {
		set, err := postprocess.LookupClassSet(c.Classes)
		if err != nil {
			return err
		}
		if set.Len() != c.RoIHead.NumClasses {
			return errors.Errorf("class set %s has %d classes, roi_head has %d", c.Classes, set.Len(), c.RoIHead.NumClasses)
		}
	}
	if c.Test.RCNN.MaxPerImg <= 0 {
		return errors.Errorf("test_cfg.rcnn.max_per_img must be positive, got %d", c.Test.RCNN.MaxPerImg)
	}
	return nil
}

// ClassSet returns the configured label set, or nil when none is named.
func (c Config) ClassSet() (*postprocess.ClassSet, error) {
	if c.Classes == "" {
		return nil, nil
	}
	return postprocess.LookupClassSet(c.Classes)
}

// SemiSupervised reports whether the semi-supervised path is enabled.
func (c TrainConfig) SemiSupervised() bool {
	return c.Mode == ModeSemiSupervised
}

// ProposalBudget returns the training budget, falling back to the test one.
func (c Config) ProposalBudget() common.ProposalConfig {
	if c.Train.RPNProposal != nil {
		return *c.Train.RPNProposal
	}
	return c.Test.RPN
}

// RoIHeadArgs builds the arguments of a standard RoI head from the
// configuration.
func (c Config) RoIHeadArgs(sampler roihead.Sampler, extractor roihead.RoIExtractor, log logs.Log) roihead.Args {
	return roihead.Args{
		Config:    c.RoIHead,
		Train:     c.Train.RCNN,
		Test:      c.Test.RCNN,
		Sampler:   sampler,
		Extractor: extractor,
		Log:       log,
	}
}
