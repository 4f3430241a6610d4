package rv

import (
	"fmt"
	"log/slog"

	"github.com/carderne/raster-vision/config"
)

// Window methods for semantic segmentation chipping.
const (
	WindowSliding      = "sliding"
	WindowRandomSample = "random_sample"
)

// ChipOptionsConfig controls how training chips are cut from a scene.
type ChipOptionsConfig struct {
	WindowMethod         string  `yaml:"window_method"`
	TargetClassIDs       []int   `yaml:"target_class_ids,omitempty"`
	NegativeSurvivalProb float64 `yaml:"negative_survival_prob"`
	ChipsPerScene        int     `yaml:"chips_per_scene"`
	TargetCountThreshold int     `yaml:"target_count_threshold"`
	Stride               int     `yaml:"stride,omitempty" rv:"derived"`
}

func newChipOptions() *ChipOptionsConfig {
	return &ChipOptionsConfig{
		WindowMethod:         WindowSliding,
		NegativeSurvivalProb: 1.0,
		ChipsPerScene:        1000,
		TargetCountThreshold: 1000,
	}
}

func (*ChipOptionsConfig) Tag() string { return "semantic_segmentation_chip_options" }

// Update defaults the sliding-window stride to the chip size.
func (o *ChipOptionsConfig) Update(pc PipelineContext) error {
	switch o.WindowMethod {
	case WindowSliding, WindowRandomSample:
	default:
		return fmt.Errorf("%w: unknown window_method %q", config.ErrSchemaMismatch, o.WindowMethod)
	}
	if o.NegativeSurvivalProb < 0 || o.NegativeSurvivalProb > 1 {
		return fmt.Errorf("%w: negative_survival_prob %v not in [0, 1]", config.ErrSchemaMismatch, o.NegativeSurvivalProb)
	}
	for _, id := range o.TargetClassIDs {
		if id < 0 || id >= len(pc.ClassNames) {
			return fmt.Errorf("%w: target class id %d out of range", config.ErrSchemaMismatch, id)
		}
	}
	if o.Stride == 0 {
		o.Stride = pc.TrainChipSz
	}
	return nil
}

// SemanticSegmentationConfig predicts a class for every pixel.
type SemanticSegmentationConfig struct {
	RVPipelineConfig `yaml:",inline"`

	ChipOptions *ChipOptionsConfig `yaml:"chip_options,omitempty"`
}

func NewSemanticSegmentationConfig() *SemanticSegmentationConfig {
	c := &SemanticSegmentationConfig{}
	c.setDefaults()
	return c
}

func (*SemanticSegmentationConfig) Tag() string { return "semantic_segmentation" }

func (c *SemanticSegmentationConfig) Update() error {
	if err := c.update(c, slog.Default()); err != nil {
		return err
	}
	if c.ChipOptions == nil {
		c.ChipOptions = newChipOptions()
	}
	if err := c.ChipOptions.Update(c.Context(c, slog.Default())); err != nil {
		return fmt.Errorf("chip_options: %w", err)
	}
	return nil
}

func (*SemanticSegmentationConfig) DefaultEvaluator() (EvaluatorConfig, error) {
	return &SemanticSegmentationEvaluatorConfig{}, nil
}

func (*SemanticSegmentationConfig) DefaultLabelStore(string) (LabelStoreConfig, error) {
	return &SemanticSegmentationLabelStoreConfig{}, nil
}
