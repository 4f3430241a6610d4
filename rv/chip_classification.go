package rv

import "log/slog"

// ChipClassificationConfig classifies fixed-size cells of each scene.
type ChipClassificationConfig struct {
	RVPipelineConfig `yaml:",inline"`
}

// NewChipClassificationConfig returns a config with the default chip and
// batch sizes.
func NewChipClassificationConfig() *ChipClassificationConfig {
	c := &ChipClassificationConfig{}
	c.setDefaults()
	return c
}

func (*ChipClassificationConfig) Tag() string { return "chip_classification" }

func (c *ChipClassificationConfig) Update() error {
	return c.update(c, slog.Default())
}

func (*ChipClassificationConfig) DefaultEvaluator() (EvaluatorConfig, error) {
	return &ChipClassificationEvaluatorConfig{}, nil
}

func (*ChipClassificationConfig) DefaultLabelStore(string) (LabelStoreConfig, error) {
	return &ChipClassificationGeoJSONStoreConfig{}, nil
}
