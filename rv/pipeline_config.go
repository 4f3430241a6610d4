package rv

import (
	"fmt"
	"log/slog"

	"github.com/carderne/raster-vision/config"
	"github.com/carderne/raster-vision/pipeline"
)

// Stage names, in run order. Each stage writes under root_uri/<stage> unless
// its URI is set explicitly.
const (
	StageAnalyze = "analyze"
	StageChip    = "chip"
	StageTrain   = "train"
	StagePredict = "predict"
	StageEval    = "eval"
	StageBundle  = "bundle"
)

// Stages lists every stage in run order.
var Stages = []string{StageAnalyze, StageChip, StageTrain, StagePredict, StageEval, StageBundle}

// RVPipelineConfig is the root of a run: dataset, backend, evaluators,
// analyzers and where every stage writes its output.
type RVPipelineConfig struct {
	pipeline.Config `yaml:",inline"`

	Dataset    *DatasetConfig    `yaml:"dataset" rv:"required"`
	Backend    BackendConfig     `yaml:"backend" rv:"required"`
	Evaluators []EvaluatorConfig `yaml:"evaluators,omitempty"`
	Analyzers  []AnalyzerConfig  `yaml:"analyzers,omitempty"`

	Debug          bool `yaml:"debug,omitempty"`
	TrainChipSz    int  `yaml:"train_chip_sz"`
	PredictChipSz  int  `yaml:"predict_chip_sz"`
	PredictBatchSz int  `yaml:"predict_batch_sz"`

	AnalyzeURI string `yaml:"analyze_uri,omitempty" rv:"derived"`
	ChipURI    string `yaml:"chip_uri,omitempty" rv:"derived"`
	TrainURI   string `yaml:"train_uri,omitempty" rv:"derived"`
	PredictURI string `yaml:"predict_uri,omitempty" rv:"derived"`
	EvalURI    string `yaml:"eval_uri,omitempty" rv:"derived"`
	BundleURI  string `yaml:"bundle_uri,omitempty" rv:"derived"`
}

func newRVPipelineConfig() *RVPipelineConfig {
	c := &RVPipelineConfig{}
	c.setDefaults()
	return c
}

func (c *RVPipelineConfig) setDefaults() {
	c.TrainChipSz = 200
	c.PredictChipSz = 800
	c.PredictBatchSz = 8
}

func (*RVPipelineConfig) Tag() string { return "rv_pipeline" }

// Root returns the embedded root config. Concrete pipeline configs inherit it.
func (c *RVPipelineConfig) Root() *RVPipelineConfig { return c }

// Update resolves the tree. The bare rv_pipeline has no defaults, so a
// missing evaluator or label store fails with config.ErrNotImplemented.
func (c *RVPipelineConfig) Update() error {
	return c.update(noDefaults{tag: c.Tag()}, slog.Default())
}

// stageURI returns a pointer to the URI field of stage.
func (c *RVPipelineConfig) stageURI(stage string) *string {
	switch stage {
	case StageAnalyze:
		return &c.AnalyzeURI
	case StageChip:
		return &c.ChipURI
	case StageTrain:
		return &c.TrainURI
	case StagePredict:
		return &c.PredictURI
	case StageEval:
		return &c.EvalURI
	case StageBundle:
		return &c.BundleURI
	}
	return nil
}

// StageURI returns the output location of stage, or "" if unknown.
func (c *RVPipelineConfig) StageURI(stage string) string {
	if p := c.stageURI(stage); p != nil {
		return *p
	}
	return ""
}

// Context snapshots what children may derive from.
func (c *RVPipelineConfig) Context(defaults Defaults, log *slog.Logger) PipelineContext {
	pc := PipelineContext{
		RootURI:        c.RootURI,
		AnalyzeURI:     c.AnalyzeURI,
		ChipURI:        c.ChipURI,
		TrainURI:       c.TrainURI,
		PredictURI:     c.PredictURI,
		EvalURI:        c.EvalURI,
		BundleURI:      c.BundleURI,
		TrainChipSz:    c.TrainChipSz,
		PredictChipSz:  c.PredictChipSz,
		PredictBatchSz: c.PredictBatchSz,
		Debug:          c.Debug,
		Defaults:       defaults,
		Logger:         log,
	}
	if c.Dataset != nil {
		pc = pc.withClasses(c.Dataset.ClassConfig)
	}
	return pc
}

// update derives the stage URIs, then resolves dataset, backend, evaluators
// and analyzers in that order. Only unset fields are filled, so running it
// again changes nothing.
func (c *RVPipelineConfig) update(defaults Defaults, log *slog.Logger) error {
	if c.RootURI == "" {
		return fmt.Errorf("%w: root_uri is not set", config.ErrSchemaMismatch)
	}
	if c.TrainChipSz < 1 || c.PredictChipSz < 1 || c.PredictBatchSz < 1 {
		return fmt.Errorf("%w: chip and batch sizes must be positive", config.ErrSchemaMismatch)
	}
	for _, stage := range Stages {
		if p := c.stageURI(stage); *p == "" {
			*p = pipeline.JoinURI(c.RootURI, stage)
		}
	}
	if c.Dataset == nil {
		return fmt.Errorf("%w: dataset is not set", config.ErrSchemaMismatch)
	}
	if c.Backend == nil {
		return fmt.Errorf("%w: backend is not set", config.ErrSchemaMismatch)
	}

	if err := c.Dataset.Update(c.Context(defaults, log)); err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	// Snapshot again: the dataset has resolved the class config.
	pc := c.Context(defaults, log)

	if err := c.Backend.Update(pc); err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	if len(c.Evaluators) == 0 {
		e, err := defaults.DefaultEvaluator()
		if err != nil {
			return err
		}
		c.Evaluators = append(c.Evaluators, e)
	}
	for i, e := range c.Evaluators {
		if err := e.Update(pc); err != nil {
			return fmt.Errorf("evaluators[%d]: %w", i, err)
		}
	}

	if c.needsStatsAnalyzer() && !c.hasStatsAnalyzer() {
		log.Debug("Adding stats analyzer for stats_transformer")
		c.Analyzers = append(c.Analyzers, newStatsAnalyzer())
	}
	for i, a := range c.Analyzers {
		if err := a.Update(pc); err != nil {
			return fmt.Errorf("analyzers[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *RVPipelineConfig) needsStatsAnalyzer() bool {
	for _, s := range c.Dataset.AllScenes() {
		if s.RasterSource == nil {
			continue
		}
		for _, t := range s.RasterSource.TransformerConfigs() {
			if _, ok := t.(*StatsTransformerConfig); ok {
				return true
			}
		}
	}
	return false
}

func (c *RVPipelineConfig) hasStatsAnalyzer() bool {
	for _, a := range c.Analyzers {
		if _, ok := a.(*StatsAnalyzerConfig); ok {
			return true
		}
	}
	return false
}

// Rooted is implemented by every pipeline config built on RVPipelineConfig.
type Rooted interface {
	config.Node
	pipeline.Updater
	Root() *RVPipelineConfig
}

var (
	_ Rooted = (*RVPipelineConfig)(nil)
	_ Rooted = (*ChipClassificationConfig)(nil)
	_ Rooted = (*SemanticSegmentationConfig)(nil)

	_ Defaults = (*ChipClassificationConfig)(nil)
	_ Defaults = (*SemanticSegmentationConfig)(nil)
)
