package rv

import (
	"fmt"

	"github.com/carderne/raster-vision/config"
	"github.com/carderne/raster-vision/pipeline"
)

// AnalyzerConfig describes a pass over the dataset run by the analyze command.
type AnalyzerConfig interface {
	config.Node
	Update(pc PipelineContext) error
	Build(bc BuildContext) (Analyzer, error)
}

// StatsAnalyzerConfig computes per-channel statistics used by
// stats_transformer.
type StatsAnalyzerConfig struct {
	OutputURI  string  `yaml:"output_uri,omitempty" rv:"derived"`
	SampleProb float64 `yaml:"sample_prob"`
}

func newStatsAnalyzer() *StatsAnalyzerConfig {
	return &StatsAnalyzerConfig{SampleProb: 0.1}
}

func (*StatsAnalyzerConfig) Tag() string { return "stats_analyzer" }

func (s *StatsAnalyzerConfig) Update(pc PipelineContext) error {
	if s.OutputURI == "" {
		s.OutputURI = pipeline.JoinURI(pc.AnalyzeURI, "stats.json")
	}
	if s.SampleProb <= 0 || s.SampleProb > 1 {
		return fmt.Errorf("%w: stats_analyzer.sample_prob %v not in (0, 1]", config.ErrSchemaMismatch, s.SampleProb)
	}
	return nil
}

func (s *StatsAnalyzerConfig) Build(bc BuildContext) (Analyzer, error) { return buildAnalyzer(s, bc) }

// EvaluatorConfig describes a scoring pass run by the eval command.
type EvaluatorConfig interface {
	config.Node
	Update(pc PipelineContext) error
	Build(bc BuildContext) (Evaluator, error)
}

type evaluator struct {
	OutputURI string `yaml:"output_uri,omitempty" rv:"derived"`
}

func (e *evaluator) update(pc PipelineContext) error {
	if e.OutputURI == "" {
		e.OutputURI = pipeline.JoinURI(pc.EvalURI, "eval.json")
	}
	return nil
}

// ChipClassificationEvaluatorConfig scores cell predictions.
type ChipClassificationEvaluatorConfig struct {
	evaluator `yaml:",inline"`
}

func (*ChipClassificationEvaluatorConfig) Tag() string { return "chip_classification_evaluator" }

func (e *ChipClassificationEvaluatorConfig) Update(pc PipelineContext) error { return e.update(pc) }

func (e *ChipClassificationEvaluatorConfig) Build(bc BuildContext) (Evaluator, error) {
	return buildEvaluator(e, bc)
}

// SemanticSegmentationEvaluatorConfig scores pixel predictions, and the
// vector outputs when present.
type SemanticSegmentationEvaluatorConfig struct {
	evaluator `yaml:",inline"`
}

func (*SemanticSegmentationEvaluatorConfig) Tag() string { return "semantic_segmentation_evaluator" }

func (e *SemanticSegmentationEvaluatorConfig) Update(pc PipelineContext) error { return e.update(pc) }

func (e *SemanticSegmentationEvaluatorConfig) Build(bc BuildContext) (Evaluator, error) {
	return buildEvaluator(e, bc)
}
