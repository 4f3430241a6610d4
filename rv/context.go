package rv

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/carderne/raster-vision/config"
)

// PipelineContext is the resolved view of the root pipeline config that
// children may derive from during Update. It is a value: children get a copy
// and cannot change what their siblings see.
type PipelineContext struct {
	RootURI    string
	AnalyzeURI string
	ChipURI    string
	TrainURI   string
	PredictURI string
	EvalURI    string
	BundleURI  string

	TrainChipSz    int
	PredictChipSz  int
	PredictBatchSz int
	Debug          bool

	ClassNames  []string
	ClassColors []string

	Defaults Defaults
	Logger   *slog.Logger
}

// Scene returns the context handed to the children of scene id.
func (pc PipelineContext) Scene(id string) SceneContext {
	return SceneContext{Pipeline: pc, SceneID: id}
}

func (pc PipelineContext) logger() *slog.Logger {
	if pc.Logger == nil {
		return slog.Default()
	}
	return pc.Logger
}

func (pc PipelineContext) withClasses(cc *ClassConfig) PipelineContext {
	if cc != nil {
		pc.ClassNames = slices.Clone(cc.Names)
		pc.ClassColors = slices.Clone(cc.Colors)
	}
	return pc
}

// SceneContext is what scene-scoped nodes (sources, transformers, label
// stores) derive from.
type SceneContext struct {
	Pipeline PipelineContext
	SceneID  string
}

// Defaults is implemented by concrete pipeline configs. The bare rv_pipeline
// has none and fails with config.ErrNotImplemented when one is needed.
type Defaults interface {
	DefaultEvaluator() (EvaluatorConfig, error)
	DefaultLabelStore(sceneID string) (LabelStoreConfig, error)
}

type noDefaults struct{ tag string }

func (d noDefaults) DefaultEvaluator() (EvaluatorConfig, error) {
	return nil, fmt.Errorf("%w: %q has no default evaluator", config.ErrNotImplemented, d.tag)
}

func (d noDefaults) DefaultLabelStore(sceneID string) (LabelStoreConfig, error) {
	return nil, fmt.Errorf("%w: %q has no default label store (scene %q)", config.ErrNotImplemented, d.tag, sceneID)
}
