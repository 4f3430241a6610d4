// Package localfs provides backend, analyzer and evaluator implementations
// that work on local paths and write JSON manifests instead of running a
// model. They make every command of a pipeline runnable end to end, which is
// what the sample pipeline and the CLI smoke runs need.
package localfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/carderne/raster-vision/config"
	"github.com/carderne/raster-vision/fileio"
	"github.com/carderne/raster-vision/pipeline"
	"github.com/carderne/raster-vision/rv"
)

// Backend tags served by this package.
var BackendTags = []string{"pytorch_chip_classification", "pytorch_semantic_segmentation"}

var registerOnce sync.Once

// Register installs the implementations for every backend, analyzer and
// evaluator tag of package rv. Calling it again is a no-op.
func Register() {
	registerOnce.Do(func() {
		for _, tag := range BackendTags {
			rv.RegisterBackend(tag, NewBackend)
		}
		rv.RegisterAnalyzer("stats_analyzer", NewStatsAnalyzer)
		rv.RegisterEvaluator("chip_classification_evaluator", NewEvaluator)
		rv.RegisterEvaluator("semantic_segmentation_evaluator", NewEvaluator)
	})
}

// Path returns the local path of uri. file:// URIs are accepted; any other
// scheme fails with config.ErrNotImplemented.
func Path(uri string) (string, error) {
	p, err := fileio.LocalPath(uri)
	if err != nil {
		return "", fmt.Errorf("%w: localfs: %w", config.ErrNotImplemented, err)
	}
	return p, nil
}

func writeJSON(uri string, v any) error {
	p, err := Path(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	return os.WriteFile(p, append(b, '\n'), 0o644)
}

func readJSON[T any](ctx context.Context, uri string) (*T, error) {
	p, err := Path(uri)
	if err != nil {
		return nil, err
	}
	return fileio.ReadJSON[T](ctx, &fileio.Reader{}, p)
}

// SceneSample is what chipping one scene produces.
type SceneSample struct {
	SceneID     string   `json:"scene_id"`
	RasterURIs  []string `json:"raster_uris,omitempty"`
	LabelSource string   `json:"label_source,omitempty"`
	ChipSz      int      `json:"chip_sz"`
}

// ChipSet is the output of one chip shard.
type ChipSet struct {
	Train      []SceneSample `json:"train"`
	Validation []SceneSample `json:"validation"`
}

// Model is the trained artifact.
type Model struct {
	Backend    string   `json:"backend"`
	ClassNames []string `json:"class_names"`
	ChipSz     int      `json:"chip_sz"`
	Shards     int      `json:"shards"`
	Train      []string `json:"train_scenes"`
	Validation []string `json:"validation_scenes"`
}

// Prediction is written to each scene's label store.
type Prediction struct {
	SceneID string `json:"scene_id"`
	Model   string `json:"model"`
	ChipSz  int    `json:"chip_sz"`
	BatchSz int    `json:"batch_sz"`
}

const (
	sampleFile = "sample.json"
	chipsFile  = "chips.json"
	modelFile  = "model.json"
	configFile = "pipeline-config.yaml"
)

// Backend writes scene samples while chipping, merges them into a model
// manifest while training and writes one prediction per scene.
type Backend struct {
	tag string
	pc  rv.PipelineContext
	log *slog.Logger
}

// NewBackend is an rv.BackendFactory.
func NewBackend(cfg rv.BackendConfig, bc rv.BuildContext) (rv.Backend, error) {
	log := bc.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Backend{tag: cfg.Tag(), pc: bc.Pipeline, log: log.With("backend", cfg.Tag())}, nil
}

func (b *Backend) ProcessSceneData(ctx context.Context, scene *rv.SceneConfig, tmpDir string) (string, error) {
	s := SceneSample{SceneID: scene.ID, ChipSz: b.pc.TrainChipSz}
	if src, ok := scene.RasterSource.(*rv.RasterioSourceConfig); ok {
		s.RasterURIs = src.URIs
	}
	if scene.LabelSource != nil {
		s.LabelSource = scene.LabelSource.Tag()
	}
	dir := filepath.Join(tmpDir, scene.ID)
	if err := writeJSON(filepath.Join(dir, sampleFile), s); err != nil {
		return "", err
	}
	return dir, nil
}

func (b *Backend) ProcessSceneSetResults(ctx context.Context, train, valid []string, outputURI string) error {
	load := func(dirs []string) ([]SceneSample, error) {
		out := make([]SceneSample, 0, len(dirs))
		for _, d := range dirs {
			s, err := readJSON[SceneSample](ctx, filepath.Join(d, sampleFile))
			if err != nil {
				return nil, err
			}
			out = append(out, *s)
		}
		return out, nil
	}
	var (
		set ChipSet
		err error
	)
	if set.Train, err = load(train); err != nil {
		return err
	}
	if set.Validation, err = load(valid); err != nil {
		return err
	}
	return writeJSON(pipeline.JoinURI(outputURI, chipsFile), set)
}

// Train merges the chip sets of every shard under chip_uri.
func (b *Backend) Train(ctx context.Context, tmpDir string) error {
	root, err := Path(b.pc.ChipURI)
	if err != nil {
		return err
	}
	m := Model{Backend: b.tag, ClassNames: b.pc.ClassNames, ChipSz: b.pc.TrainChipSz}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() != chipsFile {
			return err
		}
		set, err := readJSON[ChipSet](ctx, p)
		if err != nil {
			return err
		}
		m.Shards++
		for _, s := range set.Train {
			m.Train = append(m.Train, s.SceneID)
		}
		for _, s := range set.Validation {
			m.Validation = append(m.Validation, s.SceneID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read chips under %s: %w", root, err)
	}
	if m.Shards == 0 {
		return fmt.Errorf("no chips under %s; run chip first", root)
	}
	sort.Strings(m.Train)
	sort.Strings(m.Validation)
	b.log.Info("Trained", "shards", m.Shards, "train_scenes", len(m.Train), "validation_scenes", len(m.Validation))
	return writeJSON(pipeline.JoinURI(b.pc.TrainURI, modelFile), m)
}

func (b *Backend) Predict(ctx context.Context, scene *rv.SceneConfig, tmpDir string) error {
	model := pipeline.JoinURI(b.pc.TrainURI, modelFile)
	if _, err := readJSON[Model](ctx, model); err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	if scene.LabelStore == nil {
		return fmt.Errorf("%w: scene %q has no label store", config.ErrResolution, scene.ID)
	}
	return writeJSON(scene.LabelStore.OutputURI(), Prediction{
		SceneID: scene.ID,
		Model:   model,
		ChipSz:  b.pc.PredictChipSz,
		BatchSz: b.pc.PredictBatchSz,
	})
}

// Bundle copies the model and the resolved config into bundleURI.
func (b *Backend) Bundle(ctx context.Context, bundleURI string, resolved []byte, tmpDir string) error {
	m, err := readJSON[Model](ctx, pipeline.JoinURI(b.pc.TrainURI, modelFile))
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	if err := writeJSON(pipeline.JoinURI(bundleURI, modelFile), m); err != nil {
		return err
	}
	dir, err := Path(bundleURI)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, configFile), resolved, 0o644)
}

// Stats is the output of the stats analyzer.
type Stats struct {
	Scenes     []string `json:"scenes"`
	Channels   int      `json:"channels"`
	SampleProb float64  `json:"sample_prob"`
}

type statsAnalyzer struct {
	cfg *rv.StatsAnalyzerConfig
}

// NewStatsAnalyzer is an rv.AnalyzerFactory for stats_analyzer.
func NewStatsAnalyzer(cfg rv.AnalyzerConfig, _ rv.BuildContext) (rv.Analyzer, error) {
	sc, ok := cfg.(*rv.StatsAnalyzerConfig)
	if !ok {
		return nil, fmt.Errorf("%w: %T", config.ErrSchemaMismatch, cfg)
	}
	return &statsAnalyzer{cfg: sc}, nil
}

func (a *statsAnalyzer) Process(ctx context.Context, scenes []*rv.SceneConfig, tmpDir string) error {
	st := Stats{SampleProb: a.cfg.SampleProb}
	for _, s := range scenes {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.Scenes = append(st.Scenes, s.ID)
		if src, ok := s.RasterSource.(*rv.RasterioSourceConfig); ok {
			st.Channels = max(st.Channels, len(src.ChannelOrder))
		}
	}
	return writeJSON(a.cfg.OutputURI, st)
}

// Evaluation is the output of an evaluator: which scenes have predictions.
type Evaluation struct {
	Evaluator string   `json:"evaluator"`
	Predicted []string `json:"predicted"`
	Missing   []string `json:"missing,omitempty"`
}

type evaluator struct {
	tag    string
	output string
	log    *slog.Logger
}

// NewEvaluator is an rv.EvaluatorFactory for both evaluator tags.
func NewEvaluator(cfg rv.EvaluatorConfig, bc rv.BuildContext) (rv.Evaluator, error) {
	var out string
	switch c := cfg.(type) {
	case *rv.ChipClassificationEvaluatorConfig:
		out = c.OutputURI
	case *rv.SemanticSegmentationEvaluatorConfig:
		out = c.OutputURI
	default:
		return nil, fmt.Errorf("%w: %T", config.ErrSchemaMismatch, cfg)
	}
	log := bc.Logger
	if log == nil {
		log = slog.Default()
	}
	return &evaluator{tag: cfg.Tag(), output: out, log: log}, nil
}

func (e *evaluator) Process(ctx context.Context, scenes []*rv.SceneConfig, tmpDir string) error {
	ev := Evaluation{Evaluator: e.tag}
	for _, s := range scenes {
		if s.LabelStore == nil {
			ev.Missing = append(ev.Missing, s.ID)
			continue
		}
		p, err := Path(s.LabelStore.OutputURI())
		if err != nil {
			return err
		}
		switch _, err := os.Stat(p); {
		case err == nil:
			ev.Predicted = append(ev.Predicted, s.ID)
		case errors.Is(err, fs.ErrNotExist):
			ev.Missing = append(ev.Missing, s.ID)
		default:
			return err
		}
	}
	if len(ev.Missing) > 0 {
		e.log.Warn("Scenes without predictions", "evaluator", e.tag, "scenes", ev.Missing)
	}
	return writeJSON(e.output, ev)
}
