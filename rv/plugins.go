package rv

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/carderne/raster-vision/config"
)

// BuildContext is handed to Build on backends, analyzers and evaluators.
type BuildContext struct {
	Pipeline PipelineContext
	// TmpDir is scratch space owned by the calling command.
	TmpDir string
	Logger *slog.Logger
}

// Backend turns scenes into chips, chips into a model and a model into
// predictions. Implementations are registered per backend tag with
// RegisterBackend.
type Backend interface {
	// ProcessSceneData writes the training samples of one scene under
	// tmpDir and returns their location.
	ProcessSceneData(ctx context.Context, scene *SceneConfig, tmpDir string) (string, error)
	// ProcessSceneSetResults combines the per-scene outputs of one chip shard
	// into outputURI.
	ProcessSceneSetResults(ctx context.Context, train, valid []string, outputURI string) error
	// Train merges every shard output under the chip location and trains.
	Train(ctx context.Context, tmpDir string) error
	// Predict writes the predictions for scene to its label store.
	Predict(ctx context.Context, scene *SceneConfig, tmpDir string) error
	// Bundle packages the trained model with the resolved config.
	Bundle(ctx context.Context, bundleURI string, resolved []byte, tmpDir string) error
}

// Analyzer computes dataset statistics before chipping.
type Analyzer interface {
	Process(ctx context.Context, scenes []*SceneConfig, tmpDir string) error
}

// Evaluator scores predictions against ground truth.
type Evaluator interface {
	Process(ctx context.Context, scenes []*SceneConfig, tmpDir string) error
}

type (
	BackendFactory   func(cfg BackendConfig, bc BuildContext) (Backend, error)
	AnalyzerFactory  func(cfg AnalyzerConfig, bc BuildContext) (Analyzer, error)
	EvaluatorFactory func(cfg EvaluatorConfig, bc BuildContext) (Evaluator, error)
)

// plugins maps config tags to runtime implementations, in the manner of
// database/sql drivers.
type plugins[F any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]F
}

func (p *plugins[F]) register(tag string, f F) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]F)
	}
	if _, dup := p.m[tag]; dup {
		panic(fmt.Sprintf("rv: %s for %q registered twice", p.kind, tag))
	}
	p.m[tag] = f
}

func (p *plugins[F]) get(tag string) (F, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.m[tag]
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: no %s registered for %q", config.ErrNotImplemented, p.kind, tag)
	}
	return f, nil
}

func (p *plugins[F]) tags() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.m))
	for t := range p.m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

var (
	backends   = &plugins[BackendFactory]{kind: "backend"}
	analyzers  = &plugins[AnalyzerFactory]{kind: "analyzer"}
	evaluators = &plugins[EvaluatorFactory]{kind: "evaluator"}
)

// RegisterBackend makes a backend implementation available for configs
// tagged tag. It panics if called twice for the same tag.
func RegisterBackend(tag string, f BackendFactory) { backends.register(tag, f) }

// RegisterAnalyzer makes an analyzer implementation available for tag.
func RegisterAnalyzer(tag string, f AnalyzerFactory) { analyzers.register(tag, f) }

// RegisterEvaluator makes an evaluator implementation available for tag.
func RegisterEvaluator(tag string, f EvaluatorFactory) { evaluators.register(tag, f) }

// Backends, Analyzers and Evaluators list the tags with an implementation.
func Backends() []string   { return backends.tags() }
func Analyzers() []string  { return analyzers.tags() }
func Evaluators() []string { return evaluators.tags() }

func buildBackend(cfg BackendConfig, bc BuildContext) (Backend, error) {
	if err := requireResolved(cfg); err != nil {
		return nil, err
	}
	f, err := backends.get(cfg.Tag())
	if err != nil {
		return nil, err
	}
	return f(cfg, bc)
}

func buildAnalyzer(cfg AnalyzerConfig, bc BuildContext) (Analyzer, error) {
	if err := requireResolved(cfg); err != nil {
		return nil, err
	}
	f, err := analyzers.get(cfg.Tag())
	if err != nil {
		return nil, err
	}
	return f(cfg, bc)
}

func buildEvaluator(cfg EvaluatorConfig, bc BuildContext) (Evaluator, error) {
	if err := requireResolved(cfg); err != nil {
		return nil, err
	}
	f, err := evaluators.get(cfg.Tag())
	if err != nil {
		return nil, err
	}
	return f(cfg, bc)
}

// requireResolved fails with config.ErrResolution if any node under n still
// misses a derived field.
func requireResolved(n config.Node) error {
	return config.Walk(n, func(_ string, child config.Node) error {
		return config.RequireDerived(child)
	})
}
