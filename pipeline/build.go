package pipeline

import (
	"fmt"
	"sync"

	"github.com/carderne/raster-vision/config"
)

// Factory builds the runtime pipeline for a resolved config. tmpDir is the
// scratch directory the pipeline may use for the run.
type Factory func(cfg config.Node, tmpDir string) (*Pipeline, error)

// Registry maps config tags to pipeline factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty pipeline registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default is the process-wide pipeline registry.
var Default = NewRegistry()

// Register binds the pipeline factory for configs tagged tag. A tag can be
// bound once.
func (r *Registry) Register(tag string, f Factory) error {
	if f == nil {
		return fmt.Errorf("pipeline factory for %q is nil", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	if _, ok := r.factories[tag]; ok {
		return fmt.Errorf("%w: pipeline %q", config.ErrDuplicateTag, tag)
	}
	r.factories[tag] = f
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(tag string, f Factory) {
	if err := r.Register(tag, f); err != nil {
		panic(err)
	}
}

// Get returns the factory for tag, or nil and false if not found.
func (r *Registry) Get(tag string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[tag]
	return f, ok
}

// Build returns the pipeline for cfg using the factory registered for its tag.
// cfg must already be resolved (see Updater).
func (r *Registry) Build(cfg config.Node, tmpDir string) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	f, ok := r.Get(cfg.Tag())
	if !ok {
		return nil, fmt.Errorf("%w: no pipeline registered for %q", config.ErrUnknownTag, cfg.Tag())
	}
	p, err := f(cfg, tmpDir)
	if err != nil {
		return nil, fmt.Errorf("build pipeline %q: %w", cfg.Tag(), err)
	}
	return p, nil
}

// Register binds f in the Default registry.
func Register(tag string, f Factory) error { return Default.Register(tag, f) }

// MustRegister binds f in the Default registry or panics.
func MustRegister(tag string, f Factory) { Default.MustRegister(tag, f) }

// Build builds cfg with the Default registry.
func Build(cfg config.Node, tmpDir string) (*Pipeline, error) { return Default.Build(cfg, tmpDir) }

// Resolve runs the root's Update pass when it has one. It must complete
// before any command is dispatched.
func Resolve(cfg config.Node) error {
	u, ok := cfg.(Updater)
	if !ok {
		return nil
	}
	if err := u.Update(); err != nil {
		return fmt.Errorf("update %q: %w", cfg.Tag(), err)
	}
	return nil
}

// Load reads a config document, resolves it and builds its pipeline with the
// Default registries.
func Load(path, tmpDir string) (*Pipeline, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := Resolve(cfg); err != nil {
		return nil, err
	}
	return Build(cfg, tmpDir)
}
