package config

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Factory returns a fresh node with its field defaults applied. Decoding
// overwrites only the fields present in the document.
type Factory func() Node

// Registry maps tags to node factories. Safe for concurrent use, but it is
// expected to be filled from init functions before the first Decode.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty node registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default is the process-wide registry used by the package-level functions.
var Default = NewRegistry()

// Register binds tag to factory. It fails with ErrDuplicateTag if tag is
// already bound, and with ErrSchemaMismatch if the factory does not build a
// pointer to a struct reporting the same tag.
func (r *Registry) Register(tag string, factory Factory) error {
	if tag == "" {
		return fmt.Errorf("%w: empty tag", ErrSchemaMismatch)
	}
	if factory == nil {
		return fmt.Errorf("%w: nil factory for %q", ErrSchemaMismatch, tag)
	}
	sample := factory()
	v := reflect.ValueOf(sample)
	if sample == nil || v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: factory for %q must return a non-nil struct pointer, got %T", ErrSchemaMismatch, tag, sample)
	}
	if got := sample.Tag(); got != tag {
		return fmt.Errorf("%w: factory for %q builds a node tagged %q", ErrSchemaMismatch, tag, got)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	if _, ok := r.factories[tag]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTag, tag)
	}
	r.factories[tag] = factory
	return nil
}

// MustRegister is like Register but panics on error. Use it from init.
func (r *Registry) MustRegister(tag string, factory Factory) {
	if err := r.Register(tag, factory); err != nil {
		panic(err)
	}
}

// Resolve returns the factory bound to tag, or ErrUnknownTag.
func (r *Registry) Resolve(tag string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return f, nil
}

// New returns a fresh node for tag.
func (r *Registry) New(tag string) (Node, error) {
	f, err := r.Resolve(tag)
	if err != nil {
		return nil, err
	}
	return f(), nil
}

// Tags returns all registered tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for t := range r.factories {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Register binds tag to factory in the Default registry.
func Register(tag string, factory Factory) error { return Default.Register(tag, factory) }

// MustRegister binds tag to factory in the Default registry or panics.
func MustRegister(tag string, factory Factory) { Default.MustRegister(tag, factory) }

// Resolve looks tag up in the Default registry.
func Resolve(tag string) (Factory, error) { return Default.Resolve(tag) }

// Tags lists the tags in the Default registry.
func Tags() []string { return Default.Tags() }
