package instance

import (
	"fmt"
	"sync"

	"github.com/estuary/ingestcore/go/model"
)

// Registry is a closed set of tagged SourceAdapter/SinkAdapter variants,
// dispatched by a string tag rather than reflective class-name
// instantiation. Unknown tags fail with model.ErrUnknownClassTag rather
// than a runtime reflection panic.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
	sinks   map[string]SinkFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		sinks:   make(map[string]SinkFactory),
	}
}

// RegisterSource associates tag with a SourceFactory.
func (r *Registry) RegisterSource(tag string, f SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[tag] = f
}

// RegisterSink associates tag with a SinkFactory.
func (r *Registry) RegisterSink(tag string, f SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[tag] = f
}

// BuildSource dispatches profile.SourceClassTag to its registered factory.
func (r *Registry) BuildSource(profile model.InstanceProfile) (SourceAdapter, error) {
	r.mu.RLock()
	f, ok := r.sources[profile.SourceClassTag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source tag %q", model.ErrUnknownClassTag, profile.SourceClassTag)
	}
	return f(profile), nil
}

// BuildSink dispatches profile.SinkClassTag to its registered factory.
func (r *Registry) BuildSink(profile model.InstanceProfile) (SinkAdapter, error) {
	r.mu.RLock()
	f, ok := r.sinks[profile.SinkClassTag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink tag %q", model.ErrUnknownClassTag, profile.SinkClassTag)
	}
	return f(profile), nil
}
