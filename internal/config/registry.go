package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/streamvox/pkg/sink"
	"github.com/MrWong99/streamvox/pkg/source"
	"github.com/MrWong99/streamvox/pkg/synth"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested backend name.
var ErrNotRegistered = errors.New("config: backend not registered")

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use. Source factories additionally take the per-session prompt,
// which is only known when a session starts.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]func(EngineEntry) (synth.Engine, error)
	sources map[string]func(entry SourceEntry, prompt string) (source.Source, error)
	sinks   map[string]func(entry SinkEntry, sampleRate int) (sink.Sink, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]func(EngineEntry) (synth.Engine, error)),
		sources: make(map[string]func(SourceEntry, string) (source.Source, error)),
		sinks:   make(map[string]func(SinkEntry, int) (sink.Sink, error)),
	}
}

// RegisterEngine registers a synthesis engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEngine(name string, factory func(EngineEntry) (synth.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// RegisterSource registers a text source factory under name.
func (r *Registry) RegisterSource(name string, factory func(SourceEntry, string) (source.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterSink registers an audio sink factory under name.
func (r *Registry) RegisterSink(name string, factory func(SinkEntry, int) (sink.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// CreateEngine instantiates a synthesis engine using the factory registered
// under entry.Name. Returns [ErrNotRegistered] if no factory exists.
func (r *Registry) CreateEngine(entry EngineEntry) (synth.Engine, error) {
	r.mu.RLock()
	factory, ok := r.engines[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSource instantiates a text source for one session.
func (r *Registry) CreateSource(entry SourceEntry, prompt string) (source.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrNotRegistered, entry.Provider)
	}
	return factory(entry, prompt)
}

// CreateSink instantiates an audio sink.
func (r *Registry) CreateSink(entry SinkEntry, sampleRate int) (sink.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry, sampleRate)
}
