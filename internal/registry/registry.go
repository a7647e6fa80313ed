// Package registry maps adapter kind identifiers to constructors so
// the engine and the API layer can instantiate adapters per request.
package registry

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/driftworks/migration-service/internal/models"
	"github.com/driftworks/migration-service/internal/sink"
	"github.com/driftworks/migration-service/internal/source"
)

type (
	SourceFactory func(log *slog.Logger) source.Source
	SinkFactory   func(log *slog.Logger) sink.Sink
)

type Registry struct {
	sources map[string]SourceFactory
	sinks   map[string]SinkFactory
	log     *slog.Logger
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		sinks:   make(map[string]SinkFactory),
		log:     log,
	}
}

func (r *Registry) RegisterSource(kind string, f SourceFactory) {
	r.sources[kind] = f
	r.log.Info("registered source adapter", slog.String("kind", kind))
}

func (r *Registry) RegisterSink(kind string, f SinkFactory) {
	r.sinks[kind] = f
	r.log.Info("registered destination adapter", slog.String("kind", kind))
}

// NewSource instantiates a fresh, unconnected source adapter.
func (r *Registry) NewSource(kind string) (source.Source, error) {
	f, ok := r.sources[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", models.ErrUnknownSource, kind, r.Sources())
	}
	return f(r.log), nil
}

// NewSink instantiates a fresh, unconnected destination adapter.
func (r *Registry) NewSink(kind string) (sink.Sink, error) {
	f, ok := r.sinks[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", models.ErrUnknownDestination, kind, r.Sinks())
	}
	return f(r.log), nil
}

// Sources returns the registered source kinds, sorted for stable
// health output.
func (r *Registry) Sources() []string {
	kinds := make([]string, 0, len(r.sources))
	for k := range r.sources {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) Sinks() []string {
	kinds := make([]string, 0, len(r.sinks))
	for k := range r.sinks {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
