// Package retrieval fans search queries out to registered sources and merges
// what comes back.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
)

// Request carries all parameters of one provider search.
type Request struct {
	Query      string
	Limit      int
	Categories []string
}

// Source is a single search provider (arXiv, Scholar, PubMed, GitHub).
type Source interface {
	Name() string
	Search(ctx context.Context, req Request) ([]domain.Candidate, error)
}

// Registry keeps a mapping from source names to their implementations.
type Registry struct {
	sources map[string]Source
}

// NewRegistry builds a registry holding the given sources.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: map[string]Source{}}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a source implementation.
func (r *Registry) Register(source Source) {
	if r.sources == nil {
		r.sources = map[string]Source{}
	}
	r.sources[source.Name()] = source
}

// Resolve returns a source by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Source, error) {
	if source, ok := r.sources[name]; ok {
		return source, nil
	}
	return nil, fmt.Errorf("source %s is not registered", name)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.sources[name]
	return ok
}

// Names lists registered sources alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
