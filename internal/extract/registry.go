package extract

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps source type names to their extractors.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]Extractor)}
}

// Register binds an extractor to a source type, replacing any previous one.
func (r *Registry) Register(sourceType string, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[sourceType] = e
}

// Extract dispatches to the extractor registered for sourceType.
func (r *Registry) Extract(ctx context.Context, sourceType string, in Input) (*Result, error) {
	r.mu.RLock()
	e, ok := r.extractors[sourceType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no extractor registered for source type %q", sourceType)
	}
	return e.Extract(ctx, in)
}

// Types returns the registered source types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.extractors))
	for t := range r.extractors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
