// Package registry maps source formats to adapter factories. Adapters
// register themselves from init().
package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/logger"
)

// AdapterInfo describes a registered adapter.
type AdapterInfo struct {
	Format      core.Format `json:"format"`
	Description string      `json:"description"`
	Extensions  []string    `json:"extensions,omitempty"`
	Options     []string    `json:"options,omitempty"`
}

// Registry manages adapter factories.
type Registry struct {
	factories map[core.Format]core.Factory
	info      map[core.Format]*AdapterInfo
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[core.Format]core.Factory),
		info:      make(map[core.Format]*AdapterInfo),
		logger:    logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register adds a factory for format.
func (r *Registry) Register(format core.Format, factory core.Factory, info *AdapterInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[format]; exists {
		return errors.Newf(errors.KindAlreadyExists, "source adapter %s already registered", format)
	}
	r.factories[format] = factory
	if info != nil {
		info.Format = format
		r.info[format] = info
	}
	r.logger.Debug("registered source adapter", zap.String("format", string(format)))
	return nil
}

// Open creates an iterator for desc with the adapter registered for format.
func (r *Registry) Open(ctx context.Context, format core.Format, desc core.Descriptor, env core.Env) (core.BatchIterator, error) {
	r.mu.RLock()
	factory, ok := r.factories[format]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.KindUnsupportedFormat, "no source adapter for format %q", format)
	}
	return factory(ctx, desc, env)
}

// Has reports whether an adapter is registered for format.
func (r *Registry) Has(format core.Format) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[format]
	return ok
}

// List returns registered adapters ordered by format.
func (r *Registry) List() []AdapterInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AdapterInfo, 0, len(r.factories))
	for format := range r.factories {
		if info, ok := r.info[format]; ok {
			out = append(out, *info)
		} else {
			out = append(out, AdapterInfo{Format: format})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Format < out[j].Format })
	return out
}

var globalRegistry = NewRegistry()

// Global returns the process-wide registry.
func Global() *Registry {
	return globalRegistry
}

// RegisterSource registers a factory in the global registry.
func RegisterSource(format core.Format, factory core.Factory, info *AdapterInfo) error {
	return globalRegistry.Register(format, factory, info)
}

// Open opens desc with the global registry.
func Open(ctx context.Context, format core.Format, desc core.Descriptor, env core.Env) (core.BatchIterator, error) {
	return globalRegistry.Open(ctx, format, desc, env)
}

// ListSources lists adapters in the global registry.
func ListSources() []AdapterInfo {
	return globalRegistry.List()
}
