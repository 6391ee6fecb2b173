package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pml-systems/pml-gateway/internal/telemetry"
)

// Registry is the capability registry's public surface: durable storage,
// a read-through cache, federated search, and a background resync/decay
// loop. It is the component the DAG executor talks to when it wants to
// emit a learned capability or look one up by intent.
type Registry struct {
	store  *Store
	cache  *Cache
	scorer Scorer
	tele   telemetry.Bundle

	cron    *cron.Cron
	decayFn func([]Capability) // extracted for tests
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithScorer installs a pluggable relevance scorer (e.g. an embedding
// similarity backend) in place of the default keyword scorer.
func WithScorer(s Scorer) Option {
	return func(r *Registry) { r.scorer = s }
}

// WithTelemetry installs the logging/metrics/tracing bundle.
func WithTelemetry(t telemetry.Bundle) Option {
	return func(r *Registry) { r.tele = t }
}

// NewRegistry opens the bbolt store at dbPath and wires a proactive-refresh
// cache in front of it.
func NewRegistry(dbPath string, cacheTTL time.Duration, opts ...Option) (*Registry, error) {
	store, err := OpenStore(dbPath)
	if err != nil {
		return nil, err
	}
	r := &Registry{store: store, tele: telemetry.NoopBundle()}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = NewCache(cacheTTL, func(_ context.Context, id string) (Capability, bool, error) {
		return r.store.GetByID(id)
	})
	return r, nil
}

// Close stops the resync loop (if running) and closes the store.
func (r *Registry) Close() error {
	r.StopResync()
	r.cache.StopRefresh()
	return r.store.Close()
}

// Save inserts or merges a capability by content address and returns the
// stored record with its assigned name (existing name preserved on merge;
// a fresh default name assigned on first insertion). Callers that have no
// more descriptive name should set c.Name via DefaultName themselves so the
// namespace reflects the capability's actual origin; DefaultNamespace is
// used here only as a last-resort fallback for a caller that left Name
// empty entirely.
func (r *Registry) Save(ctx context.Context, c Capability) (Capability, error) {
	if c.ID == "" {
		c.ID = HashCodeTemplate(c.CodeTemplate)
	}
	if c.Name == "" {
		c.Name = DefaultName(DefaultNamespace, c.ID)
	}
	stored, err := r.store.Put(c)
	if err != nil {
		r.tele.Logger.Warn(ctx, "capability save failed", "id", c.ID, "error", err)
		return Capability{}, err
	}
	r.cache.Put(stored)
	r.tele.Logger.Info(ctx, "capability saved", "id", stored.ID, "name", stored.Name, "usage_count", stored.UsageCount)
	return stored, nil
}

// Get resolves a capability by id, consulting the cache before the store.
func (r *Registry) Get(ctx context.Context, id string) (Capability, bool, error) {
	if c, ok := r.cache.Get(id); ok {
		return c, true, nil
	}
	c, found, err := r.store.GetByID(id)
	if err != nil || !found {
		return Capability{}, found, err
	}
	r.cache.Put(c)
	return c, true, nil
}

// GetByName resolves a capability through its display name.
func (r *Registry) GetByName(_ context.Context, name string) (Capability, bool, error) {
	return r.store.GetByName(name)
}

// RecordDependency observes one edge occurrence between two capabilities.
func (r *Registry) RecordDependency(from, to string, t EdgeType, confidence float64) (Dependency, error) {
	return r.store.RecordDependency(from, to, t, confidence)
}

// DefaultNamespace is the namespace assigned to a learned capability whose
// caller cannot derive a more specific one, e.g. a pure code_exec trace
// that never called a namespaced tool.
const DefaultNamespace = "learned"

// DefaultName derives the default "namespace:exec_<8 hex chars>" display
// name for a capability id; namespace is a required, non-empty component
// per the capability naming convention, not an optional decoration. Callers
// rename through Rename once a more descriptive action label is known.
func DefaultName(namespace, id string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	n := id
	if len(n) > 8 {
		n = n[:8]
	}
	return fmt.Sprintf("%s:exec_%s", namespace, n)
}

// Rename updates a capability's display name.
func (r *Registry) Rename(id, newName string) error {
	if err := r.store.Rename(id, newName); err != nil {
		return err
	}
	r.cache.Invalidate(id)
	return nil
}

// StartCache starts the cache's background proactive-refresh loop.
func (r *Registry) StartCache(ctx context.Context) { r.cache.StartRefresh(ctx) }
