// Package binding resolves the rules and metrics enabled for a task.
//
// Lookups go through two TTL caches keyed by task id. Binding mutations
// invalidate the affected entry locally and publish the task id on the
// mamori_bindings channel, so every instance drops its copy too.
package binding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/mamori/internal/model"
)

// Store reads enabled bindings. *storage.DB implements it.
type Store interface {
	EnabledRulesForTask(ctx context.Context, taskID uuid.UUID) ([]model.Rule, error)
	EnabledMetricsForTask(ctx context.Context, taskID uuid.UUID) ([]model.Metric, error)
}

// Resolver serves enabled bindings, caching them when a TTL is set.
type Resolver struct {
	store   Store
	logger  *slog.Logger
	rules   *Cache[[]model.Rule]
	metrics *Cache[[]model.Metric]
	group   singleflight.Group
}

// NewResolver creates a resolver. A non-positive ttl disables caching, so
// every lookup reads the store.
func NewResolver(store Store, ttl time.Duration, logger *slog.Logger) *Resolver {
	r := &Resolver{store: store, logger: logger}
	if ttl > 0 {
		r.rules = NewCache[[]model.Rule](ttl)
		r.metrics = NewCache[[]model.Metric](ttl)
	}
	return r
}

// Cached reports whether the resolver caches bindings.
func (r *Resolver) Cached() bool { return r.rules != nil }

// Rules returns the rules enabled for a task: default rules and enabled task
// rules, none archived.
func (r *Resolver) Rules(ctx context.Context, taskID uuid.UUID) ([]model.Rule, error) {
	return lookup(ctx, r, r.rules, "rules:", taskID, r.store.EnabledRulesForTask)
}

// Metrics returns the metrics enabled for a task.
func (r *Resolver) Metrics(ctx context.Context, taskID uuid.UUID) ([]model.Metric, error) {
	return lookup(ctx, r, r.metrics, "metrics:", taskID, r.store.EnabledMetricsForTask)
}

func lookup[V any](ctx context.Context, r *Resolver, cache *Cache[V], prefix string, taskID uuid.UUID,
	load func(context.Context, uuid.UUID) (V, error)) (V, error) {
	if cache == nil {
		return load(ctx, taskID)
	}
	if v, ok := cache.Get(taskID); ok {
		return v, nil
	}
	v, err, _ := r.group.Do(prefix+taskID.String(), func() (any, error) {
		loaded, err := load(ctx, taskID)
		if err != nil {
			return nil, err
		}
		cache.Set(taskID, loaded)
		return loaded, nil
	})
	if err != nil {
		var zero V
		return zero, fmt.Errorf("binding: resolve %s%s: %w", prefix, taskID, err)
	}
	return v.(V), nil
}

// Invalidate drops the cached bindings of one task.
func (r *Resolver) Invalidate(taskID uuid.UUID) {
	if !r.Cached() {
		return
	}
	r.rules.Invalidate(taskID)
	r.metrics.Invalidate(taskID)
}

// InvalidateAll drops every cached binding.
func (r *Resolver) InvalidateAll() {
	if !r.Cached() {
		return
	}
	r.rules.InvalidateAll()
	r.metrics.InvalidateAll()
}

// Close stops the caches' eviction goroutines.
func (r *Resolver) Close() {
	if !r.Cached() {
		return
	}
	r.rules.Close()
	r.metrics.Close()
}
