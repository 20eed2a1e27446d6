package source

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/circletel/coverage-engine/internal/cache"
	"github.com/circletel/coverage-engine/internal/geometry"
	"github.com/circletel/coverage-engine/internal/provider"
	"github.com/circletel/coverage-engine/telemetry"
)

// Refresher keeps the registry, geometry index and cache in sync with the
// provider store. Apply swaps in a full snapshot or changes nothing; a failed
// reload keeps the previous snapshot serving.
type Refresher struct {
	source   Source
	registry *provider.Registry
	index    *geometry.Index
	store    cache.Store
	metrics  telemetry.Collector
	logger   zerolog.Logger
	interval time.Duration

	fingerprint string
	loaded      map[string]struct{}
}

// NewRefresher wires the refresh dependencies.
func NewRefresher(src Source, registry *provider.Registry, index *geometry.Index, store cache.Store, metrics telemetry.Collector, logger zerolog.Logger, interval time.Duration) *Refresher {
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		source:   src,
		registry: registry,
		index:    index,
		store:    store,
		metrics:  metrics,
		logger:   logger.With().Str("component", "refresher").Logger(),
		interval: interval,
		loaded:   make(map[string]struct{}),
	}
}

// Apply loads the store and, when content changed, publishes the new
// snapshot. The cache is flushed on every material change so stale answers
// never outlive a configuration change.
func (r *Refresher) Apply(ctx context.Context) error {
	snap, err := r.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load provider store: %w", err)
	}
	if snap.Fingerprint != "" && snap.Fingerprint == r.fingerprint {
		return nil
	}

	registrySnap, err := provider.BuildSnapshot(snap.Records)
	if err != nil {
		return fmt.Errorf("build registry snapshot: %w", err)
	}

	// Validate geometry fully before touching the live index.
	sets := make([]*geometry.Set, 0, len(snap.Geometry))
	for providerID, polygons := range snap.Geometry {
		set, err := geometry.BuildSet(providerID, polygons)
		if err != nil {
			return fmt.Errorf("build geometry for provider %s: %w", providerID, err)
		}
		sets = append(sets, set)
	}

	r.registry.Swap(registrySnap)
	current := make(map[string]struct{}, len(sets))
	for _, set := range sets {
		r.index.Load(set)
		current[set.ProviderID] = struct{}{}
		r.metrics.SetGeometryPolygons(set.ProviderID, set.Len())
	}
	for providerID := range r.loaded {
		if _, ok := current[providerID]; !ok {
			r.index.Drop(providerID)
			r.metrics.SetGeometryPolygons(providerID, 0)
		}
	}
	r.loaded = current

	r.store.Flush(ctx)
	r.fingerprint = snap.Fingerprint
	r.metrics.IncReload("providers")
	r.logger.Info().
		Int("providers", len(snap.Records)).
		Int("geometry_sets", len(sets)).
		Msg("provider snapshot published")
	return nil
}

// Run applies the snapshot on the configured interval until the context
// ends. Reload failures are logged and retried on the next tick.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Apply(ctx); err != nil {
				r.logger.Error().Err(err).Msg("provider refresh failed")
			}
		}
	}
}
