package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/circletel/coverage-engine/internal/cache"
	"github.com/circletel/coverage-engine/internal/coverage"
	"github.com/circletel/coverage-engine/internal/provider"
	"github.com/circletel/coverage-engine/telemetry"
)

// ErrResolutionExhausted is returned when every candidate provider failed and
// none produced even a miss. Callers should present this as "could not
// determine coverage", distinct from a successful no-coverage answer.
var ErrResolutionExhausted = errors.New("coverage resolution exhausted")

const (
	defaultMaxConcurrent = 4
	defaultQueryTimeout  = 10 * time.Second
)

// Options tune the orchestration. The zero value enables short-circuiting
// with four concurrent dispatches and a ten second overall deadline.
type Options struct {
	// MaxConcurrent bounds how many provider lookups run at once.
	MaxConcurrent int
	// QueryTimeout caps a resolution when the query carries no deadline of
	// its own.
	QueryTimeout time.Duration
	// DisableShortCircuit keeps dispatching lower-priority providers even
	// after the requested technology set is satisfied.
	DisableShortCircuit bool
}

// Engine is the resolution orchestrator and the module's single public
// operation. It owns no provider state; registry snapshots, geometry and
// cache are shared collaborators that reload independently.
type Engine struct {
	registry *provider.Registry
	adapters map[provider.SourceType]provider.Adapter
	store    cache.Store
	logger   zerolog.Logger
	metrics  telemetry.Collector
	opts     Options

	newID func() string
	now   func() time.Time
}

// New wires the engine. A nil metrics collector falls back to the noop
// implementation.
func New(registry *provider.Registry, adapters map[provider.SourceType]provider.Adapter, store cache.Store, logger zerolog.Logger, metrics telemetry.Collector, opts Options) *Engine {
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	return &Engine{
		registry: registry,
		adapters: adapters,
		store:    store,
		logger:   logger.With().Str("component", "resolver").Logger(),
		metrics:  metrics,
		opts:     opts,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Resolve answers one coverage query. Individual provider failures are
// absorbed into the per-provider result list; only an invalid query, total
// provider exhaustion or an expired context fail the call itself.
func (e *Engine) Resolve(ctx context.Context, query coverage.Query) (coverage.Result, error) {
	start := e.now()

	if err := query.Coordinate.Validate(); err != nil {
		e.metrics.ObserveResolution("invalid", e.now().Sub(start).Seconds())
		return coverage.Result{}, err
	}

	key := cache.KeyFor(query.Coordinate, query.Technologies)
	if cached, ok := e.store.Get(ctx, key); ok {
		cached.CacheHit = true
		e.metrics.IncCache(true)
		e.metrics.ObserveResolution("cache_hit", e.now().Sub(start).Seconds())
		return cached, nil
	}
	e.metrics.IncCache(false)

	if query.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.QueryTimeout)
		defer cancel()
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, query.Deadline)
		defer cancel()
	}

	candidates := e.registry.Current().CandidatesFor(query, e.logger)
	if len(candidates) == 0 {
		e.metrics.ObserveResolution("exhausted", e.now().Sub(start).Seconds())
		return coverage.Result{}, fmt.Errorf("%w: no candidate providers", ErrResolutionExhausted)
	}

	results := e.dispatch(ctx, query, candidates)
	if !usable(results) {
		e.metrics.ObserveResolution("exhausted", e.now().Sub(start).Seconds())
		e.logResolution(query, coverage.Result{Providers: results}, "exhausted", start)
		return coverage.Result{}, fmt.Errorf("%w: %d candidate providers, none answered", ErrResolutionExhausted, len(candidates))
	}

	aggregated := merge(query, results)
	aggregated.ResolutionID = e.newID()
	aggregated.ResolvedAt = start.UTC()

	// The query context may already be past its deadline after a slow but
	// usable resolution; the cache write gets its own short budget so the
	// answer is still stored.
	putCtx, cancelPut := context.WithTimeout(context.Background(), 2*time.Second)
	e.store.Put(putCtx, key, aggregated)
	cancelPut()

	outcome := "miss"
	if aggregated.HasCoverage {
		outcome = "hit"
	}
	e.metrics.ObserveResolution(outcome, e.now().Sub(start).Seconds())
	e.logResolution(query, aggregated, outcome, start)
	return aggregated, nil
}

// dispatch runs the candidate lookups through a bounded pool. Candidates are
// initiated in priority order; once the running union of hit technologies
// covers the requested set, not-yet-started candidates are recorded as
// cancelled instead of being dispatched. In-flight lookups always run to
// completion so a higher-priority hit is never lost to the optimization.
func (e *Engine) dispatch(ctx context.Context, query coverage.Query, candidates []provider.Record) []coverage.ProviderResult {
	results := make([]coverage.ProviderResult, len(candidates))

	slots := e.opts.MaxConcurrent
	if slots > len(candidates) {
		slots = len(candidates)
	}

	type outcome struct {
		index  int
		result coverage.ProviderResult
	}
	done := make(chan outcome)

	union := coverage.TechSet{}
	next, inFlight := 0, 0
	stopped := false

	launch := func() {
		for !stopped && inFlight < slots && next < len(candidates) {
			idx := next
			next++
			inFlight++
			go func() {
				done <- outcome{index: idx, result: e.queryProvider(ctx, query, candidates[idx])}
			}()
		}
	}

	launch()
	for inFlight > 0 {
		out := <-done
		inFlight--
		results[out.index] = out.result

		if out.result.Status == coverage.StatusHit {
			union = union.Union(out.result.TechSet())
		}
		if !e.opts.DisableShortCircuit && union.Covers(query.Technologies) {
			stopped = true
		}
		if ctx.Err() != nil {
			stopped = true
		}
		launch()
	}

	for idx := next; idx < len(candidates); idx++ {
		results[idx] = coverage.ProviderResult{ProviderID: candidates[idx].ID, Status: coverage.StatusCancelled}
	}
	return results
}

func (e *Engine) queryProvider(ctx context.Context, query coverage.Query, rec provider.Record) coverage.ProviderResult {
	adapter, ok := e.adapters[rec.Source]
	if !ok {
		return coverage.ProviderResult{
			ProviderID: rec.ID,
			Status:     coverage.StatusError,
			Err:        fmt.Sprintf("no adapter for source %q", rec.Source),
		}
	}
	start := e.now()
	result := adapter.Query(ctx, rec, query.Coordinate)
	e.metrics.ObserveProvider(rec.ID, string(result.Status), e.now().Sub(start).Seconds())
	return result
}

// logResolution emits one structured record per resolution so operators can
// reconstruct why a particular answer was produced.
func (e *Engine) logResolution(query coverage.Query, result coverage.Result, outcome string, start time.Time) {
	statuses := zerolog.Dict()
	for _, pr := range result.Providers {
		statuses.Str(pr.ProviderID, string(pr.Status))
	}
	e.logger.Info().
		Str("resolution_id", result.ResolutionID).
		Float64("lat", query.Coordinate.Lat).
		Float64("lon", query.Coordinate.Lon).
		Str("technologies", query.Technologies.Fingerprint()).
		Str("outcome", outcome).
		Bool("has_coverage", result.HasCoverage).
		Str("primary_provider", result.PrimaryProviderID).
		Dict("providers", statuses).
		Dur("duration", e.now().Sub(start)).
		Msg("coverage resolved")
}
