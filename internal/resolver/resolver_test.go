package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/circletel/coverage-engine/internal/cache"
	"github.com/circletel/coverage-engine/internal/coverage"
	"github.com/circletel/coverage-engine/internal/provider"
)

type stubAdapter struct {
	mu      sync.Mutex
	calls   []string
	answers map[string]coverage.ProviderResult
	delay   map[string]time.Duration
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{
		answers: make(map[string]coverage.ProviderResult),
		delay:   make(map[string]time.Duration),
	}
}

func (s *stubAdapter) answer(id string, result coverage.ProviderResult) {
	result.ProviderID = id
	s.answers[id] = result
}

func (s *stubAdapter) Query(ctx context.Context, rec provider.Record, _ coverage.Coordinate) coverage.ProviderResult {
	s.mu.Lock()
	s.calls = append(s.calls, rec.ID)
	s.mu.Unlock()
	if d := s.delay[rec.ID]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return coverage.ProviderResult{ProviderID: rec.ID, Status: coverage.StatusTimeout, Err: ctx.Err().Error()}
		}
	}
	return s.answers[rec.ID]
}

func (s *stubAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func apiRecord(id string, priority int, techs ...coverage.Technology) provider.Record {
	return provider.Record{
		ID:           id,
		Priority:     priority,
		Enabled:      true,
		Source:       provider.SourceAPI,
		Technologies: coverage.NewTechSet(techs...),
		API:          &provider.APIConfig{BaseURL: "http://" + id + ".test", Timeout: time.Second},
	}
}

func staticRecord(id string, priority int, techs ...coverage.Technology) provider.Record {
	return provider.Record{
		ID:           id,
		Priority:     priority,
		Enabled:      true,
		Source:       provider.SourceStatic,
		Technologies: coverage.NewTechSet(techs...),
		Static:       &provider.StaticConfig{GeometryRefs: []string{id + ".json"}},
	}
}

func newTestEngine(t *testing.T, stub *stubAdapter, opts Options, records ...provider.Record) *Engine {
	t.Helper()
	snap, err := provider.BuildSnapshot(records)
	require.NoError(t, err)
	adapters := map[provider.SourceType]provider.Adapter{
		provider.SourceAPI:    stub,
		provider.SourceStatic: stub,
	}
	return New(provider.NewRegistry(snap), adapters, cache.NewMemory(time.Minute, 100), zerolog.Nop(), nil, opts)
}

func johannesburg() coverage.Query {
	return coverage.Query{Coordinate: coverage.Coordinate{Lat: -26.2041, Lon: 28.0473}}
}

func TestResolveInvalidQuery(t *testing.T) {
	engine := newTestEngine(t, newStubAdapter(), Options{}, apiRecord("mtn", 1, coverage.TechLTE))
	_, err := engine.Resolve(context.Background(), coverage.Query{Coordinate: coverage.Coordinate{Lat: 95}})
	require.ErrorIs(t, err, coverage.ErrInvalidQuery)
}

func TestResolvePriorityCorrectness(t *testing.T) {
	stub := newStubAdapter()
	stub.answer("dfa", coverage.ProviderResult{Status: coverage.StatusHit, Technologies: []coverage.Technology{coverage.TechFibre}, Confidence: 95})
	stub.answer("mtn", coverage.ProviderResult{Status: coverage.StatusHit, Technologies: []coverage.Technology{coverage.TechFibre}, Confidence: 70})

	engine := newTestEngine(t, stub, Options{DisableShortCircuit: true},
		apiRecord("mtn", 1, coverage.TechFibre),
		staticRecord("dfa", 2, coverage.TechFibre),
	)

	result, err := engine.Resolve(context.Background(), johannesburg())
	require.NoError(t, err)
	require.True(t, result.HasCoverage)
	require.Equal(t, "mtn", result.PrimaryProviderID, "lower priority value wins")
	require.Equal(t, 95, result.Confidence)
	require.NotEmpty(t, result.ResolutionID)
}

func TestResolveShortCircuitScenario(t *testing.T) {
	stub := newStubAdapter()
	stub.answer("a", coverage.ProviderResult{Status: coverage.StatusHit, Technologies: []coverage.Technology{coverage.TechFibre}})
	stub.answer("b", coverage.ProviderResult{Status: coverage.StatusHit, Technologies: []coverage.Technology{coverage.TechFiveG}})

	query := johannesburg()
	query.Technologies = coverage.NewTechSet(coverage.TechFibre)

	engine := newTestEngine(t, stub, Options{MaxConcurrent: 1},
		apiRecord("a", 1, coverage.TechFibre),
		staticRecord("b", 2, coverage.TechLTE, coverage.TechFiveG, coverage.TechFibre),
	)

	result, err := engine.Resolve(context.Background(), query)
	require.NoError(t, err)
	require.True(t, result.HasCoverage)
	require.Equal(t, []coverage.Technology{coverage.TechFibre}, result.Technologies)
	require.Equal(t, "a", result.PrimaryProviderID)
	require.Equal(t, 1, stub.callCount(), "satisfied query must not dispatch lower priorities")

	require.Len(t, result.Providers, 2)
	require.Equal(t, coverage.StatusCancelled, result.Providers[1].Status)
}

func TestResolveShortCircuitSafety(t *testing.T) {
	query := johannesburg()
	query.Technologies = coverage.NewTechSet(coverage.TechFibre, coverage.TechLTE)

	run := func(disable bool) coverage.Result {
		stub := newStubAdapter()
		stub.answer("a", coverage.ProviderResult{Status: coverage.StatusHit, Technologies: []coverage.Technology{coverage.TechFibre, coverage.TechLTE}})
		stub.answer("b", coverage.ProviderResult{Status: coverage.StatusHit, Technologies: []coverage.Technology{coverage.TechLTE}})
		engine := newTestEngine(t, stub, Options{MaxConcurrent: 1, DisableShortCircuit: disable},
			apiRecord("a", 1, coverage.TechFibre, coverage.TechLTE),
			staticRecord("b", 2, coverage.TechLTE),
		)
		result, err := engine.Resolve(context.Background(), query)
		require.NoError(t, err)
		return result
	}

	fast := run(false)
	full := run(true)
	require.Equal(t, full.HasCoverage, fast.HasCoverage)
	require.Equal(t, full.Technologies, fast.Technologies)
	require.Equal(t, full.PrimaryProviderID, fast.PrimaryProviderID)
}

func TestResolveCacheIdempotence(t *testing.T) {
	stub := newStubAdapter()
	stub.answer("mtn", coverage.ProviderResult{Status: coverage.StatusHit, Technologies: []coverage.Technology{coverage.TechLTE}})
	engine := newTestEngine(t, stub, Options{}, apiRecord("mtn", 1, coverage.TechLTE))

	first, err := engine.Resolve(context.Background(), johannesburg())
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := engine.Resolve(context.Background(), johannesburg())
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	require.Equal(t, first.ResolutionID, second.ResolutionID)
	require.Equal(t, first.Technologies, second.Technologies)
	require.Equal(t, 1, stub.callCount(), "second call must not dispatch")
}

func TestResolveNoCoverageWithNearestAlternative(t *testing.T) {
	stub := newStubAdapter()
	stub.answer("mtn", coverage.ProviderResult{Status: coverage.StatusMiss})
	distance := 1200.0
	stub.answer("circletel", coverage.ProviderResult{Status: coverage.StatusMiss, NearestDistanceM: &distance})

	engine := newTestEngine(t, stub, Options{},
		apiRecord("mtn", 1, coverage.TechLTE),
		staticRecord("circletel", 2, coverage.TechFixedWireless),
	)

	result, err := engine.Resolve(context.Background(), johannesburg())
	require.NoError(t, err)
	require.False(t, result.HasCoverage)
	require.Empty(t, result.Technologies)
	require.NotNil(t, result.NearestAlternative)
	require.Equal(t, "circletel", result.NearestAlternative.ProviderID)
	require.Equal(t, 1200.0, result.NearestAlternative.DistanceM)
}

func TestResolveExhaustion(t *testing.T) {
	stub := newStubAdapter()
	stub.answer("mtn", coverage.ProviderResult{Status: coverage.StatusTimeout, Err: "deadline exceeded"})
	stub.answer("circletel", coverage.ProviderResult{Status: coverage.StatusError, Err: "geometry for provider circletel not loaded"})

	engine := newTestEngine(t, stub, Options{},
		apiRecord("mtn", 1, coverage.TechLTE),
		staticRecord("circletel", 2, coverage.TechFixedWireless),
	)

	_, err := engine.Resolve(context.Background(), johannesburg())
	require.ErrorIs(t, err, ErrResolutionExhausted)
}

func TestResolveNoCandidates(t *testing.T) {
	engine := newTestEngine(t, newStubAdapter(), Options{}, apiRecord("mtn", 1, coverage.TechThreeG))

	query := johannesburg()
	query.Technologies = coverage.NewTechSet(coverage.TechFibre)
	_, err := engine.Resolve(context.Background(), query)
	require.ErrorIs(t, err, ErrResolutionExhausted)
}

func TestResolveFailureNeverFailsWholeCall(t *testing.T) {
	stub := newStubAdapter()
	stub.answer("mtn", coverage.ProviderResult{Status: coverage.StatusError, Err: "500"})
	stub.answer("dfa", coverage.ProviderResult{Status: coverage.StatusHit, Technologies: []coverage.Technology{coverage.TechFibre}})

	engine := newTestEngine(t, stub, Options{},
		apiRecord("mtn", 1, coverage.TechFibre),
		staticRecord("dfa", 2, coverage.TechFibre),
	)

	result, err := engine.Resolve(context.Background(), johannesburg())
	require.NoError(t, err)
	require.True(t, result.HasCoverage)
	require.Equal(t, "dfa", result.PrimaryProviderID)
	require.Len(t, result.Providers, 2)
	require.Equal(t, coverage.StatusError, result.Providers[0].Status)
}

func TestResolveDeadlineCancelsPending(t *testing.T) {
	stub := newStubAdapter()
	stub.delay["slow"] = 5 * time.Second
	stub.answer("slow", coverage.ProviderResult{Status: coverage.StatusHit, Technologies: []coverage.Technology{coverage.TechLTE}})
	stub.answer("fast", coverage.ProviderResult{Status: coverage.StatusMiss})

	engine := newTestEngine(t, stub, Options{MaxConcurrent: 2, QueryTimeout: 50 * time.Millisecond},
		apiRecord("slow", 1, coverage.TechLTE),
		staticRecord("fast", 2, coverage.TechLTE),
	)

	start := time.Now()
	result, err := engine.Resolve(context.Background(), johannesburg())
	require.NoError(t, err, "a miss plus a timeout is still a usable no-coverage answer")
	require.Less(t, time.Since(start), time.Second)
	require.False(t, result.HasCoverage)

	var slow coverage.ProviderResult
	for _, pr := range result.Providers {
		if pr.ProviderID == "slow" {
			slow = pr
		}
	}
	require.Equal(t, coverage.StatusTimeout, slow.Status)
}

type recordingStore struct {
	cache.Store
	mu      sync.Mutex
	putErrs []error
}

func (r *recordingStore) Put(ctx context.Context, key cache.Key, result coverage.Result) {
	r.mu.Lock()
	r.putErrs = append(r.putErrs, ctx.Err())
	r.mu.Unlock()
	r.Store.Put(ctx, key, result)
}

func TestResolveCachesAfterDeadlineExpiry(t *testing.T) {
	stub := newStubAdapter()
	stub.delay["slow"] = 5 * time.Second
	stub.answer("slow", coverage.ProviderResult{Status: coverage.StatusHit, Technologies: []coverage.Technology{coverage.TechLTE}})
	stub.answer("fast", coverage.ProviderResult{Status: coverage.StatusMiss})

	snap, err := provider.BuildSnapshot([]provider.Record{
		apiRecord("slow", 1, coverage.TechLTE),
		staticRecord("fast", 2, coverage.TechLTE),
	})
	require.NoError(t, err)
	store := &recordingStore{Store: cache.NewMemory(time.Minute, 100)}
	engine := New(provider.NewRegistry(snap),
		map[provider.SourceType]provider.Adapter{provider.SourceAPI: stub, provider.SourceStatic: stub},
		store, zerolog.Nop(), nil, Options{MaxConcurrent: 2, QueryTimeout: 50 * time.Millisecond})

	result, err := engine.Resolve(context.Background(), johannesburg())
	require.NoError(t, err)
	require.False(t, result.HasCoverage)

	// The resolution outlived its own deadline; the write must still reach
	// the store on a live context or backends that honour cancellation
	// would silently drop it.
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.putErrs, 1)
	require.NoError(t, store.putErrs[0])
}

func TestResolveDisabledAdapterSource(t *testing.T) {
	stub := newStubAdapter()
	snap, err := provider.BuildSnapshot([]provider.Record{apiRecord("mtn", 1, coverage.TechLTE)})
	require.NoError(t, err)
	engine := New(provider.NewRegistry(snap),
		map[provider.SourceType]provider.Adapter{provider.SourceStatic: stub},
		cache.NewMemory(time.Minute, 100), zerolog.Nop(), nil, Options{})

	_, err = engine.Resolve(context.Background(), johannesburg())
	require.ErrorIs(t, err, ErrResolutionExhausted)
	require.True(t, errors.Is(err, ErrResolutionExhausted))
}
