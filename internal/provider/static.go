package provider

import (
	"context"
	"time"

	"github.com/circletel/coverage-engine/internal/coverage"
	"github.com/circletel/coverage-engine/internal/geometry"
)

// DefaultSearchRadiusM bounds the nearest-coverage search for static
// providers. Anything farther is reported as "no nearby coverage".
const DefaultSearchRadiusM = 25000.0

// StaticAdapter answers from the geometry index: synchronous, no network,
// no retries. Its only failure mode is a provider without loaded geometry,
// which is a configuration problem, not a per-query condition.
type StaticAdapter struct {
	index         *geometry.Index
	searchRadiusM float64
}

// NewStaticAdapter builds the adapter. A non-positive radius falls back to
// DefaultSearchRadiusM.
func NewStaticAdapter(index *geometry.Index, searchRadiusM float64) *StaticAdapter {
	if searchRadiusM <= 0 {
		searchRadiusM = DefaultSearchRadiusM
	}
	return &StaticAdapter{index: index, searchRadiusM: searchRadiusM}
}

// Query tests containment first and falls back to the nearest polygon within
// the search radius. A containment hit restricted by the provider's declared
// technology set keeps area uploads from widening a provider's capabilities.
func (s *StaticAdapter) Query(_ context.Context, rec Record, coord coverage.Coordinate) coverage.ProviderResult {
	start := time.Now()
	result := coverage.ProviderResult{ProviderID: rec.ID}

	set, err := s.index.Snapshot(rec.ID)
	if err != nil {
		result.Status = coverage.StatusError
		result.Err = err.Error()
		result.LatencyMS = time.Since(start).Milliseconds()
		return result
	}

	if match, ok := set.Containing(coord); ok {
		techs := match.Technologies
		if !rec.Technologies.Empty() {
			techs = techs.Intersect(rec.Technologies)
		}
		result.Status = coverage.StatusHit
		result.Technologies = techs.List()
		result.MatchedAreaID = match.AreaID
		result.Signal = match.Signal
		if result.Signal == "" {
			result.Signal = coverage.SignalGood
		}
		result.Confidence = 90
		result.LatencyMS = time.Since(start).Milliseconds()
		return result
	}

	result.Status = coverage.StatusMiss
	if prox, ok := set.Nearest(coord, s.searchRadiusM); ok {
		distance := prox.DistanceM
		result.NearestDistanceM = &distance
	}
	result.LatencyMS = time.Since(start).Milliseconds()
	return result
}
