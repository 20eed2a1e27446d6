package resolver

import (
	"github.com/circletel/coverage-engine/internal/coverage"
)

// merge folds per-provider results into the aggregated answer. Results are
// indexed by candidate order, which is already (priority, id) sorted, so the
// fold is independent of completion order: the primary provider is the first
// effective hit by candidate order, technologies are a set union, and the
// nearest alternative is a minimum.
//
// A hit whose technologies fall entirely outside the requested set does not
// count as coverage and cannot become primary.
func merge(query coverage.Query, results []coverage.ProviderResult) coverage.Result {
	union := coverage.TechSet{}
	aggregated := coverage.Result{
		Technologies: []coverage.Technology{},
		Providers:    results,
	}

	for _, result := range results {
		if result.Status != coverage.StatusHit {
			continue
		}
		techs := result.TechSet()
		if !query.Technologies.Empty() {
			techs = techs.Intersect(query.Technologies)
		}
		if techs.Empty() {
			continue
		}
		union = union.Union(techs)
		if aggregated.PrimaryProviderID == "" {
			aggregated.PrimaryProviderID = result.ProviderID
		}
		if result.Confidence > aggregated.Confidence {
			aggregated.Confidence = result.Confidence
		}
	}

	if !union.Empty() {
		aggregated.HasCoverage = true
		aggregated.Technologies = union.List()
		return aggregated
	}

	for _, result := range results {
		if result.Status != coverage.StatusMiss || result.NearestDistanceM == nil {
			continue
		}
		if aggregated.NearestAlternative == nil || *result.NearestDistanceM < aggregated.NearestAlternative.DistanceM {
			aggregated.NearestAlternative = &coverage.NearestAlternative{
				ProviderID: result.ProviderID,
				DistanceM:  *result.NearestDistanceM,
			}
		}
	}
	return aggregated
}

// usable reports whether the result set contains any answer at all. A miss is
// an answer ("no coverage here"); errors, timeouts and rate limits are not.
func usable(results []coverage.ProviderResult) bool {
	for _, result := range results {
		switch result.Status {
		case coverage.StatusHit, coverage.StatusMiss:
			return true
		}
	}
	return false
}
