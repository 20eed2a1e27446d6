package coverage

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Technology identifies a connectivity type offered at a location. It is used
// both as a provider capability tag and as a query filter.
type Technology string

const (
	TechFibre         Technology = "fibre"
	TechFixedWireless Technology = "fixed_wireless"
	TechFiveG         Technology = "five_g"
	TechLTE           Technology = "lte"
	TechThreeG        Technology = "three_g"
)

// ParseTechnology normalises an upstream technology label into the internal
// enum. Carrier APIs are inconsistent here ("5G", "FIBRE", "Fixed LTE", ...),
// so parsing is lenient; an unknown label yields false and the caller decides
// whether to drop or log it.
func ParseTechnology(raw string) (Technology, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	switch normalized {
	case "fibre", "fiber", "fttb", "ftth":
		return TechFibre, true
	case "fixed_wireless", "uncapped_wireless", "licensed_wireless", "tarana":
		return TechFixedWireless, true
	case "5g", "five_g", "fiveg":
		return TechFiveG, true
	case "lte", "4g", "fixed_lte":
		return TechLTE, true
	case "3g", "three_g", "3g_900", "3g_2100":
		return TechThreeG, true
	default:
		return "", false
	}
}

// TechSet is an unordered set of technologies. The zero value is the empty
// set, which queries interpret as "any technology".
type TechSet map[Technology]struct{}

// NewTechSet builds a set from the given technologies.
func NewTechSet(techs ...Technology) TechSet {
	set := make(TechSet, len(techs))
	for _, tech := range techs {
		set[tech] = struct{}{}
	}
	return set
}

// Add inserts a technology, allocating the underlying map on first use.
func (s *TechSet) Add(tech Technology) {
	if *s == nil {
		*s = make(TechSet)
	}
	(*s)[tech] = struct{}{}
}

// Has reports whether the technology is in the set.
func (s TechSet) Has(tech Technology) bool {
	_, ok := s[tech]
	return ok
}

// Empty reports whether the set holds no technologies.
func (s TechSet) Empty() bool { return len(s) == 0 }

// Intersects reports whether the two sets share at least one technology.
func (s TechSet) Intersects(other TechSet) bool {
	for tech := range other {
		if s.Has(tech) {
			return true
		}
	}
	return false
}

// Intersect returns the technologies present in both sets.
func (s TechSet) Intersect(other TechSet) TechSet {
	result := make(TechSet)
	for tech := range s {
		if other.Has(tech) {
			result[tech] = struct{}{}
		}
	}
	return result
}

// Union returns a new set containing the technologies of both sets.
func (s TechSet) Union(other TechSet) TechSet {
	result := make(TechSet, len(s)+len(other))
	for tech := range s {
		result[tech] = struct{}{}
	}
	for tech := range other {
		result[tech] = struct{}{}
	}
	return result
}

// Covers reports whether every technology in want is present in s. An empty
// want set is covered by any non-empty s.
func (s TechSet) Covers(want TechSet) bool {
	if want.Empty() {
		return !s.Empty()
	}
	for tech := range want {
		if !s.Has(tech) {
			return false
		}
	}
	return true
}

// List returns the technologies in lexical order.
func (s TechSet) List() []Technology {
	list := make([]Technology, 0, len(s))
	for tech := range s {
		list = append(list, tech)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// Fingerprint renders a canonical identifier for the set, used in cache keys.
func (s TechSet) Fingerprint() string {
	if s.Empty() {
		return "any"
	}
	list := s.List()
	parts := make([]string, len(list))
	for i, tech := range list {
		parts[i] = string(tech)
	}
	return strings.Join(parts, ",")
}

// Coordinate is a WGS84 position.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ErrInvalidQuery marks a query that can never be dispatched.
var ErrInvalidQuery = errors.New("invalid coverage query")

// Validate checks the coordinate against valid latitude/longitude bounds.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return fmt.Errorf("%w: coordinate is NaN", ErrInvalidQuery)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidQuery, c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidQuery, c.Lon)
	}
	return nil
}

// Query is an immutable coverage request. An empty technology set means "any";
// a zero Deadline means the caller imposes no explicit one beyond its context.
type Query struct {
	Coordinate   Coordinate
	Technologies TechSet
	Deadline     time.Time
}

// Status describes the outcome of a single provider dispatch.
type Status string

const (
	StatusHit         Status = "hit"
	StatusMiss        Status = "miss"
	StatusError       Status = "error"
	StatusRateLimited Status = "rate_limited"
	StatusTimeout     Status = "timeout"
	StatusCancelled   Status = "cancelled"
)

// Signal grades the strength a provider reports for a hit.
type Signal string

const (
	SignalExcellent Signal = "excellent"
	SignalGood      Signal = "good"
	SignalFair      Signal = "fair"
	SignalPoor      Signal = "poor"
	SignalNone      Signal = "none"
)

// ProviderResult is the per-provider outcome of one query.
type ProviderResult struct {
	ProviderID       string       `json:"providerId"`
	Status           Status       `json:"status"`
	Technologies     []Technology `json:"technologies,omitempty"`
	MatchedAreaID    string       `json:"matchedAreaId,omitempty"`
	NearestDistanceM *float64     `json:"nearestDistanceMeters,omitempty"`
	Signal           Signal       `json:"signal,omitempty"`
	Confidence       int          `json:"confidence,omitempty"`
	LatencyMS        int64        `json:"latencyMs"`
	Err              string       `json:"error,omitempty"`
}

// TechSet rebuilds the set view of the result's technologies.
func (r ProviderResult) TechSet() TechSet {
	return NewTechSet(r.Technologies...)
}

// NearestAlternative points at the closest known coverage when a query has
// none at the exact coordinate.
type NearestAlternative struct {
	ProviderID string  `json:"providerId"`
	DistanceM  float64 `json:"distanceMeters"`
}

// Result is the aggregated answer for one query.
type Result struct {
	ResolutionID       string              `json:"resolutionId"`
	HasCoverage        bool                `json:"hasCoverage"`
	Technologies       []Technology        `json:"availableTechnologies"`
	PrimaryProviderID  string              `json:"primaryProviderId,omitempty"`
	Confidence         int                 `json:"confidence"`
	Providers          []ProviderResult    `json:"contributingProviders"`
	NearestAlternative *NearestAlternative `json:"nearestAlternative,omitempty"`
	ResolvedAt         time.Time           `json:"resolvedAt"`
	CacheHit           bool                `json:"cacheHit"`
}
