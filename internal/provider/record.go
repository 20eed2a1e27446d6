package provider

import (
	"fmt"
	"time"

	"github.com/circletel/coverage-engine/internal/coverage"
)

// SourceType discriminates how a provider answers coverage lookups.
type SourceType string

const (
	// SourceAPI providers are queried live over HTTP.
	SourceAPI SourceType = "api"
	// SourceStatic providers are matched against uploaded coverage polygons.
	SourceStatic SourceType = "static"
)

// APIConfig holds the settings for a live provider endpoint.
type APIConfig struct {
	BaseURL      string
	Timeout      time.Duration
	RateLimitRPM int
	MaxRetries   int
	RetryDelay   time.Duration
	// Spacing is the minimum gap between consecutive calls to this
	// endpoint, independent of the per-minute budget.
	Spacing time.Duration
}

// StaticConfig references the geometry sets backing a static provider.
type StaticConfig struct {
	GeometryRefs []string
}

// Record is one provider as configured in the provider store. The engine
// only ever reads records; lifecycle is owned by the store.
type Record struct {
	ID           string
	Priority     int
	Enabled      bool
	Source       SourceType
	Technologies coverage.TechSet
	// Rule is an optional eligibility expression evaluated against the
	// query (variables: lat, lon, technologies, any). An empty rule always
	// passes.
	Rule string

	API    *APIConfig
	Static *StaticConfig
}

// ConfigError is an operator-facing problem with a provider record. It is
// raised when a registry snapshot is built, never per query.
type ConfigError struct {
	ProviderID string
	Reason     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.ProviderID, e.Reason)
}

// Validate enforces the record invariants, in particular that exactly one of
// the api/static configurations is populated and matches the source type.
func (r Record) Validate() error {
	if r.ID == "" {
		return &ConfigError{ProviderID: "?", Reason: "id must not be empty"}
	}
	switch r.Source {
	case SourceAPI:
		if r.API == nil {
			return &ConfigError{ProviderID: r.ID, Reason: "api provider without api config"}
		}
		if r.Static != nil {
			return &ConfigError{ProviderID: r.ID, Reason: "api provider carries static config"}
		}
		if r.API.BaseURL == "" {
			return &ConfigError{ProviderID: r.ID, Reason: "api base url must not be empty"}
		}
	case SourceStatic:
		if r.Static == nil {
			return &ConfigError{ProviderID: r.ID, Reason: "static provider without geometry refs"}
		}
		if r.API != nil {
			return &ConfigError{ProviderID: r.ID, Reason: "static provider carries api config"}
		}
		if len(r.Static.GeometryRefs) == 0 {
			return &ConfigError{ProviderID: r.ID, Reason: "static provider lists no geometry sets"}
		}
	default:
		return &ConfigError{ProviderID: r.ID, Reason: fmt.Sprintf("unknown source type %q", r.Source)}
	}
	return nil
}
