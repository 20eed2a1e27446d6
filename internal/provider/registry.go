package provider

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/circletel/coverage-engine/internal/coverage"
)

// Snapshot is an immutable, validated view of the configured providers,
// ordered by (priority, id). Snapshots are built once and swapped whole;
// queries never observe a partially updated provider list.
type Snapshot struct {
	records []Record
	rules   map[string]*vm.Program
	builtAt time.Time
}

// BuildSnapshot validates all records, compiles eligibility rules and fixes
// the candidate order. A single malformed record fails the whole build: a
// half-applied provider list is worse for operators than a rejected reload.
func BuildSnapshot(records []Record) (*Snapshot, error) {
	snap := &Snapshot{
		records: make([]Record, 0, len(records)),
		rules:   make(map[string]*vm.Program),
		builtAt: time.Now().UTC(),
	}
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[rec.ID]; dup {
			return nil, &ConfigError{ProviderID: rec.ID, Reason: "duplicate provider id"}
		}
		seen[rec.ID] = struct{}{}
		if rec.Rule != "" {
			program, err := expr.Compile(rec.Rule, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
			if err != nil {
				return nil, &ConfigError{ProviderID: rec.ID, Reason: fmt.Sprintf("invalid rule: %v", err)}
			}
			snap.rules[rec.ID] = program
		}
		snap.records = append(snap.records, rec)
	}
	sort.Slice(snap.records, func(i, j int) bool {
		a, b := snap.records[i], snap.records[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return snap, nil
}

// BuiltAt reports when the snapshot was assembled.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Len reports the number of configured providers, enabled or not.
func (s *Snapshot) Len() int { return len(s.records) }

// CandidatesFor filters the snapshot down to the ordered providers that can
// serve the query: enabled, technology overlap (or an "any" query) and a
// passing eligibility rule. Pure function, no I/O.
func (s *Snapshot) CandidatesFor(query coverage.Query, logger zerolog.Logger) []Record {
	candidates := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if !rec.Enabled {
			continue
		}
		if !query.Technologies.Empty() && !rec.Technologies.Intersects(query.Technologies) {
			continue
		}
		if program, ok := s.rules[rec.ID]; ok {
			pass, err := evalRule(program, query)
			if err != nil {
				// A rule that fails at runtime keeps the provider in play;
				// eligibility rules restrict, they must not silently disable.
				logger.Warn().Err(err).Str("provider", rec.ID).Msg("eligibility rule evaluation failed")
			} else if !pass {
				continue
			}
		}
		candidates = append(candidates, rec)
	}
	return candidates
}

func evalRule(program *vm.Program, query coverage.Query) (bool, error) {
	techs := query.Technologies.List()
	names := make([]string, len(techs))
	for i, tech := range techs {
		names[i] = string(tech)
	}
	env := map[string]interface{}{
		"lat":          query.Coordinate.Lat,
		"lon":          query.Coordinate.Lon,
		"technologies": names,
		"any":          query.Technologies.Empty(),
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	pass, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("rule returned %T, expected bool", out)
	}
	return pass, nil
}

// Registry publishes the active snapshot. Swap installs a new snapshot
// atomically; readers always see a complete one.
type Registry struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewRegistry starts with the given snapshot.
func NewRegistry(snap *Snapshot) *Registry {
	return &Registry{snap: snap}
}

// Current returns the active snapshot.
func (r *Registry) Current() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Swap publishes a new snapshot and returns the previous one.
func (r *Registry) Swap(snap *Snapshot) *Snapshot {
	r.mu.Lock()
	old := r.snap
	r.snap = snap
	r.mu.Unlock()
	return old
}
