package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/circletel/coverage-engine/internal/coverage"
	"github.com/circletel/coverage-engine/internal/geometry"
	"github.com/circletel/coverage-engine/internal/provider"
)

// PostgresSource reads provider records and coverage areas from the platform
// database. Schema:
//
//	coverage_providers(id, priority, enabled, source, technologies text[],
//	    rule, base_url, timeout_ms, rate_limit_rpm, max_retries,
//	    retry_delay_ms, spacing_ms, updated_at)
//	coverage_areas(provider_id, area_id, technologies text[], signal,
//	    rings jsonb, updated_at)
//
// rings holds GeoJSON-style [[[lon, lat], ...], ...] ring arrays.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource wraps a connection pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// Connect opens a pool for the given DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open provider store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping provider store: %w", err)
	}
	return pool, nil
}

// Load reads one consistent snapshot of providers and geometry.
func (p *PostgresSource) Load(ctx context.Context) (*Snapshot, error) {
	digest := sha256.New()
	snap := &Snapshot{Geometry: make(map[string][]geometry.Polygon)}

	rows, err := p.pool.Query(ctx, `
		SELECT id, priority, enabled, source, technologies, rule,
		       base_url, timeout_ms, rate_limit_rpm, max_retries,
		       retry_delay_ms, spacing_ms, updated_at
		FROM coverage_providers
		ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec       provider.Record
			src       string
			techs     []string
			rule      *string
			baseURL   *string
			timeoutMS *int
			rpm       *int
			retries   *int
			delayMS   *int
			spacingMS *int
			updatedAt time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.Priority, &rec.Enabled, &src, &techs, &rule,
			&baseURL, &timeoutMS, &rpm, &retries, &delayMS, &spacingMS, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		rec.Source = provider.SourceType(src)
		if rule != nil {
			rec.Rule = *rule
		}
		set := coverage.TechSet{}
		for _, raw := range techs {
			tech, ok := coverage.ParseTechnology(raw)
			if !ok {
				return nil, &provider.ConfigError{ProviderID: rec.ID, Reason: fmt.Sprintf("unknown technology %q", raw)}
			}
			set.Add(tech)
		}
		rec.Technologies = set

		if rec.Source == provider.SourceAPI {
			cfg := &provider.APIConfig{
				Timeout:      10 * time.Second,
				RateLimitRPM: 60,
				MaxRetries:   2,
				RetryDelay:   500 * time.Millisecond,
			}
			if baseURL != nil {
				cfg.BaseURL = *baseURL
			}
			if timeoutMS != nil && *timeoutMS > 0 {
				cfg.Timeout = time.Duration(*timeoutMS) * time.Millisecond
			}
			if rpm != nil && *rpm > 0 {
				cfg.RateLimitRPM = *rpm
			}
			if retries != nil && *retries >= 0 {
				cfg.MaxRetries = *retries
			}
			if delayMS != nil && *delayMS > 0 {
				cfg.RetryDelay = time.Duration(*delayMS) * time.Millisecond
			}
			if spacingMS != nil && *spacingMS > 0 {
				cfg.Spacing = time.Duration(*spacingMS) * time.Millisecond
			}
			rec.API = cfg
		}

		fmt.Fprintf(digest, "%s|%d|%t|%s|%s\n", rec.ID, rec.Priority, rec.Enabled, src, updatedAt.UTC().Format(time.RFC3339Nano))
		snap.Records = append(snap.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate providers: %w", err)
	}

	if err := p.loadAreas(ctx, snap, digest); err != nil {
		return nil, err
	}

	// Static records list their area ids so Validate sees geometry refs.
	for i := range snap.Records {
		rec := &snap.Records[i]
		if rec.Source != provider.SourceStatic {
			continue
		}
		refs := make([]string, 0, len(snap.Geometry[rec.ID]))
		for _, polygon := range snap.Geometry[rec.ID] {
			refs = append(refs, polygon.AreaID)
		}
		rec.Static = &provider.StaticConfig{GeometryRefs: refs}
		if err := rec.Validate(); err != nil {
			return nil, err
		}
	}

	snap.Fingerprint = hex.EncodeToString(digest.Sum(nil))
	return snap, nil
}

func (p *PostgresSource) loadAreas(ctx context.Context, snap *Snapshot, digest hash.Hash) error {
	rows, err := p.pool.Query(ctx, `
		SELECT provider_id, area_id, technologies, signal, rings, updated_at
		FROM coverage_areas
		ORDER BY provider_id, area_id`)
	if err != nil {
		return fmt.Errorf("query coverage areas: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			providerID string
			areaID     string
			techs      []string
			signal     *string
			rawRings   []byte
			updatedAt  time.Time
		)
		if err := rows.Scan(&providerID, &areaID, &techs, &signal, &rawRings, &updatedAt); err != nil {
			return fmt.Errorf("scan coverage area: %w", err)
		}

		var rings [][][]float64
		if err := json.Unmarshal(rawRings, &rings); err != nil {
			return fmt.Errorf("area %s/%s: decode rings: %w", providerID, areaID, err)
		}

		set := coverage.TechSet{}
		for _, raw := range techs {
			if tech, ok := coverage.ParseTechnology(raw); ok {
				set.Add(tech)
			}
		}
		polygon := geometry.Polygon{
			AreaID:       areaID,
			Technologies: set,
			Rings:        convertRings(rings),
		}
		if signal != nil {
			polygon.Signal = coverage.Signal(*signal)
		}
		snap.Geometry[providerID] = append(snap.Geometry[providerID], polygon)
		fmt.Fprintf(digest, "%s|%s|%s\n", providerID, areaID, updatedAt.UTC().Format(time.RFC3339Nano))
	}
	return rows.Err()
}
