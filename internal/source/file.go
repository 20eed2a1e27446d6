package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/circletel/coverage-engine/internal/config"
	"github.com/circletel/coverage-engine/internal/coverage"
	"github.com/circletel/coverage-engine/internal/geometry"
	"github.com/circletel/coverage-engine/internal/provider"
)

// FileSource reads provider records from a YAML file. Static providers
// reference GeoJSON files resolved relative to the provider file.
type FileSource struct {
	path string
}

// NewFileSource builds a source over the given provider file.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type providerFile struct {
	Providers []providerEntry `yaml:"providers"`
}

type providerEntry struct {
	ID           string       `yaml:"id"`
	Priority     int          `yaml:"priority"`
	Enabled      *bool        `yaml:"enabled,omitempty"`
	Source       string       `yaml:"source"`
	Technologies []string     `yaml:"technologies,omitempty"`
	Rule         string       `yaml:"rule,omitempty"`
	API          *apiEntry    `yaml:"api,omitempty"`
	Static       *staticEntry `yaml:"static,omitempty"`
}

type apiEntry struct {
	BaseURL      string          `yaml:"base_url"`
	Timeout      config.Duration `yaml:"timeout,omitempty"`
	RateLimitRPM int             `yaml:"rate_limit_rpm,omitempty"`
	MaxRetries   int             `yaml:"max_retries,omitempty"`
	RetryDelay   config.Duration `yaml:"retry_delay,omitempty"`
	Spacing      config.Duration `yaml:"spacing,omitempty"`
}

type staticEntry struct {
	Geometry []string `yaml:"geometry"`
}

// Load parses the provider file and every referenced geometry file.
func (f *FileSource) Load(_ context.Context) (*Snapshot, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read provider file: %w", err)
	}

	var doc providerFile
	decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse provider file: %w", err)
	}

	digest := sha256.New()
	digest.Write(raw)

	snap := &Snapshot{Geometry: make(map[string][]geometry.Polygon)}
	for _, entry := range doc.Providers {
		rec, err := entry.record()
		if err != nil {
			return nil, err
		}
		if entry.Static != nil {
			polygons, err := f.loadGeometry(entry.ID, entry.Static.Geometry, digest)
			if err != nil {
				return nil, err
			}
			snap.Geometry[entry.ID] = polygons
		}
		snap.Records = append(snap.Records, rec)
	}
	snap.Fingerprint = hex.EncodeToString(digest.Sum(nil))
	return snap, nil
}

func (e providerEntry) record() (provider.Record, error) {
	techs := coverage.TechSet{}
	for _, raw := range e.Technologies {
		tech, ok := coverage.ParseTechnology(raw)
		if !ok {
			return provider.Record{}, &provider.ConfigError{ProviderID: e.ID, Reason: fmt.Sprintf("unknown technology %q", raw)}
		}
		techs.Add(tech)
	}

	rec := provider.Record{
		ID:           e.ID,
		Priority:     e.Priority,
		Enabled:      e.Enabled == nil || *e.Enabled,
		Source:       provider.SourceType(e.Source),
		Technologies: techs,
		Rule:         e.Rule,
	}
	if e.API != nil {
		rec.API = &provider.APIConfig{
			BaseURL:      e.API.BaseURL,
			Timeout:      orDuration(e.API.Timeout.Duration, 10*time.Second),
			RateLimitRPM: orInt(e.API.RateLimitRPM, 60),
			MaxRetries:   orInt(e.API.MaxRetries, 2),
			RetryDelay:   orDuration(e.API.RetryDelay.Duration, 500*time.Millisecond),
			Spacing:      e.API.Spacing.Duration,
		}
	}
	if e.Static != nil {
		rec.Static = &provider.StaticConfig{GeometryRefs: e.Static.Geometry}
	}
	return rec, rec.Validate()
}

func (f *FileSource) loadGeometry(providerID string, refs []string, digest hash.Hash) ([]geometry.Polygon, error) {
	var polygons []geometry.Polygon
	for _, ref := range refs {
		path := ref
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(f.path), ref)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read geometry for provider %s: %w", providerID, err)
		}
		digest.Write(raw)
		parsed, err := parseGeoJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("parse geometry %s for provider %s: %w", ref, providerID, err)
		}
		polygons = append(polygons, parsed...)
	}
	return polygons, nil
}

// geoJSON covers the subset of RFC 7946 the coverage uploads use: a
// FeatureCollection of Polygon or MultiPolygon features. Positions are
// [lon, lat] per the RFC.
type geoJSON struct {
	Type     string `json:"type"`
	Features []struct {
		Properties struct {
			AreaID       string   `json:"areaId"`
			Technologies []string `json:"technologies"`
			Signal       string   `json:"signal"`
		} `json:"properties"`
		Geometry struct {
			Type        string          `json:"type"`
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

func parseGeoJSON(raw []byte) ([]geometry.Polygon, error) {
	var doc geoJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("expected FeatureCollection, got %q", doc.Type)
	}

	var polygons []geometry.Polygon
	for i, feature := range doc.Features {
		techs := coverage.TechSet{}
		for _, raw := range feature.Properties.Technologies {
			if tech, ok := coverage.ParseTechnology(raw); ok {
				techs.Add(tech)
			}
		}
		signal := coverage.Signal(strings.ToLower(feature.Properties.Signal))

		switch feature.Geometry.Type {
		case "Polygon":
			var rings [][][]float64
			if err := json.Unmarshal(feature.Geometry.Coordinates, &rings); err != nil {
				return nil, fmt.Errorf("feature %d: %w", i, err)
			}
			polygons = append(polygons, geometry.Polygon{
				AreaID:       feature.Properties.AreaID,
				Technologies: techs,
				Signal:       signal,
				Rings:        convertRings(rings),
			})
		case "MultiPolygon":
			var parts [][][][]float64
			if err := json.Unmarshal(feature.Geometry.Coordinates, &parts); err != nil {
				return nil, fmt.Errorf("feature %d: %w", i, err)
			}
			for _, rings := range parts {
				polygons = append(polygons, geometry.Polygon{
					AreaID:       feature.Properties.AreaID,
					Technologies: techs,
					Signal:       signal,
					Rings:        convertRings(rings),
				})
			}
		default:
			return nil, fmt.Errorf("feature %d: unsupported geometry type %q", i, feature.Geometry.Type)
		}
	}
	return polygons, nil
}

func convertRings(rings [][][]float64) [][]coverage.Coordinate {
	converted := make([][]coverage.Coordinate, len(rings))
	for i, ring := range rings {
		converted[i] = make([]coverage.Coordinate, 0, len(ring))
		for _, position := range ring {
			if len(position) < 2 {
				continue
			}
			converted[i] = append(converted[i], coverage.Coordinate{Lat: position[1], Lon: position[0]})
		}
	}
	return converted
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
