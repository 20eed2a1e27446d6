package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that parsed but cannot run.
var ErrInvalid = errors.New("invalid configuration")

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional Loki log shipping.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures metric exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen          string   `yaml:"listen"`
	ReadTimeout     Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout    Duration `yaml:"write_timeout,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"`
}

// ProvidersConfig selects where provider records and geometry come from.
type ProvidersConfig struct {
	// Source is "file" or "postgres".
	Source          string   `yaml:"source"`
	File            string   `yaml:"file,omitempty"`
	RefreshInterval Duration `yaml:"refresh_interval,omitempty"`
}

// ResolverConfig tunes the resolution orchestration.
type ResolverConfig struct {
	MaxConcurrent       int      `yaml:"max_concurrent,omitempty"`
	QueryTimeout        Duration `yaml:"query_timeout,omitempty"`
	DisableShortCircuit bool     `yaml:"disable_short_circuit,omitempty"`
	SearchRadiusMeters  float64  `yaml:"search_radius_meters,omitempty"`
}

// CacheConfig tunes the resolution cache.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend    string   `yaml:"backend,omitempty"`
	TTL        Duration `yaml:"ttl,omitempty"`
	MaxEntries int      `yaml:"max_entries,omitempty"`
}

// RedisConfig connects the shared cache and rate-limit counters.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// PostgresConfig connects the provider store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// GeocoderConfig configures the optional address geocoding collaborator used
// by the HTTP layer.
type GeocoderConfig struct {
	Enabled bool     `yaml:"enabled"`
	BaseURL string   `yaml:"base_url,omitempty"`
	APIKey  string   `yaml:"api_key,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// RecommendConfig points at the product catalog used for recommendations.
type RecommendConfig struct {
	Enabled bool   `yaml:"enabled"`
	Catalog string `yaml:"catalog,omitempty"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Name      string          `yaml:"name,omitempty"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers ProvidersConfig `yaml:"providers"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Cache     CacheConfig     `yaml:"cache"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Geocoder  GeocoderConfig  `yaml:"geocoder"`
	Recommend RecommendConfig `yaml:"recommend"`

	// Path records where the configuration was loaded from so relative
	// provider file references resolve against it.
	Path string `yaml:"-"`
}

// Load reads, parses and validates the configuration file. Unknown keys are
// rejected so typos surface at startup instead of silently using defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	cfg := &Config{}
	decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	cfg.Path = path
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		c.Server.ShutdownTimeout.Duration = 10 * time.Second
	}
	if c.Providers.Source == "" {
		c.Providers.Source = "file"
	}
	if c.Providers.RefreshInterval.Duration <= 0 {
		c.Providers.RefreshInterval.Duration = time.Minute
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTL.Duration <= 0 {
		c.Cache.TTL.Duration = 5 * time.Minute
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 10000
	}
}

// Validate checks the cross-field constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	switch c.Providers.Source {
	case "file":
		if c.Providers.File == "" {
			return fmt.Errorf("%w: providers.file is required for the file source", ErrInvalid)
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("%w: postgres.dsn is required for the postgres source", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown providers.source %q", ErrInvalid, c.Providers.Source)
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("%w: redis.address is required for the redis cache backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown cache.backend %q", ErrInvalid, c.Cache.Backend)
	}

	if c.Geocoder.Enabled && c.Geocoder.BaseURL == "" {
		return fmt.Errorf("%w: geocoder.base_url is required when the geocoder is enabled", ErrInvalid)
	}
	if c.Recommend.Enabled && c.Recommend.Catalog == "" {
		return fmt.Errorf("%w: recommend.catalog is required when recommendations are enabled", ErrInvalid)
	}
	return nil
}

// ProviderFile resolves the provider file path relative to the configuration
// file location.
func (c *Config) ProviderFile() string {
	if c.Providers.File == "" || filepath.IsAbs(c.Providers.File) {
		return c.Providers.File
	}
	return filepath.Join(filepath.Dir(c.Path), c.Providers.File)
}

// CatalogFile resolves the product catalog path the same way.
func (c *Config) CatalogFile() string {
	if c.Recommend.Catalog == "" || filepath.IsAbs(c.Recommend.Catalog) {
		return c.Recommend.Catalog
	}
	return filepath.Join(filepath.Dir(c.Path), c.Recommend.Catalog)
}
