package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/circletel/coverage-engine/internal/api"
	"github.com/circletel/coverage-engine/internal/cache"
	"github.com/circletel/coverage-engine/internal/config"
	"github.com/circletel/coverage-engine/internal/geocode"
	"github.com/circletel/coverage-engine/internal/geometry"
	"github.com/circletel/coverage-engine/internal/logging"
	"github.com/circletel/coverage-engine/internal/provider"
	"github.com/circletel/coverage-engine/internal/ratelimit"
	"github.com/circletel/coverage-engine/internal/recommend"
	"github.com/circletel/coverage-engine/internal/reload"
	"github.com/circletel/coverage-engine/internal/resolver"
	"github.com/circletel/coverage-engine/internal/source"
	"github.com/circletel/coverage-engine/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check against the running service and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and provider store, then exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *healthcheck {
		if err := executeHealthCheck(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, cleanup, err := logging.Setup(cfg.Logging, serviceName(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	if err := run(ctx, cfg, logger); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
}

func serviceName(cfg *config.Config) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return "coverage-engine"
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry disabled")
		collector = telemetry.Noop()
	}

	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	var store cache.Store
	if cfg.Cache.Backend == "redis" {
		store = cache.NewRedis(redisClient, cfg.Cache.TTL.Duration, logger)
	} else {
		store = cache.NewMemory(cfg.Cache.TTL.Duration, cfg.Cache.MaxEntries)
	}

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewSharedWindow(redisClient, logger)
	} else {
		limiter = ratelimit.NewFixedWindow()
	}

	src, closeSource, err := newSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	emptySnap, err := provider.BuildSnapshot(nil)
	if err != nil {
		return err
	}
	registry := provider.NewRegistry(emptySnap)
	index := geometry.NewIndex()

	refresher := source.NewRefresher(src, registry, index, store, collector, logger, cfg.Providers.RefreshInterval.Duration)
	if err := refresher.Apply(ctx); err != nil {
		return fmt.Errorf("initial provider load: %w", err)
	}
	go func() {
		if err := refresher.Run(ctx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("provider refresh loop stopped")
		}
	}()
	if cfg.Providers.Source == "file" {
		go watchProviderFiles(ctx, cfg, refresher, logger)
	}

	adapters := map[provider.SourceType]provider.Adapter{
		provider.SourceAPI:    provider.NewAPIAdapter(limiter, logger),
		provider.SourceStatic: provider.NewStaticAdapter(index, cfg.Resolver.SearchRadiusMeters),
	}
	engine := resolver.New(registry, adapters, store, logger, collector, resolver.Options{
		MaxConcurrent:       cfg.Resolver.MaxConcurrent,
		QueryTimeout:        cfg.Resolver.QueryTimeout.Duration,
		DisableShortCircuit: cfg.Resolver.DisableShortCircuit,
	})

	var geocoder geocode.Geocoder
	if cfg.Geocoder.Enabled {
		geocoder = geocode.New(cfg.Geocoder.BaseURL, cfg.Geocoder.APIKey, cfg.Geocoder.Timeout.Duration)
	}
	var catalog *recommend.Catalog
	if cfg.Recommend.Enabled {
		catalog, err = recommend.LoadCatalog(cfg.CatalogFile())
		if err != nil {
			return fmt.Errorf("load product catalog: %w", err)
		}
		logger.Info().Int("products", catalog.Len()).Msg("product catalog loaded")
	}

	server := api.NewServer(engine, store, registry, index, geocoder, catalog, logger)
	return server.Run(ctx, cfg.Server.Listen,
		cfg.Server.ReadTimeout.Duration,
		cfg.Server.WriteTimeout.Duration,
		cfg.Server.ShutdownTimeout.Duration)
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

func newSource(ctx context.Context, cfg *config.Config) (source.Source, func(), error) {
	switch cfg.Providers.Source {
	case "postgres":
		pool, err := source.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		return source.NewPostgresSource(pool), pool.Close, nil
	default:
		return source.NewFileSource(cfg.ProviderFile()), func() {}, nil
	}
}

// watchProviderFiles polls the provider file and its geometry references so
// edits apply without waiting for the refresh interval.
func watchProviderFiles(ctx context.Context, cfg *config.Config, refresher *source.Refresher, logger zerolog.Logger) {
	watcher := reload.NewWatcher(providerFiles(cfg)...)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed := watcher.Check()
			if len(changed) == 0 {
				continue
			}
			logger.Info().Strs("files", changed).Msg("provider files changed")
			if err := refresher.Apply(ctx); err != nil {
				logger.Error().Err(err).Msg("provider reload failed, keeping previous snapshot")
			}
			watcher.Update(providerFiles(cfg)...)
		}
	}
}

func providerFiles(cfg *config.Config) []string {
	paths := []string{cfg.ProviderFile()}
	snap, err := source.NewFileSource(cfg.ProviderFile()).Load(context.Background())
	if err != nil {
		return paths
	}
	dir := filepath.Dir(cfg.ProviderFile())
	for _, rec := range snap.Records {
		if rec.Static == nil {
			continue
		}
		for _, ref := range rec.Static.GeometryRefs {
			if filepath.IsAbs(ref) {
				paths = append(paths, ref)
			} else {
				paths = append(paths, filepath.Join(dir, ref))
			}
		}
	}
	return paths
}

func executeHealthCheck(cfg *config.Config) error {
	addr := cfg.Server.Listen
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func executeConfigCheck(cfg *config.Config) int {
	if cfg.Providers.Source != "file" {
		fmt.Println("Configuration parsed successfully (provider store not checked).")
		return 0
	}
	snap, err := source.NewFileSource(cfg.ProviderFile()).Load(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "provider configuration invalid: %v\n", err)
		return 1
	}
	if _, err := provider.BuildSnapshot(snap.Records); err != nil {
		fmt.Fprintf(os.Stderr, "provider configuration invalid: %v\n", err)
		return 1
	}
	for providerID, polygons := range snap.Geometry {
		if _, err := geometry.BuildSet(providerID, polygons); err != nil {
			fmt.Fprintf(os.Stderr, "geometry invalid for provider %s: %v\n", providerID, err)
			return 1
		}
		fmt.Printf("Provider %s: %d polygons\n", providerID, len(polygons))
	}
	fmt.Printf("Configuration check completed successfully: %d providers.\n", len(snap.Records))
	return 0
}
