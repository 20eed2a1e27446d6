package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `providers:
  file: providers.yaml
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Fatalf("expected default listen address, got %q", cfg.Server.Listen)
	}
	if cfg.Providers.Source != "file" {
		t.Fatalf("expected file source default, got %q", cfg.Providers.Source)
	}
	if cfg.Cache.TTL.Duration != 5*time.Minute {
		t.Fatalf("expected 5m cache TTL default, got %s", cfg.Cache.TTL.Duration)
	}
	if cfg.Cache.MaxEntries != 10000 {
		t.Fatalf("expected entry cap default, got %d", cfg.Cache.MaxEntries)
	}
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `name: coverage
server:
  listen: ":9090"
  shutdown_timeout: 5s
logging:
  level: debug
  format: text
  loki:
    enabled: true
    url: http://loki:3100/loki/api/v1/push
    labels:
      app: coverage
telemetry:
  enabled: true
providers:
  source: file
  file: providers.yaml
  refresh_interval: 30s
resolver:
  max_concurrent: 8
  query_timeout: 3s
  disable_short_circuit: true
cache:
  backend: redis
  ttl: 2m
redis:
  address: localhost:6379
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Resolver.QueryTimeout.Duration != 3*time.Second {
		t.Fatalf("expected 3s query timeout, got %s", cfg.Resolver.QueryTimeout.Duration)
	}
	if !cfg.Resolver.DisableShortCircuit {
		t.Fatalf("expected short circuit disabled")
	}
	if !cfg.Logging.Loki.Enabled || cfg.Logging.Loki.Labels["app"] != "coverage" {
		t.Fatalf("loki settings not parsed: %+v", cfg.Logging.Loki)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `providers:
  file: providers.yaml
cahce:
  ttl: 1m
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestValidateSourceRequirements(t *testing.T) {
	path := writeConfig(t, `providers:
  source: postgres
`)
	_, err := Load(path)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}

	path = writeConfig(t, `providers:
  file: providers.yaml
cache:
  backend: redis
`)
	_, err = Load(path)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("redis backend without address must fail, got %v", err)
	}
}

func TestProviderFileResolvesRelative(t *testing.T) {
	path := writeConfig(t, `providers:
  file: providers.yaml
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "providers.yaml")
	if cfg.ProviderFile() != want {
		t.Fatalf("expected %s, got %s", want, cfg.ProviderFile())
	}
}
