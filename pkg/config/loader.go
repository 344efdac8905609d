package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "TENEMENT_"

// Load resolves configuration with increasing priority: built-in
// defaults, then the TOML file at path, then TENEMENT_* environment
// variables. An empty path skips the file layer; a named file that does
// not exist is a config error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	// TENEMENT_SERVER_LISTEN_ADDR=:8000 → server.listen_addr
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyServiceDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults() map[string]any {
	return map[string]any{
		"server.listen_addr":           ":8000",
		"server.data_dir":              "/var/lib/tenement",
		"server.socket_dir":            "/tmp/tenement",
		"server.health_check_interval": 10,
		"server.reap_interval":         5,
		"server.storage_interval":      60,
		"server.shutdown_grace":        15,

		"log.level":         "info",
		"log.json":          true,
		"log.ring_capacity": 4096,
		"log.retain_days":   7,
		"log.retain_count":  1_000_000,
	}
}

// applyServiceDefaults fills per-service zero values the same way for
// every service. Environment-level overrides have already been applied.
func applyServiceDefaults(cfg *Config) {
	for name, svc := range cfg.Services {
		if svc.Restart == "" {
			svc.Restart = "on-failure"
		}
		if svc.Isolation == "" {
			svc.Isolation = "none"
		}
		if svc.StartupTimeoutSec == 0 {
			svc.StartupTimeoutSec = 10
		}
		if svc.StopGraceSec == 0 {
			svc.StopGraceSec = 10
		}
		if svc.MaxRestarts == 0 {
			svc.MaxRestarts = 5
		}
		if svc.RestartWindowSec == 0 {
			svc.RestartWindowSec = 60
		}
		if svc.BackoffBaseMS == 0 {
			svc.BackoffBaseMS = 500
		}
		if svc.BackoffMaxSec == 0 {
			svc.BackoffMaxSec = 30
		}
		if svc.Weight == 0 {
			svc.Weight = 100
		}
		cfg.Services[name] = svc
	}
}
