// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

// Package config loads layered configuration with Koanf v2: built-in
// defaults, then an optional YAML file, then GATEWATCH_ environment
// variables. ENV > File > Defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/tomtom215/gatewatch/internal/database"
	"github.com/tomtom215/gatewatch/internal/detection"
	"github.com/tomtom215/gatewatch/internal/learning"
	"github.com/tomtom215/gatewatch/internal/logging"
	"github.com/tomtom215/gatewatch/internal/reputation"
	"github.com/tomtom215/gatewatch/internal/weights"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/gatewatch/config.yaml",
	"/etc/gatewatch/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces the environment variable layer.
const envPrefix = "GATEWATCH_"

// ServerConfig tunes the diagnostic HTTP server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// SweepConfig schedules the periodic maintenance passes.
type SweepConfig struct {
	// Interval is how often the reputation decay sweep and weight decay run.
	Interval time.Duration `koanf:"interval"`

	// WeightMaxAge is the reinforcement-free age after which weights decay.
	WeightMaxAge time.Duration `koanf:"weight_max_age"`

	// WeightDecayFactor multiplies stale weights and confidences per pass.
	WeightDecayFactor float64 `koanf:"weight_decay_factor" validate:"gt=0,lt=1"`
}

// EngineConfig extends the orchestrator tuning with cache and trigger
// settings. The orchestrator fields mirror detection.EngineConfig; see
// Orchestrator for the conversion.
type EngineConfig struct {
	MaxWaves                int           `koanf:"max_waves" validate:"min=1,max=20"`
	DetectorTimeout         time.Duration `koanf:"detector_timeout"`
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `koanf:"breaker_cooldown"`
	HighConfidenceFloor     float64       `koanf:"high_confidence_floor" validate:"min=0,max=1"`

	// VerdictCacheTTL bounds how long an identical request fingerprint may
	// reuse a verdict. 0 disables the cache.
	VerdictCacheTTL time.Duration `koanf:"verdict_cache_ttl"`

	// LearnedRiskTrigger is the running-risk threshold that wakes the
	// learned-weight detector.
	LearnedRiskTrigger float64 `koanf:"learned_risk_trigger" validate:"min=0,max=1"`
}

// Orchestrator converts the flat config section into the engine's own
// config type.
func (c EngineConfig) Orchestrator() detection.EngineConfig {
	return detection.EngineConfig{
		MaxWaves:                c.MaxWaves,
		DetectorTimeout:         c.DetectorTimeout,
		BreakerFailureThreshold: c.BreakerFailureThreshold,
		BreakerCooldown:         c.BreakerCooldown,
		HighConfidenceFloor:     c.HighConfidenceFloor,
	}
}

// Config is the full application configuration.
type Config struct {
	Logging    logging.Config    `koanf:"logging"`
	Server     ServerConfig      `koanf:"server"`
	Database   database.Config   `koanf:"database"`
	Engine     EngineConfig      `koanf:"engine"`
	Reputation reputation.Config `koanf:"reputation"`
	Weights    weights.Config    `koanf:"weights"`
	Learning   learning.Config   `koanf:"learning"`
	Sweep      SweepConfig       `koanf:"sweep"`
}

// defaultConfig returns the built-in defaults, applied before file and env
// layers.
func defaultConfig() *Config {
	eng := detection.DefaultEngineConfig()
	return &Config{
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8484,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Database: database.DefaultConfig(),
		Engine: EngineConfig{
			MaxWaves:                eng.MaxWaves,
			DetectorTimeout:         eng.DetectorTimeout,
			BreakerFailureThreshold: eng.BreakerFailureThreshold,
			BreakerCooldown:         eng.BreakerCooldown,
			HighConfidenceFloor:     eng.HighConfidenceFloor,
			VerdictCacheTTL:         30 * time.Second,
			LearnedRiskTrigger:      0.4,
		},
		Reputation: reputation.DefaultConfig(),
		Weights:    weights.DefaultConfig(),
		Learning:   learning.DefaultConfig(),
		Sweep: SweepConfig{
			Interval:          15 * time.Minute,
			WeightMaxAge:      7 * 24 * time.Hour,
			WeightDecayFactor: 0.95,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// GATEWATCH_ environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation: %w", err)
	}
	return cfg, nil
}

// Validate checks struct-tag constraints across the whole tree.
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

// envTransform maps environment variable names onto koanf paths. The first
// underscore separates the section; the remainder is the key, because key
// names themselves contain underscores:
//
//	GATEWATCH_SERVER_RATE_LIMIT_REQS -> server.rate_limit_reqs
//	GATEWATCH_REPUTATION_THRESHOLDS_PROMOTE_SUSPECT_SCORE -> reputation.thresholds.promote_suspect_score
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, found := strings.Cut(s, "_")
	if !found {
		return section
	}
	if rest, ok := strings.CutPrefix(key, "thresholds_"); ok {
		return section + ".thresholds." + rest
	}
	return section + "." + key
}

// findConfigFile returns the first config file that exists, honoring the
// CONFIG_PATH override.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
