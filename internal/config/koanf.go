// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"printrelay.yaml",
	"printrelay.yml",
	"/etc/printrelay/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "PRINTRELAY_CONFIG"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PRINTRELAY_"

func defaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			OrdersPath:      "/api/merchant/orders",
			MarkPrintedPath: "/api/orders/{order_id}/printed",
			CategoriesPath:  "/api/categories",
			Timeout:         5 * time.Second,
			CategoryTTL:     10 * time.Minute,
			CircuitBreaker: CircuitBreakerConfig{
				MaxRequests:         3,
				Interval:            time.Minute,
				Timeout:             30 * time.Second,
				ConsecutiveFailures: 5,
			},
		},
		Realtime: RealtimeConfig{
			Enabled:          false,
			HandshakeTimeout: 10 * time.Second,
			BackoffBase:      time.Second,
			BackoffMax:       60 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Poll: PollConfig{
			Enabled:  true,
			Interval: 5 * time.Second,
		},
		Dedup: DedupConfig{
			Window:         15 * time.Second,
			PruneThreshold: 1000,
			PruneMaxAge:    10 * time.Minute,
		},
		Queue: QueueConfig{
			RetryInterval: 0,
		},
		Store: StoreConfig{
			Path:       "/data/printrelay",
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		},
		Printing: PrintingConfig{
			Timezone:          "Local",
			DefaultPaperWidth: 58,
			TransportTimeout:  5 * time.Second,
			RatePerSecond:     2,
			RateBurst:         1,
		},
		Printers: []PrinterConfig{},
		Outbox: OutboxConfig{
			Backend:         "channel",
			Topic:           "printrelay.mark_printed",
			MaxRetries:      5,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			BufferSize:      256,
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            8787,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       60,
			RateWindow:      time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the config file at path (or
// the first default path found when path is empty) and PRINTRELAY_*
// environment variables, then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

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

// sliceConfigPaths are parsed from comma-separated env strings.
var sliceConfigPaths = []string{
	"global_categories.categories",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envSections lists top-level keys; multi-word ones come first so
// GLOBAL_CATEGORIES_* is not read as a "global" section.
var envSections = []string{
	"global_categories",
	"merchant", "remote", "realtime", "poll", "dedup",
	"queue", "store", "printing", "outbox", "server", "logging",
}

// envNested maps keys whose section has a nested struct.
var envNested = map[string]string{
	"remote_circuit_breaker_max_requests":         "remote.circuit_breaker.max_requests",
	"remote_circuit_breaker_interval":             "remote.circuit_breaker.interval",
	"remote_circuit_breaker_timeout":              "remote.circuit_breaker.timeout",
	"remote_circuit_breaker_consecutive_failures": "remote.circuit_breaker.consecutive_failures",
}

// envTransformFunc maps PRINTRELAY_REMOTE_BASE_URL to remote.base_url.
// Unknown keys map to "" and are ignored. Printers can only be configured
// from the file.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if mapped, ok := envNested[key]; ok {
		return mapped
	}
	for _, section := range envSections {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	return ""
}
