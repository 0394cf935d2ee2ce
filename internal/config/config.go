// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

// Package config loads Printrelay configuration from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Merchant         MerchantConfig  `koanf:"merchant"`
	Remote           RemoteConfig    `koanf:"remote"`
	Realtime         RealtimeConfig  `koanf:"realtime"`
	Poll             PollConfig      `koanf:"poll"`
	Dedup            DedupConfig     `koanf:"dedup"`
	Queue            QueueConfig     `koanf:"queue"`
	Store            StoreConfig     `koanf:"store"`
	Printing         PrintingConfig  `koanf:"printing"`
	Printers         []PrinterConfig `koanf:"printers"`
	GlobalCategories GlobalCategory  `koanf:"global_categories"`
	Outbox           OutboxConfig    `koanf:"outbox"`
	Server           ServerConfig    `koanf:"server"`
	Logging          LoggingConfig   `koanf:"logging"`
}

// MerchantConfig identifies the merchant whose orders are printed.
// The token is opaque; TokenFile, when set, is re-read on every use so a
// credential written after startup is picked up.
type MerchantConfig struct {
	ID        string `koanf:"id"`
	Token     string `koanf:"token"`
	TokenFile string `koanf:"token_file"`
}

// RemoteConfig configures the remote order backend.
type RemoteConfig struct {
	BaseURL         string        `koanf:"base_url"`
	OrdersPath      string        `koanf:"orders_path"`
	MarkPrintedPath string        `koanf:"mark_printed_path"`
	CategoriesPath  string        `koanf:"categories_path"`
	Timeout         time.Duration `koanf:"timeout"`
	CategoryTTL     time.Duration `koanf:"category_ttl"`

	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker"`
}

// CircuitBreakerConfig maps onto gobreaker settings.
type CircuitBreakerConfig struct {
	MaxRequests         uint32        `koanf:"max_requests"`
	Interval            time.Duration `koanf:"interval"`
	Timeout             time.Duration `koanf:"timeout"`
	ConsecutiveFailures uint32        `koanf:"consecutive_failures"`
}

// RealtimeConfig configures the push event listener.
type RealtimeConfig struct {
	Enabled          bool          `koanf:"enabled"`
	URL              string        `koanf:"url"`
	SubscribeChannel string        `koanf:"subscribe_channel"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	BackoffBase      time.Duration `koanf:"backoff_base"`
	BackoffMax       time.Duration `koanf:"backoff_max"`
	PingInterval     time.Duration `koanf:"ping_interval"`
}

// PollConfig configures the ingestion loop.
type PollConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// DedupConfig configures the realtime dedup window.
type DedupConfig struct {
	Window         time.Duration `koanf:"window"`
	PruneThreshold int           `koanf:"prune_threshold"`
	PruneMaxAge    time.Duration `koanf:"prune_max_age"`
}

// QueueConfig configures the durable print queue. The queue drains at
// startup and whenever a job is enqueued. A positive RetryInterval also
// retries failed jobs on that period; zero leaves them pending until the
// next enqueue or restart.
type QueueConfig struct {
	RetryInterval time.Duration `koanf:"retry_interval"`
}

// StoreConfig configures the BadgerDB order store.
type StoreConfig struct {
	Path       string        `koanf:"path"`
	InMemory   bool          `koanf:"in_memory"`
	SyncWrites bool          `koanf:"sync_writes"`
	GCInterval time.Duration `koanf:"gc_interval"`
}

// PrintingConfig holds settings shared by every printer.
type PrintingConfig struct {
	Timezone          string        `koanf:"timezone"`
	DefaultPaperWidth int           `koanf:"default_paper_width_mm"`
	TransportTimeout  time.Duration `koanf:"transport_timeout"`
	RatePerSecond     float64       `koanf:"rate_per_second"`
	RateBurst         int           `koanf:"rate_burst"`
}

// PrinterConfig is one printer entry. A Categories list containing 0 selects
// all categories.
type PrinterConfig struct {
	ID                    string `koanf:"id"`
	Name                  string `koanf:"name"`
	Host                  string `koanf:"host"`
	Port                  int    `koanf:"port"`
	Role                  string `koanf:"role"`
	Categories            []int  `koanf:"categories"`
	UncategorizedSelected bool   `koanf:"uncategorized"`
	PaperWidthMM          int    `koanf:"paper_width_mm"`
}

// GlobalCategory is the merchant-wide fallback selection used by printers
// that select nothing themselves. Leaving both fields unset means no global
// selection exists.
type GlobalCategory struct {
	Categories            []int `koanf:"categories"`
	UncategorizedSelected bool  `koanf:"uncategorized"`
}

// OutboxConfig configures delivery of remote "mark printed" notifications.
type OutboxConfig struct {
	// Backend is "channel" (in-process) or "nats".
	Backend         string        `koanf:"backend"`
	NATSURL         string        `koanf:"nats_url"`
	Topic           string        `koanf:"topic"`
	MaxRetries      int           `koanf:"max_retries"`
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
	BufferSize      int64         `koanf:"buffer_size"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimit       int           `koanf:"rate_limit"`
	RateWindow      time.Duration `koanf:"rate_window"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}
