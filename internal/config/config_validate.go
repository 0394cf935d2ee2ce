// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/tomtom215/printrelay/internal/logging"
	"github.com/tomtom215/printrelay/internal/models"
)

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateRemote,
		c.validateRealtime,
		c.validatePoll,
		c.validateQueue,
		c.validateStore,
		c.validatePrinting,
		c.validatePrinters,
		c.validateOutbox,
		c.validateServer,
		c.validateLogging,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateRemote() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required")
	}
	if err := validateURL(c.Remote.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("remote.base_url is invalid: %w", err)
	}
	if c.Remote.Timeout <= 0 || c.Remote.Timeout > time.Minute {
		return fmt.Errorf("remote.timeout must be between 0 and 1m, got %v", c.Remote.Timeout)
	}
	return nil
}

func (c *Config) validateRealtime() error {
	if !c.Realtime.Enabled {
		return nil
	}
	if c.Realtime.URL == "" {
		return errors.New("realtime.url is required when realtime.enabled=true")
	}
	if err := validateURL(c.Realtime.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("realtime.url is invalid: %w", err)
	}
	if c.Realtime.BackoffBase <= 0 || c.Realtime.BackoffMax < c.Realtime.BackoffBase {
		return fmt.Errorf("realtime backoff must satisfy 0 < base <= max, got %v/%v",
			c.Realtime.BackoffBase, c.Realtime.BackoffMax)
	}
	return nil
}

func (c *Config) validatePoll() error {
	if c.Poll.Enabled && c.Poll.Interval < time.Second {
		return fmt.Errorf("poll.interval must be at least 1s, got %v", c.Poll.Interval)
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.RetryInterval < 0 {
		return fmt.Errorf("queue.retry_interval must not be negative, got %v", c.Queue.RetryInterval)
	}
	if c.Queue.RetryInterval > 0 && c.Queue.RetryInterval < time.Second {
		return fmt.Errorf("queue.retry_interval must be 0 or at least 1s, got %v", c.Queue.RetryInterval)
	}
	return nil
}

func (c *Config) validateStore() error {
	if !c.Store.InMemory && c.Store.Path == "" {
		return errors.New("store.path is required unless store.in_memory=true")
	}
	return nil
}

func (c *Config) validatePrinting() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("printing.timezone is invalid: %w", err)
	}
	if c.Printing.TransportTimeout <= 0 {
		return errors.New("printing.transport_timeout must be positive")
	}
	if c.Printing.DefaultPaperWidth <= 0 {
		return errors.New("printing.default_paper_width_mm must be positive")
	}
	return nil
}

func (c *Config) validatePrinters() error {
	seen := make(map[string]bool, len(c.Printers))
	for i, p := range c.Printers {
		if p.ID == "" {
			return fmt.Errorf("printers[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("printers[%d].id %q is duplicated", i, p.ID)
		}
		seen[p.ID] = true
		if _, err := models.ParsePrinterRole(p.Role); err != nil {
			return fmt.Errorf("printers[%d]: %w", i, err)
		}
		if p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("printers[%d].port %d out of range", i, p.Port)
		}
		if p.Port > 0 && p.Host == "" {
			return fmt.Errorf("printers[%d].host is required for a network printer", i)
		}
	}
	return nil
}

func (c *Config) validateOutbox() error {
	switch c.Outbox.Backend {
	case "channel":
	case "nats":
		if c.Outbox.NATSURL == "" {
			return errors.New("outbox.nats_url is required when outbox.backend=nats")
		}
	default:
		return fmt.Errorf("outbox.backend must be channel or nats, got %q", c.Outbox.Backend)
	}
	if c.Outbox.Topic == "" {
		return errors.New("outbox.topic is required")
	}
	if c.Outbox.MaxRetries < 0 {
		return errors.New("outbox.max_retries must not be negative")
	}
	return nil
}

func (c *Config) validateServer() error {
	if !c.Server.Enabled {
		return nil
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme %q not allowed", u.Scheme)
}

// Location resolves printing.timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Printing.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Printing.Timezone)
	}
}
