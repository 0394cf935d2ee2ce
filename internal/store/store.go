// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

/*
Package store is the durable Order Store: order headers, order items and
the local print-job queue, all in one BadgerDB instance.

store.go - Lifecycle and Transaction Helpers

This file opens and closes the badger instance and holds the transaction
helpers every other file goes through. orders.go holds the order and item
operations; jobs.go holds the print queue.

Key Layout:

	order:<orderID>                 Order JSON
	item:<orderID>\x00<seq>         OrderItem JSON, seq preserves upstream order
	job:<jobID>                     PrintJob JSON
	jobq:<createdAtNanos>:<n>:<id>  FIFO index over jobs
	jobdone:<jobID>                 completion marker, expires after DoneRetention

Transactions:
  - Every mutation runs in a single badger transaction, so an item replace
    (delete all, insert new set) is never observable half-done
  - update retries a transaction that lost a write conflict, up to
    maxConflictRetries times; the retry re-reads, so read-then-write
    decisions such as SaveOrder's "existed" flag stay correct
  - Reads use badger's snapshot isolation and never block writers

Durability:
  - SyncWrites fsyncs every commit; main enables it by default so a queued
    print job survives power loss
  - InMemory keeps everything in RAM and is used by tests
  - RunGC rewrites the value log; services.StoreGCService calls it on a
    fixed interval

After Close every operation returns ErrStoreClosed.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/tomtom215/printrelay/internal/logging"
)

// Errors
var (
	ErrStoreClosed   = errors.New("order store is closed")
	ErrOrderNotFound = errors.New("order not found")
	ErrJobNotFound   = errors.New("print job not found")
	ErrEmptyOrderID  = errors.New("order id is required")
)

const (
	prefixOrder    = "order:"
	prefixItem     = "item:"
	prefixJob      = "job:"
	prefixJobIndex = "jobq:"
	prefixJobDone  = "jobdone:"

	// maxConflictRetries bounds retries of a transaction that lost a write
	// conflict to a concurrent writer of the same order.
	maxConflictRetries = 10
)

// Config holds Order Store settings.
type Config struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCRatio is the value-log discard ratio for RunGC.
	GCRatio float64

	// CloseTimeout bounds Close.
	CloseTimeout time.Duration

	// DoneRetention is how long a completed job still reports done. After
	// that its id is unknown. Zero means 24 hours.
	DoneRetention time.Duration
}

// Store is the BadgerDB-backed Order Store.
type Store struct {
	db     *badger.DB
	config Config
	log    zerolog.Logger
	now    func() time.Time

	jobSeq atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the store. Zero GCRatio, CloseTimeout and
// DoneRetention take their defaults (0.5, 30s, 24h).
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("store path is required")
	}
	if cfg.GCRatio <= 0 || cfg.GCRatio >= 1 {
		cfg.GCRatio = 0.5
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	if cfg.DoneRetention <= 0 {
		cfg.DoneRetention = 24 * time.Hour
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	s := &Store{
		db:     db,
		config: cfg,
		log:    logging.WithComponent("store"),
		now:    time.Now,
	}

	s.log.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Order store opened")
	return s, nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Ping reports whether the store accepts reads.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.view(func(txn *badger.Txn) error { return nil })
}

// update runs fn in a read-write transaction, retrying when a concurrent
// writer touched the same keys first. fn must reset any state it captures,
// since it may run more than once.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// RunGC reclaims value-log space until badger reports nothing to rewrite.
func (s *Store) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.config.InMemory {
		return nil
	}
	for {
		err := s.db.RunValueLogGC(s.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close shuts the store down, bounded by the configured timeout.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		s.log.Info().Msg("Order store closed")
		return nil
	case <-time.After(s.config.CloseTimeout):
		return fmt.Errorf("badgerdb close timeout after %v", s.config.CloseTimeout)
	}
}
