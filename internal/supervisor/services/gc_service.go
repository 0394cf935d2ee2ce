// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package services

import (
	"context"
	"time"

	"github.com/tomtom215/printrelay/internal/logging"
)

// GarbageCollector reclaims storage space.
type GarbageCollector interface {
	RunGC() error
}

// StoreGCService runs the store's value-log GC on a fixed interval.
type StoreGCService struct {
	store    GarbageCollector
	interval time.Duration
}

// NewStoreGCService creates the service. A non-positive interval means 10 min.
func NewStoreGCService(store GarbageCollector, interval time.Duration) *StoreGCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &StoreGCService{store: store, interval: interval}
}

// Serve implements suture.Service. GC errors are logged, never returned:
// a failed pass is retried on the next tick.
func (s *StoreGCService) Serve(ctx context.Context) error {
	log := logging.WithComponent("store-gc")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			if err := s.store.RunGC(); err != nil {
				log.Warn().Err(err).Msg("Store GC failed")
				continue
			}
			log.Debug().Dur("duration", time.Since(start)).Msg("Store GC finished")
		}
	}
}

func (s *StoreGCService) String() string {
	return "store-gc"
}
