// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

// Package cache provides the in-memory structures used to suppress duplicate
// work: the order dedup window and a small TTL cache.
package cache

import (
	"sync"
	"time"
)

// Dedup window defaults.
const (
	DefaultDedupWindow    = 15 * time.Second
	DefaultPruneThreshold = 1000
	DefaultPruneMaxAge    = 10 * time.Minute
)

// DedupWindow remembers when each order id was last processed and rejects
// a repeat inside the window. Safe for concurrent use.
type DedupWindow struct {
	mu       sync.Mutex
	lastSeen map[string]int64 // order id -> unix millis

	window         time.Duration
	pruneThreshold int
	pruneMaxAge    time.Duration
	now            func() time.Time

	deduped int64
}

// DedupOption configures a DedupWindow.
type DedupOption func(*DedupWindow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) DedupOption {
	return func(d *DedupWindow) { d.now = now }
}

// WithPruning overrides when and how aggressively the map is pruned.
func WithPruning(threshold int, maxAge time.Duration) DedupOption {
	return func(d *DedupWindow) {
		if threshold > 0 {
			d.pruneThreshold = threshold
		}
		if maxAge > 0 {
			d.pruneMaxAge = maxAge
		}
	}
}

// NewDedupWindow creates a window. A non-positive window uses 15 s.
func NewDedupWindow(window time.Duration, opts ...DedupOption) *DedupWindow {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	d := &DedupWindow{
		lastSeen:       make(map[string]int64),
		window:         window,
		pruneThreshold: DefaultPruneThreshold,
		pruneMaxAge:    DefaultPruneMaxAge,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Seen reports whether id was recorded less than one window ago. When it was
// not, the current time is recorded and false is returned; the check and the
// record happen under one lock.
func (d *DedupWindow) Seen(id string) bool {
	nowMs := d.now().UnixMilli()

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastSeen[id]; ok && nowMs-last < d.window.Milliseconds() {
		d.deduped++
		return true
	}

	d.lastSeen[id] = nowMs
	if len(d.lastSeen) > d.pruneThreshold {
		d.pruneLocked(nowMs)
	}
	return false
}

// Forget drops id so the next Seen call records it afresh.
func (d *DedupWindow) Forget(id string) {
	d.mu.Lock()
	delete(d.lastSeen, id)
	d.mu.Unlock()
}

// pruneLocked removes entries older than pruneMaxAge.
func (d *DedupWindow) pruneLocked(nowMs int64) {
	cutoff := nowMs - d.pruneMaxAge.Milliseconds()
	for id, last := range d.lastSeen {
		if last < cutoff {
			delete(d.lastSeen, id)
		}
	}
}

// Len returns the number of tracked ids.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lastSeen)
}

// Deduped returns how many Seen calls reported a duplicate.
func (d *DedupWindow) Deduped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deduped
}
