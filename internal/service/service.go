// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

// Package service is the entry point used by the HTTP API: it enqueues print
// jobs, prints stored orders on demand and aggregates runtime counters.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tomtom215/printrelay/internal/dispatch"
	"github.com/tomtom215/printrelay/internal/ingest"
	"github.com/tomtom215/printrelay/internal/logging"
	"github.com/tomtom215/printrelay/internal/models"
	"github.com/tomtom215/printrelay/internal/queue"
	"github.com/tomtom215/printrelay/internal/registry"
	"github.com/tomtom215/printrelay/internal/remote"
	"github.com/tomtom215/printrelay/internal/store"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrInvalidPayload = errors.New("invalid order payload")
	ErrNoPrinters     = errors.New("no printers configured")
	ErrEmptyOrderID   = errors.New("order id is required")
	ErrJobNotFound    = errors.New("print job not found")
)

// JobQueue is the durable print queue.
type JobQueue interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
	IsJobDone(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) queue.Stats
}

// Ingestor refreshes the store from the backend.
type Ingestor interface {
	Refresh(ctx context.Context, skipOrderID string) ingest.Result
	Stats() ingest.Stats
}

// RealtimeMetrics exposes realtime listener counters.
type RealtimeMetrics interface {
	Metrics() map[string]int64
}

// OrderLoader reads stored orders.
type OrderLoader interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error)
}

// FanOuter prints one order on several printers.
type FanOuter interface {
	FanOut(ctx context.Context, order *models.Order, items []models.OrderItem, printers []models.PrinterProfile, mode dispatch.Mode, path string) dispatch.Summary
}

// DeliveryStats reports remote "mark printed" delivery counters.
type DeliveryStats interface {
	Stats() (delivered, exhausted int64)
}

// Service wires the print operations together.
type Service struct {
	queue      JobQueue
	ingest     Ingestor
	realtime   RealtimeMetrics
	orders     OrderLoader
	printers   registry.Registry
	dispatcher FanOuter
	outbox     DeliveryStats
	log        zerolog.Logger
}

// Deps holds the service dependencies. Realtime may be nil when the
// listener is disabled; Outbox may be nil.
type Deps struct {
	Queue      JobQueue
	Ingest     Ingestor
	Realtime   RealtimeMetrics
	Orders     OrderLoader
	Printers   registry.Registry
	Dispatcher FanOuter
	Outbox     DeliveryStats
}

// New creates a service.
func New(d Deps) *Service {
	return &Service{
		queue:      d.Queue,
		ingest:     d.Ingest,
		realtime:   d.Realtime,
		orders:     d.Orders,
		printers:   d.Printers,
		dispatcher: d.Dispatcher,
		outbox:     d.Outbox,
		log:        logging.WithComponent("service"),
	}
}

// EnqueuePrintJob validates raw as an order snapshot and queues it.
func (s *Service) EnqueuePrintJob(ctx context.Context, raw []byte) (string, error) {
	snap, err := remote.DecodeOrderSnapshot(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	id, err := s.queue.Enqueue(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("enqueue print job: %w", err)
	}
	log := logging.WithContext(ctx, s.log)
	log.Info().
		Str("job_id", id).
		Str("order_id", snap.Order.OrderID).
		Msg("Print job queued")
	return id, nil
}

// IsJobDone reports whether the job completed. Ids the queue does not know
// return ErrJobNotFound.
func (s *Service) IsJobDone(ctx context.Context, jobID string) (bool, error) {
	done, err := s.queue.IsJobDone(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		return false, ErrJobNotFound
	}
	return done, err
}

// PrintOrderByID prints a stored order on every printer and returns how many
// printers succeeded. An order not yet stored triggers one refresh.
func (s *Service) PrintOrderByID(ctx context.Context, orderID string) (int, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return 0, ErrEmptyOrderID
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrOrderNotFound) {
		s.ingest.Refresh(ctx, orderID)
		order, err = s.orders.GetOrder(ctx, orderID)
	}
	if errors.Is(err, store.ErrOrderNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return 0, err
	}

	items, err := s.orders.GetOrderItems(ctx, orderID)
	if err != nil {
		return 0, err
	}
	printers, err := s.printers.ListPrinters(ctx)
	if err != nil {
		return 0, err
	}
	if len(printers) == 0 {
		return 0, ErrNoPrinters
	}

	summary := s.dispatcher.FanOut(ctx, order, items, printers, dispatch.ModeFiltered, dispatch.PathManual)
	log := logging.WithContext(ctx, s.log)
	log.Info().
		Str("order_id", orderID).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("Manual print finished")
	return summary.Succeeded, nil
}

// GetMetrics merges realtime, queue, ingestion and outbox counters.
func (s *Service) GetMetrics(ctx context.Context) map[string]int {
	out := make(map[string]int, 24)
	if s.realtime != nil {
		for k, v := range s.realtime.Metrics() {
			out[k] = int(v)
		}
	}

	if s.queue != nil {
		q := s.queue.Stats(ctx)
		out["queue_pending"] = q.Pending
		out["queue_drains"] = int(q.Drains)
		out["queue_processed"] = int(q.Processed)
		out["queue_succeeded"] = int(q.Succeeded)
		out["queue_failed"] = int(q.Failed)
		out["queue_recovered"] = int(q.Recovered)
	}

	if s.ingest != nil {
		in := s.ingest.Stats()
		out["poll_cycles"] = int(in.Cycles)
		out["orders_upserted"] = int(in.OrdersUpserted)
		out["orders_new"] = int(in.NewOrders)
		for label, n := range in.Outcomes {
			out["poll_"+label] = int(n)
		}
	}

	if s.outbox != nil {
		delivered, exhausted := s.outbox.Stats()
		out["mark_printed_delivered"] = int(delivered)
		out["mark_printed_exhausted"] = int(exhausted)
	}
	return out
}
