// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

/*
coordinator.go - Order Ingestion Coordinator

Polls the remote backend on a fixed interval, stores every order it
receives and auto-prints the ones that were not stored before. The ticker
loop runs its cycles strictly one after another; a slow cycle delays the
next tick instead of overlapping it.

Refresh is also called on demand by the realtime listener and the manual
print path. Those calls take no lock shared with the loop, so a hung fetch
or a slow printer in a poll cycle never delays a paid-order print. Two
concurrent cycles cannot both treat an order as new: SaveOrder decides
"existed" inside the same store transaction as the write.

Every cycle ends in exactly one outcome label, logged as the "event" field
and counted in printrelay_poll_outcomes_total.
*/

package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/printrelay/internal/auth"
	"github.com/tomtom215/printrelay/internal/dispatch"
	"github.com/tomtom215/printrelay/internal/logging"
	"github.com/tomtom215/printrelay/internal/metrics"
	"github.com/tomtom215/printrelay/internal/models"
	"github.com/tomtom215/printrelay/internal/registry"
	"github.com/tomtom215/printrelay/internal/remote"
)

// Cycle outcomes.
const (
	OutcomeOK                   = "ok"
	OutcomeUnauthenticated      = "unauthenticated"
	OutcomeAuthError            = "auth_error"
	OutcomeFetchFailed          = "fetch_failed"
	OutcomeEmptyResponse        = "empty_response"
	OutcomeAPIFailure           = "api_failure"
	OutcomeNoNewOrder           = "no_new_order"
	OutcomeHTMLPage             = "html_page"
	OutcomeUnrecognized         = "unrecognized_response"
	OutcomeAutoPrintSkipped     = "auto_print_skipped"
	defaultPollInterval         = 5 * time.Second
	skippedRecordLogLimitPerRun = 10
)

// OrderFetcher fetches the raw order list.
type OrderFetcher interface {
	FetchOrders(ctx context.Context, merchantID, token string) ([]byte, error)
}

// OrderSaver stores an order and reports whether it existed before.
type OrderSaver interface {
	SaveOrder(ctx context.Context, order *models.Order, items []models.OrderItem) (bool, error)
}

// FanOuter prints one order on several printers.
type FanOuter interface {
	FanOut(ctx context.Context, order *models.Order, items []models.OrderItem, printers []models.PrinterProfile, mode dispatch.Mode, path string) dispatch.Summary
}

// Result describes one cycle.
type Result struct {
	Outcome   string
	Orders    int
	NewOrders []string
	Printed   int
	Skipped   int
}

// Stats is a snapshot of coordinator counters.
type Stats struct {
	Cycles         int64            `json:"cycles"`
	OrdersUpserted int64            `json:"orders_upserted"`
	NewOrders      int64            `json:"new_orders"`
	Outcomes       map[string]int64 `json:"outcomes"`
	LastSuccess    time.Time        `json:"last_success"`
	Running        bool             `json:"running"`
}

// Coordinator owns the poll loop.
type Coordinator struct {
	fetcher    OrderFetcher
	creds      auth.CredentialSource
	store      OrderSaver
	printers   registry.Registry
	dispatcher FanOuter
	interval   time.Duration
	log        zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	cycles      atomic.Int64
	upserted    atomic.Int64
	newOrders   atomic.Int64
	lastSuccess atomic.Int64
	outcomesMu  sync.Mutex
	outcomes    map[string]int64
}

// NewCoordinator creates a coordinator. A zero interval means 5 seconds.
func NewCoordinator(fetcher OrderFetcher, creds auth.CredentialSource, store OrderSaver, printers registry.Registry, dispatcher FanOuter, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Coordinator{
		fetcher:    fetcher,
		creds:      creds,
		store:      store,
		printers:   printers,
		dispatcher: dispatcher,
		interval:   interval,
		log:        logging.WithComponent("ingest"),
		outcomes:   make(map[string]int64),
	}
}

// Start runs the poll loop in the background. Calling Start on a running
// coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopChan = make(chan struct{})
	stop := c.stopChan
	c.mu.Unlock()

	c.log.Info().Dur("interval", c.interval).Msg("Starting order poller")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx, stop)
	}()
	return nil
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	c.mu.Unlock()

	c.wg.Wait()
	c.log.Info().Msg("Order poller stopped")
}

// Serve runs the poll loop until ctx is canceled, for use under a
// supervisor.
func (c *Coordinator) Serve(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer for suture.
func (c *Coordinator) String() string {
	return "order-poller"
}

func (c *Coordinator) loop(ctx context.Context, stop <-chan struct{}) {
	c.Refresh(ctx, "")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.Refresh(ctx, "")
		}
	}
}

// Refresh runs one ingestion cycle now. Orders with id skipOrderID are
// stored but never auto-printed, because the caller prints them itself.
// Safe to call concurrently with the poll loop and with other Refresh calls.
func (c *Coordinator) Refresh(ctx context.Context, skipOrderID string) Result {
	if logging.CorrelationIDFromContext(ctx) == "" {
		ctx = logging.ContextWithNewCorrelationID(ctx)
	}
	start := time.Now()
	res := c.cycle(ctx, skipOrderID)

	c.cycles.Add(1)
	c.outcomesMu.Lock()
	c.outcomes[res.Outcome]++
	c.outcomesMu.Unlock()
	if res.Outcome == OutcomeOK || res.Outcome == OutcomeNoNewOrder || res.Outcome == OutcomeAutoPrintSkipped {
		c.lastSuccess.Store(time.Now().UnixNano())
	}
	metrics.RecordPoll(res.Outcome, time.Since(start))
	return res
}

// cycle recovers panics so one bad response cannot kill the loop.
func (c *Coordinator) cycle(ctx context.Context, skipOrderID string) (res Result) {
	log := logging.WithContext(ctx, c.log)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", OutcomeFetchFailed).Msg("Recovered panic in poll cycle")
			res = Result{Outcome: OutcomeFetchFailed}
		}
	}()

	creds, err := c.creds.Current(ctx)
	if err != nil {
		log.Warn().Err(err).Str("event", OutcomeUnauthenticated).Msg("No valid merchant credentials, skipping poll")
		return Result{Outcome: OutcomeUnauthenticated}
	}

	body, err := c.fetcher.FetchOrders(ctx, creds.MerchantID, creds.Token)
	if err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			log.Error().Err(err).Str("event", OutcomeAuthError).Msg("Backend rejected merchant credentials")
			return Result{Outcome: OutcomeAuthError}
		}
		log.Warn().Err(err).Str("event", OutcomeFetchFailed).Msg("Order fetch failed")
		return Result{Outcome: OutcomeFetchFailed}
	}

	batch, err := remote.DecodeOrderBatch(body)
	if err != nil {
		return Result{Outcome: c.classify(log, err)}
	}
	c.logSkipped(log, batch.Skipped)

	res = Result{Orders: len(batch.Orders), Skipped: len(batch.Skipped)}
	eligible := c.eligiblePrinters(ctx, log)
	res.Outcome = OutcomeOK
	if len(eligible) == 0 {
		res.Outcome = OutcomeAutoPrintSkipped
		log.Info().Str("event", OutcomeAutoPrintSkipped).Int("orders", len(batch.Orders)).Msg("Auto-print skipped: categories")
	}

	for i := range batch.Orders {
		if ctx.Err() != nil {
			break
		}
		snap := &batch.Orders[i]
		existed, err := c.store.SaveOrder(ctx, &snap.Order, snap.Items)
		if err != nil {
			log.Error().Err(err).Str("order_id", snap.Order.OrderID).Msg("Could not store order")
			continue
		}
		c.upserted.Add(1)
		if existed {
			metrics.OrdersIngested.WithLabelValues("existing").Inc()
			continue
		}
		metrics.OrdersIngested.WithLabelValues("new").Inc()
		c.newOrders.Add(1)
		res.NewOrders = append(res.NewOrders, snap.Order.OrderID)
		log.Info().Str("order_id", snap.Order.OrderID).Int("items", len(snap.Items)).Msg("New order received")

		if len(eligible) == 0 || snap.Order.OrderID == skipOrderID {
			continue
		}
		summary := c.dispatcher.FanOut(ctx, &snap.Order, snap.Items, eligible, dispatch.ModeFiltered, dispatch.PathPoll)
		res.Printed += summary.Succeeded
		if summary.Succeeded == 0 && summary.Failed == 0 {
			log.Info().Str("order_id", snap.Order.OrderID).Msg("No matching items for any printer")
		}
	}
	return res
}

func (c *Coordinator) classify(log zerolog.Logger, err error) string {
	var envelope *remote.FailureEnvelopeError
	switch {
	case errors.As(err, &envelope):
		if envelope.IsAuthFailure() {
			log.Error().Str("event", OutcomeAuthError).Str("message", envelope.Message).Msg("Backend reported an authentication failure")
			return OutcomeAuthError
		}
		log.Warn().Str("event", OutcomeAPIFailure).Str("message", envelope.Message).Msg("Backend reported failure")
		return OutcomeAPIFailure
	case errors.Is(err, remote.ErrEmptyBody):
		log.Warn().Str("event", OutcomeEmptyResponse).Msg("Backend returned an empty body")
		return OutcomeEmptyResponse
	case errors.Is(err, remote.ErrEmptyData):
		log.Debug().Str("event", OutcomeNoNewOrder).Msg("No new order")
		return OutcomeNoNewOrder
	case errors.Is(err, remote.ErrHTMLPage):
		log.Error().Err(err).Str("event", OutcomeHTMLPage).Msg("Backend returned an HTML page instead of JSON")
		return OutcomeHTMLPage
	default:
		log.Error().Err(err).Str("event", OutcomeUnrecognized).Msg("Unrecognized orders response")
		return OutcomeUnrecognized
	}
}

func (c *Coordinator) logSkipped(log zerolog.Logger, skipped []remote.SkippedRecord) {
	if len(skipped) == 0 {
		return
	}
	metrics.RecordsSkipped.Add(float64(len(skipped)))
	for i, rec := range skipped {
		if i == skippedRecordLogLimitPerRun {
			log.Warn().Int("more", len(skipped)-i).Msg("Further skipped records not logged")
			return
		}
		log.Warn().Int("index", rec.Index).Str("reason", rec.Reason).Str("preview", rec.Preview).Msg("Skipped malformed order record")
	}
}

// eligiblePrinters returns printers that select something, or all printers
// when a merchant-wide selection exists for them to fall back on.
func (c *Coordinator) eligiblePrinters(ctx context.Context, log zerolog.Logger) []models.PrinterProfile {
	printers, err := c.printers.ListPrinters(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Could not list printers")
		return nil
	}
	_, hasGlobal, err := c.printers.GlobalCategorySelection(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Global category selection unavailable")
		hasGlobal = false
	}

	eligible := make([]models.PrinterProfile, 0, len(printers))
	for i := range printers {
		if !printers[i].Filter.Empty() || hasGlobal {
			eligible = append(eligible, printers[i])
		}
	}
	return eligible
}

// Stats returns a snapshot of counters.
func (c *Coordinator) Stats() Stats {
	c.outcomesMu.Lock()
	outcomes := make(map[string]int64, len(c.outcomes))
	for k, v := range c.outcomes {
		outcomes[k] = v
	}
	c.outcomesMu.Unlock()

	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	var last time.Time
	if ns := c.lastSuccess.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Cycles:         c.cycles.Load(),
		OrdersUpserted: c.upserted.Load(),
		NewOrders:      c.newOrders.Load(),
		Outcomes:       outcomes,
		LastSuccess:    last,
		Running:        running,
	}
}
