// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

/*
listener.go - Websocket Listener

Listener owns one websocket session at a time. Serve loops over session,
which dials, subscribes and reads; each received frame goes through
handleMessage on the read goroutine. Printing runs on its own goroutine
per paid order so a slow printer never stalls reads.

Concurrency:
  - state, merchantID and the counters are atomics; the API reads them
    while Serve runs
  - attempts and connectedOnce are touched only by the Serve goroutine
  - inflight tracks print goroutines; Serve waits for them on return
  - the close watcher and the ping loop exit when the session's done
    channel closes
*/

package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomtom215/printrelay/internal/auth"
	"github.com/tomtom215/printrelay/internal/cache"
	"github.com/tomtom215/printrelay/internal/dispatch"
	"github.com/tomtom215/printrelay/internal/ingest"
	"github.com/tomtom215/printrelay/internal/logging"
	"github.com/tomtom215/printrelay/internal/metrics"
	"github.com/tomtom215/printrelay/internal/models"
	"github.com/tomtom215/printrelay/internal/registry"
)

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	paidEvent       = "paid"
	readIdleTimeout = 2 * time.Minute
	writeTimeout    = 10 * time.Second
)

// ErrNoURL is returned by Serve when no endpoint is configured.
var ErrNoURL = errors.New("realtime: no endpoint configured")

// Refresher synchronizes the store with the backend.
type Refresher interface {
	Refresh(ctx context.Context, skipOrderID string) ingest.Result
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

// Config holds listener settings.
type Config struct {
	URL              string
	SubscribeChannel string
	HandshakeTimeout time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	PingInterval     time.Duration
}

func (c *Config) withDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
}

type counters struct {
	messagesReceived    atomic.Int64
	paidEventsReceived  atomic.Int64
	paidEventsDeduped   atomic.Int64
	printAttempts       atomic.Int64
	printSuccesses      atomic.Int64
	printFailures       atomic.Int64
	reconnectsScheduled atomic.Int64
	reconnectsCompleted atomic.Int64
}

// Listener keeps a websocket open to the backend's push channel and prints
// paid orders as soon as they are announced.
type Listener struct {
	cfg        Config
	creds      auth.CredentialSource
	refresher  Refresher
	orders     OrderLoader
	printers   registry.Registry
	dispatcher FanOuter
	dedup      *cache.DedupWindow
	log        zerolog.Logger

	state         atomic.Int32
	attempts      int
	connectedOnce bool
	merchantID    atomic.Value
	inflight      sync.WaitGroup
	stats         counters
}

// New creates a listener. dedup is shared with any other path that needs to
// suppress repeated announcements of the same order.
func New(cfg Config, creds auth.CredentialSource, refresher Refresher, orders OrderLoader, printers registry.Registry, dispatcher FanOuter, dedup *cache.DedupWindow) *Listener {
	cfg.withDefaults()
	if dedup == nil {
		dedup = cache.NewDedupWindow(cache.DefaultDedupWindow)
	}
	l := &Listener{
		cfg:        cfg,
		creds:      creds,
		refresher:  refresher,
		orders:     orders,
		printers:   printers,
		dispatcher: dispatcher,
		dedup:      dedup,
		log:        logging.WithComponent("realtime"),
	}
	l.merchantID.Store("")
	return l
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	metrics.RealtimeState.Set(float64(s))
}

// String implements fmt.Stringer for suture.
func (l *Listener) String() string {
	return "realtime-listener"
}

// Serve connects and reconnects until ctx is canceled. Prints started from
// received events are waited for before it returns.
func (l *Listener) Serve(ctx context.Context) error {
	if l.cfg.URL == "" {
		return ErrNoURL
	}
	defer l.inflight.Wait()
	defer l.setState(StateDisconnected)

	for {
		err := l.session(ctx)
		l.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := l.backoff()
		l.attempts++
		l.stats.reconnectsScheduled.Add(1)
		metrics.RealtimeReconnects.WithLabelValues("scheduled").Inc()
		l.log.Warn().Err(err).Dur("delay", delay).Int("attempt", l.attempts).Msg("Realtime connection lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff returns base*2^attempts capped at the configured maximum.
func (l *Listener) backoff() time.Duration {
	delay := l.cfg.BackoffBase
	for i := 0; i < l.attempts; i++ {
		delay *= 2
		if delay >= l.cfg.BackoffMax {
			return l.cfg.BackoffMax
		}
	}
	if delay > l.cfg.BackoffMax {
		return l.cfg.BackoffMax
	}
	return delay
}

// session dials, subscribes and reads until the connection fails. A
// successful open resets the backoff attempt counter. The returned error is
// only logged; Serve always reconnects unless ctx is done.
func (l *Listener) session(ctx context.Context) error {
	creds, err := l.creds.Current(ctx)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	l.merchantID.Store(creds.MerchantID)

	l.setState(StateConnecting)
	dialer := websocket.Dialer{
		HandshakeTimeout:  l.cfg.HandshakeTimeout,
		EnableCompression: true,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	conn, resp, err := dialer.DialContext(ctx, l.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	l.setState(StateConnected)
	l.attempts = 0
	if l.connectedOnce {
		l.stats.reconnectsCompleted.Add(1)
		metrics.RealtimeReconnects.WithLabelValues("completed").Inc()
	}
	l.connectedOnce = true
	l.log.Info().Str("url", l.cfg.URL).Msg("Realtime connection open")

	if l.cfg.SubscribeChannel != "" {
		frame := map[string]interface{}{
			"event":   "subscribe",
			"channel": l.cfg.SubscribeChannel,
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()
	if l.cfg.PingInterval > 0 {
		go l.pingLoop(conn, done)
	}

	idle := readIdleTimeout
	if l.cfg.PingInterval > 0 && 2*l.cfg.PingInterval > idle {
		idle = 2 * l.cfg.PingInterval
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("closed by server: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		l.handleMessage(ctx, data)
	}
}

func (l *Listener) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				l.log.Debug().Err(err).Msg("Realtime ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// handleMessage applies the event filters and starts printing fresh paid
// orders in the background.
func (l *Listener) handleMessage(ctx context.Context, data []byte) {
	l.stats.messagesReceived.Add(1)
	metrics.RealtimeEvents.WithLabelValues("message").Inc()

	envelope, ok := decodeObject(data)
	if !ok {
		l.drop("malformed", data)
		return
	}

	// Pusher-style frames carry the payload as a JSON string.
	payload := envelope
	if raw, isString := envelope["data"].(string); isString {
		if inner, innerOK := decodeObject([]byte(raw)); innerOK {
			payload = inner
		}
	} else if inner, isObject := envelope["data"].(map[string]interface{}); isObject {
		payload = inner
	}

	if name, present := eventName(envelope, payload); present && name != paidEvent {
		l.log.Debug().Str("event_name", name).Msg("Ignoring non-paid realtime event")
		metrics.RealtimeEvents.WithLabelValues("dropped").Inc()
		return
	}
	l.stats.paidEventsReceived.Add(1)
	metrics.RealtimeEvents.WithLabelValues("paid").Inc()

	owner := stringField(payload, "user_id", "userId", "merchant_id")
	if owner == "" {
		owner = stringField(envelope, "user_id", "userId", "merchant_id")
	}
	merchant, _ := l.merchantID.Load().(string)
	if owner != "" && merchant != "" && owner != merchant {
		l.log.Info().Str("user_id", owner).Msg("Ignoring paid event for another merchant")
		metrics.RealtimeEvents.WithLabelValues("dropped").Inc()
		return
	}

	orderID := resolveOrderID(envelope, payload)
	if orderID == "" {
		l.log.Warn().Msg("Paid event without an order id")
		metrics.RealtimeEvents.WithLabelValues("dropped").Inc()
		return
	}

	if l.dedup.Seen(orderID) {
		l.stats.paidEventsDeduped.Add(1)
		metrics.RealtimeEvents.WithLabelValues("deduped").Inc()
		l.log.Debug().Str("order_id", orderID).Msg("Duplicate paid event")
		return
	}

	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		l.printPaidOrder(logging.ContextWithNewCorrelationID(ctx), orderID)
	}()
}

// resolveOrderID finds the order id of a paid event. Explicit order keys
// win over a bare "id", and the payload wins over the envelope, so a payment
// id inside data never shadows the envelope's order_id.
func resolveOrderID(envelope, payload map[string]interface{}) string {
	if id := stringField(payload, "order_id", "orderId"); id != "" {
		return id
	}
	if nested, isObject := payload["order"].(map[string]interface{}); isObject {
		if id := stringField(nested, "order_id", "id", "orderId"); id != "" {
			return id
		}
	}
	if id := stringField(envelope, "order_id", "orderId"); id != "" {
		return id
	}
	if id := stringField(payload, "id"); id != "" {
		return id
	}
	return stringField(envelope, "id")
}

// printPaidOrder syncs the store and prints the order on every printer.
// The refresh skips orderID so ingestion does not auto-print it as well.
// When the order is still unknown after the refresh nothing prints; the
// next poll cycle stores it and auto-prints it like any new order.
func (l *Listener) printPaidOrder(ctx context.Context, orderID string) {
	log := logging.WithContext(ctx, l.log).With().Str("order_id", orderID).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered panic while printing paid order")
		}
	}()

	l.refresher.Refresh(ctx, orderID)

	order, err := l.orders.GetOrder(ctx, orderID)
	if err != nil {
		log.Warn().Err(err).Msg("Paid order not found after refresh")
		return
	}
	items, err := l.orders.GetOrderItems(ctx, orderID)
	if err != nil {
		log.Warn().Err(err).Msg("Could not load order items")
		return
	}
	printers, err := l.printers.ListPrinters(ctx)
	if err != nil || len(printers) == 0 {
		log.Warn().Err(err).Msg("No printers to print paid order")
		return
	}

	summary := l.dispatcher.FanOut(ctx, order, items, printers, dispatch.ModeFiltered, dispatch.PathRealtime)
	l.stats.printAttempts.Add(int64(summary.Succeeded + summary.Failed))
	l.stats.printSuccesses.Add(int64(summary.Succeeded))
	l.stats.printFailures.Add(int64(summary.Failed))
	log.Info().Int("succeeded", summary.Succeeded).Int("failed", summary.Failed).Int("skipped", summary.Skipped).Msg("Printed paid order")
}

func (l *Listener) drop(reason string, data []byte) {
	preview := string(data)
	if len(preview) > 120 {
		preview = preview[:120] + "..."
	}
	l.log.Warn().Str("reason", reason).Str("preview", preview).Msg("Dropping realtime message")
	metrics.RealtimeEvents.WithLabelValues("dropped").Inc()
}

// Metrics returns a snapshot of listener counters.
func (l *Listener) Metrics() map[string]int64 {
	return map[string]int64{
		"messages_received":    l.stats.messagesReceived.Load(),
		"paid_events_received": l.stats.paidEventsReceived.Load(),
		"paid_events_deduped":  l.stats.paidEventsDeduped.Load(),
		"print_attempts":       l.stats.printAttempts.Load(),
		"print_successes":      l.stats.printSuccesses.Load(),
		"print_failures":       l.stats.printFailures.Load(),
		"reconnects_scheduled": l.stats.reconnectsScheduled.Load(),
		"reconnects_completed": l.stats.reconnectsCompleted.Load(),
	}
}

func decodeObject(data []byte) (map[string]interface{}, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// eventName reports the event/type field of either layer. present is false
// when neither carries one.
func eventName(layers ...map[string]interface{}) (name string, present bool) {
	for _, layer := range layers {
		for _, key := range []string{"event", "type"} {
			if v, ok := layer[key]; ok && v != nil {
				return strings.ToLower(strings.TrimSpace(toString(v))), true
			}
		}
	}
	return "", false
}

func stringField(obj map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := obj[key]; ok && v != nil {
			if s := strings.TrimSpace(toString(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
