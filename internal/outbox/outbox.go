// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/printrelay/internal/auth"
	"github.com/tomtom215/printrelay/internal/logging"
	"github.com/tomtom215/printrelay/internal/metrics"
	"github.com/tomtom215/printrelay/internal/remote"
)

// DefaultTopic carries mark-printed tasks.
const DefaultTopic = "printrelay.mark_printed"

// ErrBufferFull is returned when a task is published before the router is
// running and the startup buffer is exhausted.
var ErrBufferFull = errors.New("outbox startup buffer full")

// MarkPrintedTask asks the remote backend to flag categories of an order as
// printed.
type MarkPrintedTask struct {
	OrderID              string    `json:"order_id"`
	CategoryIDs          []int     `json:"category_ids"`
	IncludeUncategorized bool      `json:"include_uncategorized"`
	PrinterID            string    `json:"printer_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// MarkPrinter is the remote call the outbox delivers tasks to.
type MarkPrinter interface {
	MarkPrinted(ctx context.Context, orderID string, categoryIDs []int, includeUncategorized bool, token string) (bool, error)
}

// Config configures the outbox router.
type Config struct {
	Topic           string
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// BufferSize bounds tasks held while the router is starting.
	BufferSize   int
	CloseTimeout time.Duration
}

// DefaultConfig returns outbox defaults.
func DefaultConfig() Config {
	return Config{
		Topic:           DefaultTopic,
		MaxRetries:      5,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		BufferSize:      256,
		CloseTimeout:    10 * time.Second,
	}
}

// Outbox delivers mark-printed tasks to the remote backend in the
// background. Local state never waits on it: tasks that keep failing are
// logged and acknowledged.
type Outbox struct {
	cfg        Config
	publisher  message.Publisher
	subscriber message.Subscriber
	closer     func() error
	remote     MarkPrinter
	creds      auth.CredentialSource
	wmLogger   watermill.LoggerAdapter
	log        zerolog.Logger

	mu      sync.Mutex
	ready   bool
	pending []*message.Message

	delivered atomic.Int64
	exhausted atomic.Int64
}

// New creates an outbox over an existing pub/sub pair. closer, when set,
// releases the transport on Close.
func New(cfg Config, pub message.Publisher, sub message.Subscriber, closer func() error, client MarkPrinter, creds auth.CredentialSource) *Outbox {
	def := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Outbox{
		cfg:        cfg,
		publisher:  pub,
		subscriber: sub,
		closer:     closer,
		remote:     client,
		creds:      creds,
		wmLogger:   logging.NewWatermillAdapter(logging.WithComponent("outbox-router")),
		log:        logging.WithComponent("outbox"),
	}
}

// Publish queues a task without waiting for delivery.
func (o *Outbox) Publish(ctx context.Context, task MarkPrintedTask) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("order_id", task.OrderID)
	if cid := logging.CorrelationIDFromContext(ctx); cid != "" {
		msg.Metadata.Set("correlation_id", cid)
	}

	o.mu.Lock()
	if !o.ready {
		defer o.mu.Unlock()
		if len(o.pending) >= o.cfg.BufferSize {
			metrics.OutboxMessages.WithLabelValues("dropped").Inc()
			return ErrBufferFull
		}
		o.pending = append(o.pending, msg)
		metrics.OutboxMessages.WithLabelValues("buffered").Inc()
		return nil
	}
	o.mu.Unlock()

	if err := o.publisher.Publish(o.cfg.Topic, msg); err != nil {
		metrics.OutboxMessages.WithLabelValues("publish_failed").Inc()
		return fmt.Errorf("publish task: %w", err)
	}
	metrics.OutboxMessages.WithLabelValues("published").Inc()
	return nil
}

// Serve runs the router until ctx is canceled. Each call builds a fresh
// router so a supervisor can restart it.
func (o *Outbox) Serve(ctx context.Context) error {
	router, err := o.newRouter()
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-router.Running():
			o.markReady()
		case <-ctx.Done():
		}
	}()
	go func() {
		<-ctx.Done()
		_ = router.Close()
	}()

	o.log.Info().Str("topic", o.cfg.Topic).Msg("Outbox router starting")
	err = router.Run(ctx)

	o.mu.Lock()
	o.ready = false
	o.mu.Unlock()

	if err != nil {
		return fmt.Errorf("outbox router: %w", err)
	}
	return ctx.Err()
}

// Close releases the transport.
func (o *Outbox) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer()
}

// Stats returns delivery counters.
func (o *Outbox) Stats() (delivered, exhausted int64) {
	return o.delivered.Load(), o.exhausted.Load()
}

// String implements fmt.Stringer for suture.
func (o *Outbox) String() string {
	return "outbox"
}

func (o *Outbox) markReady() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready = true
	for _, msg := range o.pending {
		if err := o.publisher.Publish(o.cfg.Topic, msg); err != nil {
			o.log.Warn().Err(err).Str("order_id", msg.Metadata.Get("order_id")).Msg("Buffered task could not be published")
			metrics.OutboxMessages.WithLabelValues("publish_failed").Inc()
			continue
		}
		metrics.OutboxMessages.WithLabelValues("published").Inc()
	}
	o.pending = nil
}

func (o *Outbox) newRouter() (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: o.cfg.CloseTimeout}, o.wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create outbox router: %w", err)
	}

	// Outermost first: give up after retries, then recover panics, then retry.
	router.AddMiddleware(o.ackExhausted)
	router.AddMiddleware(middleware.Recoverer)
	retry := middleware.Retry{
		MaxRetries:      o.cfg.MaxRetries,
		InitialInterval: o.cfg.InitialInterval,
		MaxInterval:     o.cfg.MaxInterval,
		Multiplier:      2.0,
		Logger:          o.wmLogger,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return !errors.Is(params.Err, remote.ErrFailureEnvelope)
		},
	}
	router.AddMiddleware(retry.Middleware)

	router.AddConsumerHandler("mark_printed", o.cfg.Topic, o.subscriber, o.handle)
	return router, nil
}

// ackExhausted acknowledges tasks whose retries ran out so they cannot
// block the subscription.
func (o *Outbox) ackExhausted(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		produced, err := h(msg)
		if err != nil {
			o.exhausted.Add(1)
			metrics.OutboxMessages.WithLabelValues("exhausted").Inc()
			o.log.Error().Err(err).
				Str("order_id", msg.Metadata.Get("order_id")).
				Str("correlation_id", msg.Metadata.Get("correlation_id")).
				Msg("Giving up on remote mark-printed")
			return nil, nil
		}
		return produced, nil
	}
}

func (o *Outbox) handle(msg *message.Message) error {
	var task MarkPrintedTask
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		// Malformed tasks can never succeed.
		metrics.OutboxMessages.WithLabelValues("malformed").Inc()
		o.log.Error().Err(err).Str("message_uuid", msg.UUID).Msg("Discarding malformed outbox task")
		return nil
	}

	ctx := msg.Context()
	creds, err := o.creds.Current(ctx)
	if err != nil {
		return fmt.Errorf("credentials for %s: %w", task.OrderID, err)
	}

	ok, err := o.remote.MarkPrinted(ctx, task.OrderID, task.CategoryIDs, task.IncludeUncategorized, creds.Token)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: mark printed %s not acknowledged", remote.ErrFailureEnvelope, task.OrderID)
	}

	o.delivered.Add(1)
	metrics.OutboxMessages.WithLabelValues("delivered").Inc()
	o.log.Debug().Str("order_id", task.OrderID).Ints("category_ids", task.CategoryIDs).Msg("Remote mark-printed delivered")
	return nil
}
