// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
)

// Backend names.
const (
	BackendChannel = "channel"
	BackendNATS    = "nats"
)

// ErrUnknownBackend is returned for unsupported backend names.
var ErrUnknownBackend = errors.New("unknown outbox backend")

// Transport is a publisher/subscriber pair plus its shutdown.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Close      func() error
}

// BackendConfig selects and configures the transport.
type BackendConfig struct {
	Backend    string
	NATSURL    string
	BufferSize int64
	QueueGroup string
}

// NewTransport builds the in-process channel transport or a core NATS
// transport. JetStream is not used: the outbox only needs at-most-once
// fan-in to a single consumer group.
func NewTransport(cfg BackendConfig, logger watermill.LoggerAdapter) (*Transport, error) {
	switch cfg.Backend {
	case "", BackendChannel:
		buffer := cfg.BufferSize
		if buffer <= 0 {
			buffer = 256
		}
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buffer}, logger)
		return &Transport{Publisher: ch, Subscriber: ch, Close: ch.Close}, nil

	case BackendNATS:
		return newNATSTransport(cfg, logger)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

func newNATSTransport(cfg BackendConfig, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.NATSURL == "" {
		return nil, errors.New("nats backend requires a URL")
	}
	queueGroup := cfg.QueueGroup
	if queueGroup == "" {
		queueGroup = "printrelay"
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.NATSURL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.NATSURL,
		QueueGroupPrefix: queueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     10 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}

	return &Transport{
		Publisher:  pub,
		Subscriber: sub,
		Close: func() error {
			return errors.Join(sub.Close(), pub.Close())
		},
	}, nil
}
