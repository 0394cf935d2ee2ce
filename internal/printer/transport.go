// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

// Package printer delivers rendered receipts to printers. Byte-level printer
// protocols are not implemented here: content is written as UTF-8 text
// followed by feed lines, and anything fancier belongs in a registered
// Transport.
package printer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/printrelay/internal/breaker"
	"github.com/tomtom215/printrelay/internal/models"
)

// Transport errors.
var (
	ErrUnsupportedTransport = errors.New("no transport for printer")
	ErrPrinterUnavailable   = errors.New("printer unavailable")
	ErrEmptyContent         = errors.New("nothing to print")
)

// Transport sends rendered content to one printer.
type Transport interface {
	Send(ctx context.Context, printer models.PrinterProfile, content string) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, printer models.PrinterProfile, content string) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, printer models.PrinterProfile, content string) error {
	return f(ctx, printer, content)
}

// Config configures a NetworkTransport.
type Config struct {
	// Timeout bounds dial plus write.
	Timeout time.Duration
	// FeedLines appended after content so the paper clears the cutter.
	FeedLines int
	// RatePerSecond and Burst pace jobs per printer. Zero disables pacing.
	RatePerSecond float64
	Burst         int
	// Breaker settings applied to every printer.
	Breaker breaker.Settings
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Second,
		FeedLines:     4,
		RatePerSecond: 2,
		Burst:         4,
		Breaker: breaker.Settings{
			ConsecutiveFailures: 3,
			Timeout:             30 * time.Second,
		},
	}
}

type printerGate struct {
	limiter *rate.Limiter
	cb      *breaker.Breaker[struct{}]
}

// NetworkTransport writes to raw TCP printers (host:port). Printers with
// port 0 are handed to a transport registered with RegisterNonIP.
type NetworkTransport struct {
	cfg    Config
	dialer *net.Dialer
	nonIP  Transport

	mu    sync.Mutex
	gates map[string]*printerGate
}

// NewNetworkTransport creates a transport.
func NewNetworkTransport(cfg Config) *NetworkTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &NetworkTransport{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.Timeout},
		gates:  make(map[string]*printerGate),
	}
}

// RegisterNonIP installs the transport used for port-0 printers.
func (t *NetworkTransport) RegisterNonIP(nonIP Transport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nonIP = nonIP
}

// Send delivers content, waiting for the printer's rate limiter and failing
// fast with ErrPrinterUnavailable while its breaker is open.
func (t *NetworkTransport) Send(ctx context.Context, printer models.PrinterProfile, content string) error {
	if content == "" {
		return ErrEmptyContent
	}

	gate := t.gate(printer.ID)
	if gate.limiter != nil {
		if err := gate.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("printer %s: %w", printer.ID, err)
		}
	}

	_, err := gate.cb.Execute(func() (struct{}, error) {
		return struct{}{}, t.send(ctx, printer, content)
	})
	if errors.Is(err, breaker.ErrOpen) {
		return fmt.Errorf("%w: %s: %v", ErrPrinterUnavailable, printer.ID, err)
	}
	return err
}

func (t *NetworkTransport) send(ctx context.Context, printer models.PrinterProfile, content string) error {
	if printer.Port == 0 {
		t.mu.Lock()
		nonIP := t.nonIP
		t.mu.Unlock()
		if nonIP == nil {
			return fmt.Errorf("%w: %s has no network port", ErrUnsupportedTransport, printer.ID)
		}
		return nonIP.Send(ctx, printer, content)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(printer.Host, strconv.Itoa(printer.Port))
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial printer %s at %s: %w", printer.ID, addr, err)
	}
	defer func() { _ = conn.Close() }()

	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline on %s: %w", printer.ID, err)
	}

	payload := make([]byte, 0, len(content)+t.cfg.FeedLines+1)
	payload = append(payload, content...)
	if len(content) > 0 && content[len(content)-1] != '\n' {
		payload = append(payload, '\n')
	}
	for i := 0; i < t.cfg.FeedLines; i++ {
		payload = append(payload, '\n')
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write to printer %s: %w", printer.ID, err)
	}
	return nil
}

func (t *NetworkTransport) gate(printerID string) *printerGate {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.gates[printerID]
	if !ok {
		g = &printerGate{cb: breaker.New[struct{}]("printer-"+printerID, t.cfg.Breaker)}
		if t.cfg.RatePerSecond > 0 {
			burst := t.cfg.Burst
			if burst < 1 {
				burst = 1
			}
			g.limiter = rate.NewLimiter(rate.Limit(t.cfg.RatePerSecond), burst)
		}
		t.gates[printerID] = g
	}
	return g
}
