// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package printer

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/printrelay/internal/breaker"
	"github.com/tomtom215/printrelay/internal/models"
)

// startSink accepts one connection per expected receipt and returns what
// each connection wrote.
func startSink(t *testing.T) (port int, received <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	ch := make(chan string, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			data, _ := io.ReadAll(conn)
			_ = conn.Close()
			ch <- string(data)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, ch
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	cfg.RatePerSecond = 0
	return cfg
}

func TestNetworkTransport_Send(t *testing.T) {
	port, received := startSink(t)
	tr := NewNetworkTransport(testConfig())

	p := models.PrinterProfile{ID: "kitchen", Host: "127.0.0.1", Port: port}
	if err := tr.Send(context.Background(), p, "Tea x2"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case got := <-received:
		if !strings.HasPrefix(got, "Tea x2\n") {
			t.Errorf("received %q", got)
		}
		if want := "Tea x2\n" + strings.Repeat("\n", 4); got != want {
			t.Errorf("received %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("printer sink received nothing")
	}
}

func TestNetworkTransport_EmptyContent(t *testing.T) {
	tr := NewNetworkTransport(testConfig())
	err := tr.Send(context.Background(), models.PrinterProfile{ID: "p", Host: "127.0.0.1", Port: 9}, "")
	if !errors.Is(err, ErrEmptyContent) {
		t.Errorf("error = %v, want ErrEmptyContent", err)
	}
}

func TestNetworkTransport_NonIP(t *testing.T) {
	tr := NewNetworkTransport(testConfig())
	p := models.PrinterProfile{ID: "bt", Port: 0}

	if err := tr.Send(context.Background(), p, "x"); !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("error = %v, want ErrUnsupportedTransport", err)
	}

	var got string
	tr.RegisterNonIP(TransportFunc(func(_ context.Context, _ models.PrinterProfile, content string) error {
		got = content
		return nil
	}))
	if err := tr.Send(context.Background(), p, "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("non-IP transport got %q", got)
	}
}

func TestNetworkTransport_BreakerIsPerPrinter(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker = breaker.Settings{ConsecutiveFailures: 2, Timeout: time.Minute}
	tr := NewNetworkTransport(cfg)

	// Reserve a port and close it so dials are refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadPort := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	dead := models.PrinterProfile{ID: "dead-printer", Host: "127.0.0.1", Port: deadPort}
	for i := 0; i < 2; i++ {
		if err := tr.Send(context.Background(), dead, "x"); err == nil {
			t.Fatal("expected dial failure")
		}
	}
	if err := tr.Send(context.Background(), dead, "x"); !errors.Is(err, ErrPrinterUnavailable) {
		t.Fatalf("error = %v, want ErrPrinterUnavailable", err)
	}

	port, received := startSink(t)
	live := models.PrinterProfile{ID: "live-printer", Host: "127.0.0.1", Port: port}
	if err := tr.Send(context.Background(), live, "ok"); err != nil {
		t.Fatalf("healthy printer blocked by another printer's breaker: %v", err)
	}
	<-received
}

func TestNetworkTransport_RateLimitHonorsContext(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerSecond = 0.001
	cfg.Burst = 1
	tr := NewNetworkTransport(cfg)
	tr.RegisterNonIP(TransportFunc(func(context.Context, models.PrinterProfile, string) error { return nil }))

	p := models.PrinterProfile{ID: "slow", Port: 0}
	if err := tr.Send(context.Background(), p, "first"); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tr.Send(ctx, p, "second"); err == nil {
		t.Error("expected rate limiter to give up when the context ends")
	}
}
