// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/tomtom215/printrelay/internal/auth"
	"github.com/tomtom215/printrelay/internal/remote"
)

type recordingRemote struct {
	mu      sync.Mutex
	calls   []MarkPrintedTask
	tokens  []string
	failN   int
	err     error
	panicOn string
	done    chan struct{}
}

func newRecordingRemote() *recordingRemote {
	return &recordingRemote{done: make(chan struct{}, 16)}
}

func (r *recordingRemote) MarkPrinted(_ context.Context, orderID string, categoryIDs []int, includeUncategorized bool, token string) (bool, error) {
	r.mu.Lock()
	r.calls = append(r.calls, MarkPrintedTask{OrderID: orderID, CategoryIDs: categoryIDs, IncludeUncategorized: includeUncategorized})
	r.tokens = append(r.tokens, token)
	n := len(r.calls)
	failN, err, panicOn := r.failN, r.err, r.panicOn
	r.mu.Unlock()

	defer func() { r.done <- struct{}{} }()
	if orderID == panicOn {
		panic("remote exploded")
	}
	if err != nil && (failN < 0 || n <= failN) {
		return false, err
	}
	return true, nil
}

func (r *recordingRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func startOutbox(t *testing.T, client MarkPrinter, cfg Config) (*Outbox, context.CancelFunc) {
	t.Helper()
	tr, err := NewTransport(BackendConfig{Backend: BackendChannel}, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	ob := New(cfg, tr.Publisher, tr.Subscriber, tr.Close, client, auth.NewStaticSource("m1", "tok", ""))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ob.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("outbox did not stop")
		}
		_ = ob.Close()
	})
	return ob, cancel
}

func waitCalls(t *testing.T, r *recordingRemote, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for r.callCount() < n {
		select {
		case <-r.done:
		case <-deadline:
			t.Fatalf("remote calls = %d, want %d", r.callCount(), n)
		}
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	return cfg
}

func TestOutbox_DeliversTask(t *testing.T) {
	rec := newRecordingRemote()
	ob, _ := startOutbox(t, rec, fastConfig())

	err := ob.Publish(context.Background(), MarkPrintedTask{OrderID: "1001", CategoryIDs: []int{5}, IncludeUncategorized: true})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitCalls(t, rec, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	got := rec.calls[0]
	if got.OrderID != "1001" || len(got.CategoryIDs) != 1 || got.CategoryIDs[0] != 5 || !got.IncludeUncategorized {
		t.Errorf("call = %+v", got)
	}
	if rec.tokens[0] != "tok" {
		t.Errorf("token = %q", rec.tokens[0])
	}
}

func TestOutbox_BuffersUntilRunning(t *testing.T) {
	rec := newRecordingRemote()
	tr, err := NewTransport(BackendConfig{}, watermill.NopLogger{})
	if err != nil {
		t.Fatal(err)
	}
	ob := New(fastConfig(), tr.Publisher, tr.Subscriber, tr.Close, rec, auth.NewStaticSource("m1", "tok", ""))

	if err := ob.Publish(context.Background(), MarkPrintedTask{OrderID: "early"}); err != nil {
		t.Fatalf("Publish() before Serve error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ob.Serve(ctx) }()

	waitCalls(t, rec, 1)
	if rec.calls[0].OrderID != "early" {
		t.Errorf("delivered %q, want early", rec.calls[0].OrderID)
	}
}

func TestOutbox_BufferLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.BufferSize = 1
	tr, _ := NewTransport(BackendConfig{}, watermill.NopLogger{})
	ob := New(cfg, tr.Publisher, tr.Subscriber, tr.Close, newRecordingRemote(), auth.NewStaticSource("m1", "tok", ""))

	if err := ob.Publish(context.Background(), MarkPrintedTask{OrderID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := ob.Publish(context.Background(), MarkPrintedTask{OrderID: "b"}); !errors.Is(err, ErrBufferFull) {
		t.Errorf("error = %v, want ErrBufferFull", err)
	}
}

func TestOutbox_RetriesTransientFailures(t *testing.T) {
	rec := newRecordingRemote()
	rec.err = errors.New("connection reset")
	rec.failN = 2
	ob, _ := startOutbox(t, rec, fastConfig())

	if err := ob.Publish(context.Background(), MarkPrintedTask{OrderID: "r1"}); err != nil {
		t.Fatal(err)
	}
	waitCalls(t, rec, 3)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if delivered, _ := ob.Stats(); delivered == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never counted as delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOutbox_ExhaustedTasksAreAcknowledged(t *testing.T) {
	rec := newRecordingRemote()
	rec.err = errors.New("backend down")
	rec.failN = -1
	ob, _ := startOutbox(t, rec, fastConfig())

	if err := ob.Publish(context.Background(), MarkPrintedTask{OrderID: "x"}); err != nil {
		t.Fatal(err)
	}
	// First attempt plus MaxRetries.
	waitCalls(t, rec, 3)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, exhausted := ob.Stats(); exhausted == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never gave up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	if n := rec.callCount(); n != 3 {
		t.Errorf("remote calls = %d, want 3 (acknowledged task must not be redelivered)", n)
	}
}

func TestOutbox_FailureEnvelopeNotRetried(t *testing.T) {
	rec := newRecordingRemote()
	rec.err = &remote.FailureEnvelopeError{Message: "order locked"}
	rec.failN = -1
	ob, _ := startOutbox(t, rec, fastConfig())

	if err := ob.Publish(context.Background(), MarkPrintedTask{OrderID: "locked"}); err != nil {
		t.Fatal(err)
	}
	waitCalls(t, rec, 1)
	time.Sleep(50 * time.Millisecond)
	if n := rec.callCount(); n != 1 {
		t.Errorf("remote calls = %d, want 1", n)
	}
}

func TestOutbox_RecoversHandlerPanic(t *testing.T) {
	rec := newRecordingRemote()
	rec.panicOn = "boom"
	ob, _ := startOutbox(t, rec, fastConfig())

	if err := ob.Publish(context.Background(), MarkPrintedTask{OrderID: "boom"}); err != nil {
		t.Fatal(err)
	}
	if err := ob.Publish(context.Background(), MarkPrintedTask{OrderID: "after"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		rec.mu.Lock()
		var sawAfter bool
		for _, c := range rec.calls {
			if c.OrderID == "after" {
				sawAfter = true
			}
		}
		rec.mu.Unlock()
		if sawAfter {
			return
		}
		select {
		case <-rec.done:
		case <-deadline:
			t.Fatal("outbox stopped delivering after a panic")
		}
	}
}

func TestNewTransport_UnknownBackend(t *testing.T) {
	if _, err := NewTransport(BackendConfig{Backend: "kafka"}, watermill.NopLogger{}); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("error = %v, want ErrUnknownBackend", err)
	}
	if _, err := NewTransport(BackendConfig{Backend: BackendNATS}, watermill.NopLogger{}); err == nil {
		t.Error("nats backend without URL should fail")
	}
}
