// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/printrelay/internal/auth"
	"github.com/tomtom215/printrelay/internal/cache"
	"github.com/tomtom215/printrelay/internal/config"
	"github.com/tomtom215/printrelay/internal/dispatch"
	"github.com/tomtom215/printrelay/internal/ingest"
	"github.com/tomtom215/printrelay/internal/models"
	"github.com/tomtom215/printrelay/internal/registry"
)

var errNotFound = errors.New("not found")

type stubRefresher struct {
	mu    sync.Mutex
	skips []string
}

func (s *stubRefresher) Refresh(_ context.Context, skip string) ingest.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skips = append(s.skips, skip)
	return ingest.Result{Outcome: ingest.OutcomeOK}
}

type stubOrders struct {
	orders map[string]*models.Order
}

func (s *stubOrders) GetOrder(_ context.Context, id string) (*models.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, errNotFound
	}
	return o, nil
}

func (s *stubOrders) GetOrderItems(_ context.Context, id string) ([]models.OrderItem, error) {
	return []models.OrderItem{{ItemID: id + "-1", Name: "Tea", Quantity: 1}}, nil
}

type stubFanOut struct {
	mu      sync.Mutex
	printed []string
	paths   []string
	fail    bool
}

func (s *stubFanOut) FanOut(_ context.Context, order *models.Order, _ []models.OrderItem, printers []models.PrinterProfile, _ dispatch.Mode, path string) dispatch.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.printed = append(s.printed, order.OrderID)
	s.paths = append(s.paths, path)
	if s.fail {
		return dispatch.Summary{Failed: len(printers)}
	}
	return dispatch.Summary{Succeeded: len(printers)}
}

func (s *stubFanOut) orders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.printed...)
}

func newTestListener(t *testing.T, cfg Config) (*Listener, *stubFanOut, *stubRefresher) {
	t.Helper()
	reg, err := registry.NewStatic([]config.PrinterConfig{
		{ID: "front", Host: "10.0.0.1", Port: 9100, Role: "main", Categories: []int{0}},
		{ID: "bar", Host: "10.0.0.2", Port: 9100, Role: "station", Categories: []int{5}},
	}, config.GlobalCategory{}, 80)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	orders := &stubOrders{orders: map[string]*models.Order{
		"1001": {OrderID: "1001"},
		"1002": {OrderID: "1002"},
	}}
	fan := &stubFanOut{}
	ref := &stubRefresher{}
	l := New(cfg, auth.NewStaticSource("42", "tok", ""), ref, orders, reg, fan, cache.NewDedupWindow(15*time.Second))
	l.merchantID.Store("42")
	return l, fan, ref
}

func TestHandleMessage_Filters(t *testing.T) {
	tests := []struct {
		name      string
		msg       string
		wantPrint []string
		wantPaid  int64
	}{
		{"paid event", `{"event":"paid","order_id":"1001","user_id":42}`, []string{"1001"}, 1},
		{"no event field", `{"order_id":1001}`, []string{"1001"}, 1},
		{"pusher string data", `{"event":"paid","channel":"orders","data":"{\"id\":\"1002\",\"user_id\":\"42\"}"}`, []string{"1002"}, 1},
		{"object data", `{"type":"paid","data":{"orderId":"1001"}}`, []string{"1001"}, 1},
		{"other event", `{"event":"created","order_id":"1001"}`, nil, 0},
		{"protocol frame", `{"event":"pusher:connection_established","data":"{}"}`, nil, 0},
		{"other merchant", `{"event":"paid","order_id":"1001","user_id":7}`, nil, 1},
		{"envelope order id beside object data", `{"event":"paid","user_id":42,"order_id":"1001","data":{"amount":12.5}}`, []string{"1001"}, 1},
		{"payment id in data", `{"event":"paid","user_id":42,"order_id":"1002","data":{"id":"pay_77","amount":12.5}}`, []string{"1002"}, 1},
		{"nested order object", `{"event":"paid","data":{"id":"pay_78","order":{"id":"1001"}}}`, []string{"1001"}, 1},
		{"missing order id", `{"event":"paid","user_id":42}`, nil, 1},
		{"malformed", `not json`, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, fan, _ := newTestListener(t, Config{URL: "ws://unused"})
			l.handleMessage(context.Background(), []byte(tt.msg))
			l.inflight.Wait()

			got := fan.orders()
			if len(got) != len(tt.wantPrint) {
				t.Fatalf("printed = %v, want %v", got, tt.wantPrint)
			}
			for i := range got {
				if got[i] != tt.wantPrint[i] {
					t.Errorf("printed[%d] = %q, want %q", i, got[i], tt.wantPrint[i])
				}
			}
			m := l.Metrics()
			if m["messages_received"] != 1 {
				t.Errorf("messages_received = %d", m["messages_received"])
			}
			if m["paid_events_received"] != tt.wantPaid {
				t.Errorf("paid_events_received = %d, want %d", m["paid_events_received"], tt.wantPaid)
			}
		})
	}
}

func TestHandleMessage_DedupWithinWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	l, fan, ref := newTestListener(t, Config{URL: "ws://unused"})
	l.dedup = cache.NewDedupWindow(15*time.Second, cache.WithClock(clock))

	msg := []byte(`{"event":"paid","order_id":"1001"}`)
	l.handleMessage(context.Background(), msg)
	l.handleMessage(context.Background(), msg)
	l.inflight.Wait()

	if got := fan.orders(); len(got) != 1 {
		t.Fatalf("printed %d times within window", len(got))
	}
	if m := l.Metrics(); m["paid_events_deduped"] != 1 {
		t.Errorf("deduped = %d", m["paid_events_deduped"])
	}

	mu.Lock()
	now = now.Add(16 * time.Second)
	mu.Unlock()
	l.handleMessage(context.Background(), msg)
	l.inflight.Wait()
	if got := fan.orders(); len(got) != 2 {
		t.Errorf("printed %d times after window, want 2", len(got))
	}
	if len(ref.skips) != 2 || ref.skips[0] != "1001" {
		t.Errorf("refresh skips = %v", ref.skips)
	}
}

func TestPrintPaidOrder_CountsOutcomes(t *testing.T) {
	l, fan, _ := newTestListener(t, Config{URL: "ws://unused"})
	fan.fail = true

	l.handleMessage(context.Background(), []byte(`{"event":"paid","order_id":"1001"}`))
	l.handleMessage(context.Background(), []byte(`{"event":"paid","order_id":"9999"}`))
	l.inflight.Wait()

	m := l.Metrics()
	if m["print_attempts"] != 2 || m["print_failures"] != 2 || m["print_successes"] != 0 {
		t.Errorf("metrics = %v", m)
	}
	if fan.paths[0] != dispatch.PathRealtime {
		t.Errorf("path = %q", fan.paths[0])
	}
}

func TestBackoff(t *testing.T) {
	l, _, _ := newTestListener(t, Config{URL: "ws://unused"})
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, time.Minute, time.Minute,
	}
	for i, w := range want {
		l.attempts = i
		if got := l.backoff(); got != w {
			t.Errorf("attempt %d: backoff = %v, want %v", i, got, w)
		}
	}
}

func TestServe_RequiresURL(t *testing.T) {
	l, _, _ := newTestListener(t, Config{})
	if err := l.Serve(context.Background()); !errors.Is(err, ErrNoURL) {
		t.Errorf("err = %v", err)
	}
}

// TestServe_ConnectReceiveReconnect drives a full session against a local
// websocket server: auth header, subscribe frame, paid events, a server-side
// drop, and a reconnect.
func TestServe_ConnectReceiveReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var (
		mu          sync.Mutex
		connections int
		authHeaders []string
		subscribes  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		mu.Lock()
		connections++
		n := connections
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))
		mu.Unlock()

		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		mu.Lock()
		subscribes = append(subscribes, string(frame))
		mu.Unlock()

		if n == 1 {
			paid := `{"event":"paid","order_id":"1001","user_id":"42"}`
			_ = conn.WriteMessage(websocket.TextMessage, []byte(paid))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(paid))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"paid","order_id":"1002","user_id":"7"}`))
			// Drop the connection to force a reconnect.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	l, fan, _ := newTestListener(t, Config{
		URL:              wsURL,
		SubscribeChannel: "merchant.42",
		BackoffBase:      10 * time.Millisecond,
		BackoffMax:       20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if l.Metrics()["reconnects_completed"] >= 1 && l.State() == StateConnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop")
	}

	m := l.Metrics()
	if m["reconnects_scheduled"] < 1 || m["reconnects_completed"] < 1 {
		t.Errorf("reconnect metrics = %v", m)
	}
	if m["messages_received"] != 3 || m["paid_events_deduped"] != 1 {
		t.Errorf("message metrics = %v", m)
	}
	if got := fan.orders(); len(got) != 1 || got[0] != "1001" {
		t.Errorf("printed = %v", got)
	}
	if l.State() != StateDisconnected {
		t.Errorf("state after stop = %v", l.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(authHeaders) == 0 || authHeaders[0] != "Bearer tok" {
		t.Errorf("auth headers = %v", authHeaders)
	}
	if len(subscribes) == 0 || !strings.Contains(subscribes[0], `"channel":"merchant.42"`) {
		t.Errorf("subscribe frames = %v", subscribes)
	}
}
