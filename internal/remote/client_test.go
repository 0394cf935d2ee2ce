// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/printrelay/internal/breaker"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Breaker: breaker.Settings{ConsecutiveFailures: 3, Timeout: time.Minute},
	})
}

func TestClient_FetchOrders(t *testing.T) {
	var gotAuth, gotMerchant string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMerchant = r.URL.Query().Get("merchant_id")
		_, _ = w.Write([]byte(`[{"order_id":"1"}]`))
	})

	body, err := client.FetchOrders(context.Background(), "m-7", "tok")
	if err != nil {
		t.Fatalf("FetchOrders() error = %v", err)
	}
	if string(body) != `[{"order_id":"1"}]` {
		t.Errorf("body = %s", body)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotMerchant != "m-7" {
		t.Errorf("merchant_id = %q", gotMerchant)
	}
}

func TestClient_FetchOrdersStatusErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
		{"server error", http.StatusInternalServerError, ErrUnexpectedStatus},
		{"not found", http.StatusNotFound, ErrUnexpectedStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			})
			_, err := client.FetchOrders(context.Background(), "m", "t")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_EmptyBodyIsNotAnError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	body, err := client.FetchOrders(context.Background(), "m", "t")
	if err != nil {
		t.Fatalf("FetchOrders() error = %v", err)
	}
	if len(body) != 0 {
		t.Errorf("body = %q, want empty", body)
	}
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 3; i++ {
		_, _ = client.FetchOrders(context.Background(), "m", "t")
	}
	_, err := client.FetchOrders(context.Background(), "m", "t")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3", calls.Load())
	}
}

func TestClient_UnauthorizedDoesNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	for i := 0; i < 5; i++ {
		_, err := client.FetchOrders(context.Background(), "m", "t")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("call %d error = %v, want ErrUnauthorized", i, err)
		}
	}
	if calls.Load() != 5 {
		t.Errorf("server calls = %d, want 5", calls.Load())
	}
}

func TestClient_MarkPrinted(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     bool
		wantErr  bool
	}{
		{"success flag", `{"success":true}`, true, false},
		{"no body", ``, true, false},
		{"no flag", `{"ok":1}`, true, false},
		{"failure flag", `{"success":false,"message":"locked"}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got markPrintedRequest
			var path string
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				path = r.URL.Path
				body, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(body, &got)
				_, _ = w.Write([]byte(tt.response))
			})

			ok, err := client.MarkPrinted(context.Background(), "O-1", []int{2, 3}, true, "t")
			if (err != nil) != tt.wantErr {
				t.Fatalf("MarkPrinted() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.want {
				t.Errorf("MarkPrinted() = %v, want %v", ok, tt.want)
			}
			if path != "/api/orders/O-1/printed" {
				t.Errorf("path = %q", path)
			}
			if got.OrderID != "O-1" || len(got.CategoryIDs) != 2 || !got.IncludeUncategorized {
				t.Errorf("request = %+v", got)
			}
		})
	}
}

func TestClient_ResolveCategoryNames(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"list", `[{"id":1,"name":"Drinks"},{"id":"2","name":"Mains"}]`},
		{"envelope", `{"data":[{"id":1,"name":"Drinks"},{"category_id":2,"title":"Mains"}]}`},
		{"map", `{"1":"Drinks","2":"Mains"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotIDs string
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				gotIDs = r.URL.Query().Get("ids")
				_, _ = w.Write([]byte(tt.body))
			})
			names, err := client.ResolveCategoryNames(context.Background(), []int{1, 2}, "t")
			if err != nil {
				t.Fatalf("ResolveCategoryNames() error = %v", err)
			}
			if gotIDs != "1,2" {
				t.Errorf("ids = %q", gotIDs)
			}
			if names[1] != "Drinks" || names[2] != "Mains" {
				t.Errorf("names = %v", names)
			}
		})
	}
}

func TestClient_ResolveCategoryNamesEmpty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty id list")
	})
	names, err := client.ResolveCategoryNames(context.Background(), nil, "t")
	if err != nil || len(names) != 0 {
		t.Errorf("ResolveCategoryNames(nil) = %v, %v", names, err)
	}
}
