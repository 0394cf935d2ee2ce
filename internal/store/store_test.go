// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/printrelay/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func item(name string, qty int, category *int) models.OrderItem {
	return models.OrderItem{ItemID: name, Name: name, Quantity: qty, CategoryID: category}
}

func TestSaveOrder_ReportsExistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	order := &models.Order{OrderID: "1001"}

	existed, err := s.SaveOrder(ctx, order, []models.OrderItem{item("Tea", 2, models.CategoryIDPtr(5))})
	if err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	if existed {
		t.Error("first save reported existed=true")
	}

	existed, err = s.SaveOrder(ctx, order, []models.OrderItem{item("Tea", 2, models.CategoryIDPtr(5))})
	if err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	if !existed {
		t.Error("second save reported existed=false")
	}

	ok, err := s.OrderExists(ctx, "1001")
	if err != nil || !ok {
		t.Errorf("OrderExists = %v, %v", ok, err)
	}
	ok, _ = s.OrderExists(ctx, "100")
	if ok {
		t.Error("OrderExists matched a prefix of another order id")
	}
}

func TestSaveOrder_ConcurrentNewOrderOnlyOnceNew(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			existed, err := s.SaveOrder(ctx, &models.Order{OrderID: "55"}, []models.OrderItem{item("Soup", 1, nil)})
			if err != nil {
				t.Errorf("SaveOrder: %v", err)
				return
			}
			if !existed {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Errorf("%d saves reported a new order, want 1", fresh)
	}
}

func TestReplaceItems_FullReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertOrder(ctx, &models.Order{OrderID: "7"}); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}
	first := []models.OrderItem{item("A", 1, nil), item("B", 1, nil), item("C", 1, nil)}
	if err := s.ReplaceItems(ctx, "7", first); err != nil {
		t.Fatalf("ReplaceItems: %v", err)
	}
	if err := s.ReplaceItems(ctx, "7", []models.OrderItem{item("D", 3, models.CategoryIDPtr(2))}); err != nil {
		t.Fatalf("ReplaceItems: %v", err)
	}

	got, err := s.GetOrderItems(ctx, "7")
	if err != nil {
		t.Fatalf("GetOrderItems: %v", err)
	}
	if len(got) != 1 || got[0].Name != "D" || got[0].Quantity != 3 {
		t.Errorf("items after replace = %+v, want only D x3", got)
	}
}

func TestReplaceItems_RequiresParent(t *testing.T) {
	s := newTestStore(t)
	err := s.ReplaceItems(context.Background(), "ghost", []models.OrderItem{item("A", 1, nil)})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestGetOrderItems_IsolatedByOrderID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.SaveOrder(ctx, &models.Order{OrderID: "1"}, []models.OrderItem{item("One", 1, nil)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveOrder(ctx, &models.Order{OrderID: "10"}, []models.OrderItem{item("Ten", 1, nil)}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetOrderItems(ctx, "1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "One" {
		t.Errorf("items of order 1 = %+v", got)
	}
}

func TestUpsertOrder_KeepsReconciledStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertOrder(ctx, &models.Order{OrderID: "9", CustomerName: "Ana"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateOrderStatus(ctx, "9", models.OrderStatusPrinted); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertOrder(ctx, &models.Order{OrderID: "9", CustomerName: "Ana B"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetOrder(ctx, "9")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.OrderStatusPrinted {
		t.Errorf("status = %s, want printed", got.Status)
	}
	if got.CustomerName != "Ana B" {
		t.Errorf("customer = %q, want overwritten header", got.CustomerName)
	}

	if err := s.UpsertOrder(ctx, &models.Order{OrderID: "9", Status: models.OrderStatusReady}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetOrder(ctx, "9")
	if got.Status != models.OrderStatusReady {
		t.Errorf("status = %s, want upstream ready", got.Status)
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpdateOrderStatus(ctx, "missing", models.OrderStatusPrintFailed); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
	if err := s.UpsertOrder(ctx, &models.Order{OrderID: "3"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateOrderStatus(ctx, "3", "lost"); err == nil {
		t.Error("expected error for invalid status")
	}
	if err := s.UpdateOrderStatus(ctx, "3", models.OrderStatusPrintFailed); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetOrder(ctx, "3")
	if got.Status != models.OrderStatusPrintFailed {
		t.Errorf("status = %s", got.Status)
	}
}

func TestUpdateItemsPrintedForCategories(t *testing.T) {
	tests := []struct {
		name          string
		categories    []int
		uncategorized bool
		wantPrinted   map[string]bool
	}{
		{"category only", []int{5}, false, map[string]bool{"Tea": true, "Cake": false, "Water": false}},
		{"uncategorized only", nil, true, map[string]bool{"Tea": false, "Cake": false, "Water": true}},
		{"both", []int{5, 7}, true, map[string]bool{"Tea": true, "Cake": true, "Water": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			items := []models.OrderItem{
				item("Tea", 2, models.CategoryIDPtr(5)),
				item("Cake", 1, models.CategoryIDPtr(7)),
				item("Water", 1, nil),
			}
			if _, err := s.SaveOrder(ctx, &models.Order{OrderID: "1001"}, items); err != nil {
				t.Fatal(err)
			}

			if _, err := s.UpdateItemsPrintedForCategories(ctx, "1001", tt.categories, tt.uncategorized); err != nil {
				t.Fatalf("UpdateItemsPrintedForCategories: %v", err)
			}

			got, _ := s.GetOrderItems(ctx, "1001")
			for _, it := range got {
				if it.Printed != tt.wantPrinted[it.Name] {
					t.Errorf("%s printed = %v, want %v", it.Name, it.Printed, tt.wantPrinted[it.Name])
				}
			}
		})
	}
}

func TestClosedStore(t *testing.T) {
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Ping after close = %v", err)
	}
	if _, err := s.OrderExists(context.Background(), "1"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("err = %v, want ErrStoreClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestUpsertOrder_SetsTimestamps(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.UpsertOrder(context.Background(), &models.Order{OrderID: "t"}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetOrder(context.Background(), "t")
	if !got.CreatedAt.Equal(fixed) || !got.UpdatedAt.Equal(fixed) {
		t.Errorf("timestamps = %v / %v, want %v", got.CreatedAt, got.UpdatedAt, fixed)
	}
	if got.Status != models.OrderStatusReceived {
		t.Errorf("status = %s, want received", got.Status)
	}
}
