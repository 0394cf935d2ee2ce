// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/printrelay/internal/models"
	"github.com/tomtom215/printrelay/internal/outbox"
	"github.com/tomtom215/printrelay/internal/routing"
	"github.com/tomtom215/printrelay/internal/store"
)

type capturePublisher struct {
	mu    sync.Mutex
	tasks []outbox.MarkPrintedTask
	err   error
}

func (c *capturePublisher) Publish(_ context.Context, task outbox.MarkPrintedTask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)
	return c.err
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedOrder(t *testing.T, s *store.Store) (*models.Order, []models.OrderItem) {
	t.Helper()
	order := &models.Order{OrderID: "1001", Status: models.OrderStatusReceived}
	items := []models.OrderItem{
		{ItemID: "1", Name: "Tea", Quantity: 2, CategoryID: models.CategoryIDPtr(5)},
		{ItemID: "2", Name: "Steak", Quantity: 1, CategoryID: models.CategoryIDPtr(9)},
		{ItemID: "3", Name: "Bread", Quantity: 1},
	}
	if _, err := s.SaveOrder(context.Background(), order, items); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	return order, items
}

func TestPrintSucceeded(t *testing.T) {
	s := newStore(t)
	order, items := seedOrder(t, s)
	pub := &capturePublisher{}
	r := New(s, pub, routing.NewEngine(nil, nil, nil, time.UTC))

	printer := &models.PrinterProfile{ID: "bar", Filter: models.CategoryFilter{Selection: models.SelectCategories(5, 42)}}
	r.PrintSucceeded(context.Background(), order, items, printer)

	got, err := s.GetOrder(context.Background(), "1001")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.OrderStatusPrinted {
		t.Errorf("status = %q, want printed", got.Status)
	}

	stored, _ := s.GetOrderItems(context.Background(), "1001")
	printed := map[string]bool{}
	for _, it := range stored {
		printed[it.Name] = it.Printed
	}
	if !printed["Tea"] || printed["Steak"] || printed["Bread"] {
		t.Errorf("printed flags = %v, want only Tea", printed)
	}

	if len(pub.tasks) != 1 {
		t.Fatalf("published %d tasks, want 1", len(pub.tasks))
	}
	task := pub.tasks[0]
	// Category 42 was selected but nothing matched it.
	if len(task.CategoryIDs) != 1 || task.CategoryIDs[0] != 5 || task.IncludeUncategorized {
		t.Errorf("task = %+v", task)
	}
	if task.PrinterID != "bar" {
		t.Errorf("task printer = %q", task.PrinterID)
	}
}

func TestPrintSucceeded_AllSelection(t *testing.T) {
	s := newStore(t)
	order, items := seedOrder(t, s)
	pub := &capturePublisher{}
	r := New(s, pub, routing.NewEngine(nil, nil, nil, time.UTC))

	printer := &models.PrinterProfile{ID: "main", Filter: models.CategoryFilter{Selection: models.SelectAllCategories()}}
	r.PrintSucceeded(context.Background(), order, items, printer)

	stored, _ := s.GetOrderItems(context.Background(), "1001")
	for _, it := range stored {
		if !it.Printed {
			t.Errorf("item %s not marked printed", it.Name)
		}
	}
	task := pub.tasks[0]
	if len(task.CategoryIDs) != 2 || !task.IncludeUncategorized {
		t.Errorf("task = %+v", task)
	}
}

func TestPrintSucceeded_PublishFailureKeepsLocalState(t *testing.T) {
	s := newStore(t)
	order, items := seedOrder(t, s)
	pub := &capturePublisher{err: errors.New("outbox full")}
	r := New(s, pub, routing.NewEngine(nil, nil, nil, time.UTC))

	r.PrintSucceeded(context.Background(), order, items, &models.PrinterProfile{ID: "p", Filter: models.CategoryFilter{IncludeUncategorized: true}})

	got, _ := s.GetOrder(context.Background(), "1001")
	if got.Status != models.OrderStatusPrinted {
		t.Errorf("status = %q, want printed", got.Status)
	}
	stored, _ := s.GetOrderItems(context.Background(), "1001")
	for _, it := range stored {
		if want := it.CategoryID == nil; it.Printed != want {
			t.Errorf("item %s printed = %v, want %v", it.Name, it.Printed, want)
		}
	}
}

func TestPrintSucceeded_UnknownOrderDoesNotPanic(t *testing.T) {
	s := newStore(t)
	r := New(s, nil, routing.NewEngine(nil, nil, nil, time.UTC))
	order := &models.Order{OrderID: "ghost"}
	items := []models.OrderItem{{Name: "x", Quantity: 1}}

	r.PrintSucceeded(context.Background(), order, items, &models.PrinterProfile{ID: "p", Filter: models.CategoryFilter{Selection: models.SelectAllCategories()}})
	if order.Status == models.OrderStatusPrinted {
		t.Error("status of an unstored order should not change")
	}
}

func TestPrintFailed(t *testing.T) {
	s := newStore(t)
	order, _ := seedOrder(t, s)
	r := New(s, nil, routing.NewEngine(nil, nil, nil, time.UTC))

	r.PrintFailed(context.Background(), order)

	got, _ := s.GetOrder(context.Background(), "1001")
	if got.Status != models.OrderStatusPrintFailed {
		t.Errorf("status = %q, want print_failed", got.Status)
	}
	if order.Status != models.OrderStatusPrintFailed {
		t.Errorf("in-memory status = %q", order.Status)
	}
}
