// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/printrelay/internal/logging"
	"github.com/tomtom215/printrelay/internal/metrics"
	"github.com/tomtom215/printrelay/internal/models"
	"github.com/tomtom215/printrelay/internal/printer"
	"github.com/tomtom215/printrelay/internal/routing"
)

type sentReceipt struct {
	printerID string
	content   string
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentReceipt
	failFor map[string]error
	panicOn string
}

func (f *fakeTransport) Send(_ context.Context, p models.PrinterProfile, content string) error {
	if p.ID == f.panicOn {
		panic("driver crashed")
	}
	if err := f.failFor[p.ID]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentReceipt{printerID: p.ID, content: content})
	return nil
}

type fakeReconciler struct {
	succeeded []string
	failed    int
}

func (f *fakeReconciler) PrintSucceeded(_ context.Context, _ *models.Order, _ []models.OrderItem, p *models.PrinterProfile) {
	f.succeeded = append(f.succeeded, p.ID)
}

func (f *fakeReconciler) PrintFailed(context.Context, *models.Order) {
	f.failed++
}

var _ printer.Transport = (*fakeTransport)(nil)

func testOrder() (*models.Order, []models.OrderItem) {
	return &models.Order{OrderID: "1001"}, []models.OrderItem{
		{Name: "Tea", Quantity: 2, CategoryID: models.CategoryIDPtr(5)},
	}
}

func printerFor(id string, role models.PrinterRole, categories ...int) models.PrinterProfile {
	return models.PrinterProfile{ID: id, Role: role, Filter: models.CategoryFilter{Selection: models.SelectCategories(categories...)}}
}

func newDispatcher(tr printer.Transport, rec Reconciler) *Dispatcher {
	return New(routing.NewEngine(nil, nil, nil, time.UTC), tr, rec)
}

func TestFanOut_FilteredSkipsNonMatching(t *testing.T) {
	tr := &fakeTransport{}
	rec := &fakeReconciler{}
	d := newDispatcher(tr, rec)
	order, items := testOrder()

	printers := []models.PrinterProfile{
		printerFor("A", models.RoleMain, 5),
		printerFor("B", models.RoleMain, 9),
	}
	sum := d.FanOut(context.Background(), order, items, printers, ModeFiltered, PathPoll)

	if sum.Succeeded != 1 || sum.Skipped != 1 || sum.Failed != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if len(tr.sent) != 1 || tr.sent[0].printerID != "A" {
		t.Errorf("sent = %+v", tr.sent)
	}
	if len(rec.succeeded) != 1 || rec.failed != 0 {
		t.Errorf("reconciler = %+v", rec)
	}
}

func TestFanOut_FailureIsolation(t *testing.T) {
	tr := &fakeTransport{failFor: map[string]error{"A": errors.New("paper out")}, panicOn: "B"}
	rec := &fakeReconciler{}
	d := newDispatcher(tr, rec)
	order, items := testOrder()

	printers := []models.PrinterProfile{
		printerFor("A", models.RoleMain, 5),
		printerFor("B", models.RoleMain, 5),
		printerFor("C", models.RoleMain, 5),
	}
	sum := d.FanOut(context.Background(), order, items, printers, ModeFiltered, PathRealtime)

	if sum.Succeeded != 1 || sum.Failed != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Results[1].Err == nil {
		t.Error("panic was not reported as an error")
	}
	if rec.failed != 0 {
		t.Error("order marked print_failed although one printer succeeded")
	}
}

func TestFanOut_AllFailedMarksPrintFailed(t *testing.T) {
	tr := &fakeTransport{failFor: map[string]error{"A": errors.New("offline"), "B": errors.New("offline")}}
	rec := &fakeReconciler{}
	d := newDispatcher(tr, rec)
	order, items := testOrder()

	before := testutil.ToFloat64(metrics.PrintAttempts.WithLabelValues(PathManual, "failure"))
	sum := d.FanOut(context.Background(), order, items, []models.PrinterProfile{
		printerFor("A", models.RoleMain, 5),
		printerFor("B", models.RoleMain, 5),
	}, ModeFiltered, PathManual)

	if sum.Failed != 2 || rec.failed != 1 {
		t.Errorf("summary = %+v, failed calls = %d", sum, rec.failed)
	}
	if got := testutil.ToFloat64(metrics.PrintAttempts.WithLabelValues(PathManual, "failure")) - before; got != 2 {
		t.Errorf("failure metric delta = %v, want 2", got)
	}
}

func TestFanOut_AllSkippedLeavesStatus(t *testing.T) {
	rec := &fakeReconciler{}
	d := newDispatcher(&fakeTransport{}, rec)
	order, items := testOrder()

	sum := d.FanOut(context.Background(), order, items, []models.PrinterProfile{printerFor("B", models.RoleMain, 9)}, ModeFiltered, PathPoll)
	if sum.Skipped != 1 || rec.failed != 0 {
		t.Errorf("summary = %+v, failed calls = %d", sum, rec.failed)
	}
}

func TestFanOut_QueueRoles(t *testing.T) {
	tr := &fakeTransport{}
	d := newDispatcher(tr, &fakeReconciler{})
	order, items := testOrder()

	printers := []models.PrinterProfile{
		printerFor("front", models.RoleMain, 9),
		printerFor("grill", models.RoleStation, 9),
		printerFor("bar", models.RoleStation, 5),
	}
	sum := d.FanOut(context.Background(), order, items, printers, ModeQueueRoles, PathQueue)

	if sum.Succeeded != 2 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	got := map[string]bool{}
	for _, s := range tr.sent {
		got[s.printerID] = true
	}
	if !got["front"] || !got["bar"] || got["grill"] {
		t.Errorf("printed on %v, want front and bar", got)
	}
}

func TestFanOut_StopsOnCanceledContext(t *testing.T) {
	tr := &fakeTransport{}
	d := newDispatcher(tr, nil)
	order, items := testOrder()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum := d.FanOut(ctx, order, items, []models.PrinterProfile{printerFor("A", models.RoleMain, 5)}, ModeFiltered, PathPoll)
	if len(sum.Results) != 0 || len(tr.sent) != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestPrint_NoMatchingItemsLoggedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	d := newDispatcher(&fakeTransport{}, nil)
	d.log = logging.NewTestLogger(&buf)
	order, items := testOrder()

	p := printerFor("bar", models.RoleStation, 9)
	res := d.Print(context.Background(), order, items, &p, ModeFiltered, PathPoll)
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %v, want skipped", res.Outcome)
	}

	var line string
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(l, "no_matching_items") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("no no_matching_items line in %q", buf.String())
	}
	for _, want := range []string{`"level":"info"`, `"printer_id":"bar"`, `"order_id":"1001"`, `"path":"poll"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %s missing %s", line, want)
		}
	}
}
