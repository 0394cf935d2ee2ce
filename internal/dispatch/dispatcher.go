// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

// Package dispatch sends one order to a set of printers. Printers are tried
// one after another and each is isolated: an error or panic on one printer
// is recorded and the next printer is still attempted.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/printrelay/internal/logging"
	"github.com/tomtom215/printrelay/internal/metrics"
	"github.com/tomtom215/printrelay/internal/models"
	"github.com/tomtom215/printrelay/internal/printer"
)

// Mode selects how receipts are rendered.
type Mode int

const (
	// ModeFiltered renders each printer's filtered view and skips printers
	// with nothing to print.
	ModeFiltered Mode = iota
	// ModeQueueRoles prints the full receipt on main printers
	// unconditionally and the filtered ticket on station printers when it
	// is non-blank.
	ModeQueueRoles
)

func (m Mode) String() string {
	if m == ModeQueueRoles {
		return "queue_roles"
	}
	return "filtered"
}

// Paths label where a dispatch came from.
const (
	PathPoll     = "poll"
	PathRealtime = "realtime"
	PathQueue    = "queue"
	PathManual   = "manual"
)

// Outcome of one printer attempt.
type Outcome string

const (
	OutcomePrinted Outcome = "printed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Renderer produces receipt text.
type Renderer interface {
	FormatOrderForPrinter(ctx context.Context, order *models.Order, items []models.OrderItem, printer *models.PrinterProfile) string
	FormatFullReceipt(ctx context.Context, order *models.Order, items []models.OrderItem, printer *models.PrinterProfile) string
}

// Reconciler records print outcomes.
type Reconciler interface {
	PrintSucceeded(ctx context.Context, order *models.Order, items []models.OrderItem, printer *models.PrinterProfile)
	PrintFailed(ctx context.Context, order *models.Order)
}

// Result is the outcome for one printer.
type Result struct {
	PrinterID string
	Outcome   Outcome
	Err       error
	Duration  time.Duration
}

// Summary aggregates a fan-out.
type Summary struct {
	Succeeded int
	Failed    int
	Skipped   int
	Results   []Result
}

// Dispatcher renders and sends receipts.
type Dispatcher struct {
	renderer   Renderer
	transport  printer.Transport
	reconciler Reconciler
	log        zerolog.Logger
}

// New creates a dispatcher. reconciler may be nil.
func New(renderer Renderer, transport printer.Transport, reconciler Reconciler) *Dispatcher {
	return &Dispatcher{
		renderer:   renderer,
		transport:  transport,
		reconciler: reconciler,
		log:        logging.WithComponent("dispatch"),
	}
}

// Print renders and sends the order to one printer. It never panics.
func (d *Dispatcher) Print(ctx context.Context, order *models.Order, items []models.OrderItem, p *models.PrinterProfile, mode Mode, path string) (res Result) {
	start := time.Now()
	res.PrinterID = p.ID
	log := logging.WithContext(ctx, d.log).With().
		Str("order_id", order.OrderID).
		Str("printer_id", p.ID).
		Str("path", path).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("panic while printing: %v", r)
			log.Error().Interface("panic", r).Msg("Recovered panic during print")
		}
		res.Duration = time.Since(start)
		switch res.Outcome {
		case OutcomePrinted:
			metrics.RecordPrint(path, p.ID, "success", res.Duration)
		case OutcomeFailed:
			metrics.RecordPrint(path, p.ID, "failure", res.Duration)
		default:
			metrics.RecordPrint(path, p.ID, "empty", res.Duration)
		}
	}()

	content := d.render(ctx, order, items, p, mode)
	if content == "" {
		res.Outcome = OutcomeSkipped
		log.Info().Str("event", "no_matching_items").Msg("No matching items for printer")
		return res
	}

	if err := d.transport.Send(ctx, *p, content); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		log.Warn().Err(err).Msg("Print failed")
		return res
	}

	res.Outcome = OutcomePrinted
	log.Info().Str("printer", p.DisplayName()).Msg("Order printed")
	return res
}

func (d *Dispatcher) render(ctx context.Context, order *models.Order, items []models.OrderItem, p *models.PrinterProfile, mode Mode) string {
	if mode == ModeQueueRoles && p.Role != models.RoleStation {
		return d.renderer.FormatFullReceipt(ctx, order, items, p)
	}
	return d.renderer.FormatOrderForPrinter(ctx, order, items, p)
}

// FanOut prints to every printer in turn, reconciles each success and
// marks the order print_failed when at least one printer was attempted and
// none succeeded.
func (d *Dispatcher) FanOut(ctx context.Context, order *models.Order, items []models.OrderItem, printers []models.PrinterProfile, mode Mode, path string) Summary {
	summary := Summary{Results: make([]Result, 0, len(printers))}

	for i := range printers {
		if ctx.Err() != nil {
			break
		}
		p := &printers[i]
		res := d.Print(ctx, order, items, p, mode, path)
		summary.Results = append(summary.Results, res)

		switch res.Outcome {
		case OutcomePrinted:
			summary.Succeeded++
			d.reconcileSuccess(ctx, order, items, p)
		case OutcomeFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
	}

	if summary.Succeeded == 0 && summary.Failed > 0 && d.reconciler != nil {
		d.reconciler.PrintFailed(ctx, order)
	}
	return summary
}

func (d *Dispatcher) reconcileSuccess(ctx context.Context, order *models.Order, items []models.OrderItem, p *models.PrinterProfile) {
	if d.reconciler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("order_id", order.OrderID).Msg("Recovered panic during reconcile")
		}
	}()
	d.reconciler.PrintSucceeded(ctx, order, items, p)
}
