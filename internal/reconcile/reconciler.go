// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

// Package reconcile records print outcomes. The local update is synchronous
// and authoritative; the remote notification goes through the outbox and
// never blocks or rolls back local state.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/printrelay/internal/logging"
	"github.com/tomtom215/printrelay/internal/models"
	"github.com/tomtom215/printrelay/internal/outbox"
	"github.com/tomtom215/printrelay/internal/routing"
)

// OrderStore is the subset of the store the reconciler writes to.
type OrderStore interface {
	UpdateItemsPrintedForCategories(ctx context.Context, orderID string, categoryIDs []int, includeUncategorized bool) (int, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error
}

// Publisher queues remote notifications.
type Publisher interface {
	Publish(ctx context.Context, task outbox.MarkPrintedTask) error
}

// FilterResolver resolves a printer's effective category filter.
type FilterResolver interface {
	EffectiveFilter(ctx context.Context, printer *models.PrinterProfile) models.CategoryFilter
}

// Reconciler applies print outcomes to local and remote state.
type Reconciler struct {
	store     OrderStore
	publisher Publisher
	filters   FilterResolver
	log       zerolog.Logger
}

// New creates a reconciler. publisher may be nil to skip remote updates.
func New(store OrderStore, publisher Publisher, filters FilterResolver) *Reconciler {
	return &Reconciler{
		store:     store,
		publisher: publisher,
		filters:   filters,
		log:       logging.WithComponent("reconcile"),
	}
}

// PrintSucceeded marks the categories this printer printed, queues the
// remote update and sets the order status to printed. Errors are logged,
// never returned.
func (r *Reconciler) PrintSucceeded(ctx context.Context, order *models.Order, items []models.OrderItem, printer *models.PrinterProfile) {
	log := logging.WithContext(ctx, r.log).With().
		Str("order_id", order.OrderID).
		Str("printer_id", printer.ID).
		Logger()

	filter := r.filters.EffectiveFilter(ctx, printer)
	categoryIDs, uncategorized := routing.MatchedCategories(items, filter)

	if len(categoryIDs) > 0 || uncategorized {
		n, err := r.store.UpdateItemsPrintedForCategories(ctx, order.OrderID, categoryIDs, uncategorized)
		if err != nil {
			log.Warn().Err(err).Msg("Could not mark items printed")
		} else {
			log.Debug().Int("items", n).Ints("category_ids", categoryIDs).Msg("Items marked printed")
		}

		if r.publisher != nil {
			task := outbox.MarkPrintedTask{
				OrderID:              order.OrderID,
				CategoryIDs:          categoryIDs,
				IncludeUncategorized: uncategorized,
				PrinterID:            printer.ID,
				CreatedAt:            time.Now(),
			}
			if err := r.publisher.Publish(ctx, task); err != nil {
				log.Warn().Err(err).Msg("Remote mark-printed not queued")
			}
		}
	}

	if err := r.store.UpdateOrderStatus(ctx, order.OrderID, models.OrderStatusPrinted); err != nil {
		log.Warn().Err(err).Msg("Could not set order status to printed")
		return
	}
	order.Status = models.OrderStatusPrinted
}

// PrintFailed sets the order status to print_failed. Callers invoke it
// only when no printer succeeded.
func (r *Reconciler) PrintFailed(ctx context.Context, order *models.Order) {
	if err := r.store.UpdateOrderStatus(ctx, order.OrderID, models.OrderStatusPrintFailed); err != nil {
		log := logging.WithContext(ctx, r.log)
		log.Warn().Err(err).Str("order_id", order.OrderID).Msg("Could not set order status to print_failed")
		return
	}
	order.Status = models.OrderStatusPrintFailed
}
