// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package routing

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/printrelay/internal/cache"
	"github.com/tomtom215/printrelay/internal/logging"
	"github.com/tomtom215/printrelay/internal/models"
	"github.com/tomtom215/printrelay/internal/registry"
)

// NameLookup resolves category ids to display names. Missing ids are simply
// absent from the result.
type NameLookup func(ctx context.Context, ids []int) (map[int]string, error)

// Engine renders orders for printers.
type Engine struct {
	registry registry.Registry
	lookup   NameLookup
	names    *cache.Cache
	loc      *time.Location
	log      zerolog.Logger
}

// NewEngine creates a routing engine. lookup may be nil, in which case
// every category renders as "Category N". names caches lookups; a nil
// cache disables caching.
func NewEngine(reg registry.Registry, lookup NameLookup, names *cache.Cache, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		registry: reg,
		lookup:   lookup,
		names:    names,
		loc:      loc,
		log:      logging.WithComponent("routing"),
	}
}

// EffectiveFilter resolves the filter a printer prints with:
//  1. a printer selecting All prints everything;
//  2. a printer that selects no categories and excludes uncategorized
//     items falls back to the merchant-wide selection when one exists;
//  3. otherwise the printer's own filter applies.
func (e *Engine) EffectiveFilter(ctx context.Context, printer *models.PrinterProfile) models.CategoryFilter {
	if printer.Filter.Selection.IsAll() {
		return printer.Filter
	}
	if printer.Filter.Empty() {
		if e.registry == nil {
			return printer.Filter
		}
		global, ok, err := e.registry.GlobalCategorySelection(ctx)
		if err != nil {
			e.log.Warn().Err(err).Str("printer_id", printer.ID).Msg("Global category selection unavailable")
			return printer.Filter
		}
		if ok {
			return global
		}
	}
	return printer.Filter
}

// FilterItems returns the items the filter matches, in input order.
func FilterItems(items []models.OrderItem, filter models.CategoryFilter) []models.OrderItem {
	out := make([]models.OrderItem, 0, len(items))
	for i := range items {
		if filter.Matches(&items[i]) {
			out = append(out, items[i])
		}
	}
	return out
}

// MatchedCategories returns the sorted category ids among the items the
// filter matches, and whether any matched item is uncategorized.
func MatchedCategories(items []models.OrderItem, filter models.CategoryFilter) (ids []int, uncategorized bool) {
	seen := make(map[int]struct{})
	for i := range items {
		item := &items[i]
		if !filter.Matches(item) {
			continue
		}
		if item.CategoryID == nil {
			uncategorized = true
			continue
		}
		if _, ok := seen[*item.CategoryID]; !ok {
			seen[*item.CategoryID] = struct{}{}
			ids = append(ids, *item.CategoryID)
		}
	}
	sort.Ints(ids)
	return ids, uncategorized
}

// FormatOrderForPrinter renders the order for one printer. An empty string
// means nothing on the order is for this printer.
func (e *Engine) FormatOrderForPrinter(ctx context.Context, order *models.Order, items []models.OrderItem, printer *models.PrinterProfile) string {
	filtered := FilterItems(items, e.EffectiveFilter(ctx, printer))
	if len(filtered) == 0 {
		return ""
	}
	names := e.categoryNames(ctx, filtered)
	if printer.Role == models.RoleStation {
		return renderStation(order, filtered, names, printer.PaperWidthMM)
	}
	return renderMain(order, filtered, names, printer.PaperWidthMM, e.loc)
}

// FormatFullReceipt renders the customer receipt with every item,
// ignoring category filters. Used for main printers on queued jobs.
func (e *Engine) FormatFullReceipt(ctx context.Context, order *models.Order, items []models.OrderItem, printer *models.PrinterProfile) string {
	return renderMain(order, items, e.categoryNames(ctx, items), printer.PaperWidthMM, e.loc)
}

// categoryNames returns names for every category on items, from cache
// first and then with one remote lookup for the rest.
func (e *Engine) categoryNames(ctx context.Context, items []models.OrderItem) map[int]string {
	names := make(map[int]string)
	var missing []int
	for i := range items {
		if items[i].CategoryID == nil {
			continue
		}
		id := *items[i].CategoryID
		if _, done := names[id]; done {
			continue
		}
		if e.names != nil {
			if v, ok := e.names.Get(cacheKey(id)); ok {
				if s, ok := v.(string); ok {
					names[id] = s
					continue
				}
			}
		}
		names[id] = ""
		missing = append(missing, id)
	}

	if len(missing) > 0 && e.lookup != nil {
		sort.Ints(missing)
		resolved, err := e.lookup(ctx, missing)
		if err != nil {
			e.log.Debug().Err(err).Ints("category_ids", missing).Msg("Category name lookup failed")
		}
		for id, name := range resolved {
			if name == "" {
				continue
			}
			names[id] = name
			if e.names != nil {
				e.names.Set(cacheKey(id), name)
			}
		}
		// Ids the backend does not know are remembered briefly so every
		// receipt does not repeat the lookup. Failed lookups are not cached.
		if err == nil && e.names != nil {
			for _, id := range missing {
				if names[id] == "" {
					e.names.SetWithTTL(cacheKey(id), "", unknownNameTTL)
				}
			}
		}
	}

	for id, name := range names {
		if name == "" {
			names[id] = fallbackName(id)
		}
	}
	return names
}

const unknownNameTTL = time.Minute

func cacheKey(id int) string {
	return "category:" + strconv.Itoa(id)
}

func fallbackName(id int) string {
	return "Category " + strconv.Itoa(id)
}
