// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package routing

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/printrelay/internal/models"
)

// Receipt layout constants.
const (
	WideDividerWidth   = 48
	NarrowDividerWidth = 32
	widePaperMinMM     = 72

	// TimestampLayout prints dd/MM/yyyy - hh:mm a.
	TimestampLayout = "02/01/2006 - 03:04 PM"

	uncategorizedHeader = "Other"
	thankYouLine        = "Thank you for your order!"
)

// Divider returns the page divider for a paper width.
func Divider(paperWidthMM int) string {
	if paperWidthMM >= widePaperMinMM {
		return strings.Repeat("-", WideDividerWidth)
	}
	return strings.Repeat("-", NarrowDividerWidth)
}

// isBlank reports placeholder values that must not be printed.
func isBlank(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, "none") || strings.EqualFold(s, "null")
}

func writeField(b *strings.Builder, label, value string) {
	if isBlank(value) {
		return
	}
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(strings.TrimSpace(value))
	b.WriteByte('\n')
}

func itemLine(item *models.OrderItem) string {
	return item.Name + " x" + strconv.Itoa(item.Quantity)
}

func writeItemDetails(b *strings.Builder, item *models.OrderItem) {
	if !isBlank(item.Variant) {
		b.WriteString("   ")
		b.WriteString(strings.TrimSpace(item.Variant))
		b.WriteByte('\n')
	}
	if !isBlank(item.Note) {
		b.WriteString("   Note: ")
		b.WriteString(strings.TrimSpace(item.Note))
		b.WriteByte('\n')
	}
}

// renderStation groups items under a header per category, categories in
// ascending id order and uncategorized items last.
func renderStation(order *models.Order, items []models.OrderItem, names map[int]string, paperWidthMM int) string {
	divider := Divider(paperWidthMM)

	groups := make(map[int][]*models.OrderItem)
	var categoryIDs []int
	var uncategorized []*models.OrderItem
	for i := range items {
		item := &items[i]
		if item.CategoryID == nil {
			uncategorized = append(uncategorized, item)
			continue
		}
		id := *item.CategoryID
		if _, ok := groups[id]; !ok {
			categoryIDs = append(categoryIDs, id)
		}
		groups[id] = append(groups[id], item)
	}
	sort.Ints(categoryIDs)

	var b strings.Builder
	b.WriteString("ORDER #")
	b.WriteString(order.OrderID)
	b.WriteByte('\n')
	writeField(&b, "Table", order.TableNumber)
	writeField(&b, "Delivery", order.DeliveryMethod)
	b.WriteString(divider)
	b.WriteByte('\n')

	writeGroup := func(header string, group []*models.OrderItem) {
		b.WriteString("[")
		b.WriteString(header)
		b.WriteString("]\n")
		for _, item := range group {
			b.WriteString(itemLine(item))
			b.WriteByte('\n')
			writeItemDetails(&b, item)
		}
		b.WriteString(divider)
		b.WriteByte('\n')
	}
	for _, id := range categoryIDs {
		writeGroup(names[id], groups[id])
	}
	if len(uncategorized) > 0 {
		writeGroup(uncategorizedHeader, uncategorized)
	}

	writeField(&b, "Order note", order.GlobalNote)
	return b.String()
}

// renderMain renders the flat customer receipt.
func renderMain(order *models.Order, items []models.OrderItem, names map[int]string, paperWidthMM int, loc *time.Location) string {
	divider := Divider(paperWidthMM)

	var b strings.Builder
	b.WriteString("Order #")
	b.WriteString(order.OrderID)
	b.WriteByte('\n')
	if !order.CreatedAt.IsZero() {
		writeField(&b, "Date", order.CreatedAt.In(loc).Format(TimestampLayout))
	}
	writeField(&b, "Status", string(order.Status))
	writeField(&b, "Customer", order.CustomerName)
	writeField(&b, "Phone", order.CustomerPhone)
	writeField(&b, "Table", order.TableNumber)
	writeField(&b, "Delivery", order.DeliveryMethod)
	writeField(&b, "Note", order.GlobalNote)
	b.WriteString(divider)
	b.WriteByte('\n')

	for i := range items {
		item := &items[i]
		b.WriteString(itemLine(item))
		if item.CategoryID != nil {
			b.WriteString(" [")
			b.WriteString(names[*item.CategoryID])
			b.WriteString("]")
		}
		b.WriteByte('\n')
		writeItemDetails(&b, item)
	}

	b.WriteString(divider)
	b.WriteByte('\n')
	b.WriteString("Items: ")
	b.WriteString(strconv.Itoa(models.OrderTotalQuantity(items)))
	b.WriteByte('\n')
	b.WriteString(thankYouLine)
	b.WriteByte('\n')
	return b.String()
}
