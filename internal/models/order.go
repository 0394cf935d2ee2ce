// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

// Package models defines the normalized order, printer and job types shared by
// every stage of the pipeline. Upstream payloads are converted into these
// types by the remote decoder; nothing downstream sees raw upstream JSON.
package models

import "time"

// OrderStatus is the local lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusReceived    OrderStatus = "received"
	OrderStatusPrinted     OrderStatus = "printed"
	OrderStatusPrintFailed OrderStatus = "print_failed"
	OrderStatusReady       OrderStatus = "ready"
)

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusReceived, OrderStatusPrinted, OrderStatusPrintFailed, OrderStatusReady:
		return true
	}
	return false
}

// Order is an order header. OrderID is assigned by the remote backend.
type Order struct {
	OrderID        string      `json:"order_id"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at,omitempty"`
	TableNumber    string      `json:"table_number,omitempty"`
	CustomerName   string      `json:"customer_name,omitempty"`
	CustomerPhone  string      `json:"customer_phone,omitempty"`
	GlobalNote     string      `json:"global_note,omitempty"`
	DeliveryMethod string      `json:"delivery_method,omitempty"`
	DeviceID       string      `json:"device_id,omitempty"`
	MerchantUserID string      `json:"merchant_user_id,omitempty"`
}

// OrderItem is one line of an order. A nil CategoryID means uncategorized.
type OrderItem struct {
	ItemID     string `json:"item_id"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	Variant    string `json:"variant,omitempty"`
	CategoryID *int   `json:"category_id,omitempty"`
	Note       string `json:"note,omitempty"`
	Prepared   bool   `json:"prepared"`
	Printed    bool   `json:"printed"`
}

// Uncategorized reports whether the item has no category.
func (i *OrderItem) Uncategorized() bool {
	return i.CategoryID == nil
}

// CategoryIDPtr returns a pointer to id, for building items in code and tests.
func CategoryIDPtr(id int) *int {
	return &id
}

// OrderSnapshot is a self-contained order plus its items. It is the payload
// format of queued print jobs, so a job can complete after a restart without
// a network call.
type OrderSnapshot struct {
	Order Order       `json:"order"`
	Items []OrderItem `json:"items"`
}

// OrderTotalQuantity sums item quantities.
func OrderTotalQuantity(items []OrderItem) int {
	total := 0
	for i := range items {
		total += items[i].Quantity
	}
	return total
}
