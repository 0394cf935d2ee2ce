// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

/*
orders.go - Order and Item Operations

Orders are keyed by the backend's order id. Items live under the order's
own prefix, one key per item, numbered in the order the backend sent them.

Ingestion writes through SaveOrder, which upserts the header and replaces
the whole item set in one transaction and reports whether the order was
already stored. That flag is what decides whether an order is auto-printed.

Status Rules:
  - A re-ingested order that only reports "received" keeps a locally
    reconciled status (printed, print_failed, ready)
  - Any other backend status overwrites the local one
  - UpdateOrderStatus and UpdateItemsPrintedForCategories are the
    reconciler's writes after a successful or failed print
*/

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/printrelay/internal/models"
)

func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

// itemPrefix ends in NUL so order "1" never matches items of order "10".
func itemPrefix(orderID string) []byte {
	return []byte(prefixItem + orderID + "\x00")
}

func itemKey(orderID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%06d", prefixItem, orderID, seq))
}

// OrderExists reports whether an order header is stored.
func (s *Store) OrderExists(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := s.view(func(txn *badger.Txn) error {
		var err error
		exists, err = orderExistsTxn(txn, orderID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check order %s: %w", orderID, err)
	}
	return exists, nil
}

func orderExistsTxn(txn *badger.Txn, orderID string) (bool, error) {
	_, err := txn.Get(orderKey(orderID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetOrder loads an order header.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order *models.Order
	err := s.view(func(txn *badger.Txn) error {
		var err error
		order, err = getOrderTxn(txn, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func getOrderTxn(txn *badger.Txn, orderID string) (*models.Order, error) {
	item, err := txn.Get(orderKey(orderID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	var order models.Order
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &order)
	}); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	return &order, nil
}

// GetOrderItems returns the order's items in the order they were stored.
func (s *Store) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.view(func(txn *badger.Txn) error {
		var err error
		items, err = getItemsTxn(ctx, txn, orderID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get items for order %s: %w", orderID, err)
	}
	return items, nil
}

func getItemsTxn(ctx context.Context, txn *badger.Txn, orderID string) ([]models.OrderItem, error) {
	prefix := itemPrefix(orderID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	items := []models.OrderItem{}
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var oi models.OrderItem
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &oi)
		}); err != nil {
			return nil, fmt.Errorf("decode item %q: %w", it.Item().Key(), err)
		}
		items = append(items, oi)
	}
	return items, nil
}

// ListOrders returns every stored order header.
func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := s.view(func(txn *badger.Txn) error {
		prefix := []byte(prefixOrder)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var o models.Order
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &o)
			}); err != nil {
				return fmt.Errorf("decode order %q: %w", it.Item().Key(), err)
			}
			orders = append(orders, o)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// UpsertOrder creates or overwrites an order header.
func (s *Store) UpsertOrder(ctx context.Context, order *models.Order) error {
	if order.OrderID == "" {
		return ErrEmptyOrderID
	}
	err := s.update(func(txn *badger.Txn) error {
		return s.upsertOrderTxn(txn, order)
	})
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", order.OrderID, err)
	}
	return nil
}

// upsertOrderTxn writes the header. A locally reconciled status (printed,
// print_failed, ready) survives a re-ingestion that only reports "received".
func (s *Store) upsertOrderTxn(txn *badger.Txn, order *models.Order) error {
	stored := *order
	if stored.Status == "" {
		stored.Status = models.OrderStatusReceived
	}

	existing, err := getOrderTxn(txn, order.OrderID)
	switch {
	case err == nil:
		if stored.Status == models.OrderStatusReceived {
			stored.Status = existing.Status
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = existing.CreatedAt
		}
	case errors.Is(err, ErrOrderNotFound):
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = s.now()
		}
	default:
		return err
	}
	stored.UpdatedAt = s.now()

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	return txn.Set(orderKey(order.OrderID), data)
}

// ReplaceItems deletes every item of the order and inserts items, in one
// transaction. The order header must already exist.
func (s *Store) ReplaceItems(ctx context.Context, orderID string, items []models.OrderItem) error {
	err := s.update(func(txn *badger.Txn) error {
		exists, err := orderExistsTxn(txn, orderID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return replaceItemsTxn(txn, orderID, items)
	})
	if err != nil {
		return fmt.Errorf("replace items for order %s: %w", orderID, err)
	}
	return nil
}

func replaceItemsTxn(txn *badger.Txn, orderID string, items []models.OrderItem) error {
	prefix := itemPrefix(orderID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var stale [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		stale = append(stale, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range stale {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}

	for i := range items {
		data, err := json.Marshal(&items[i])
		if err != nil {
			return fmt.Errorf("encode item %d: %w", i, err)
		}
		if err := txn.Set(itemKey(orderID, i), data); err != nil {
			return err
		}
	}
	return nil
}

// SaveOrder upserts the header and replaces the items in one transaction and
// reports whether the order existed beforehand. Two concurrent saves of the
// same new order cannot both report existed=false: the loser of the write
// conflict is retried and sees the winner's row.
func (s *Store) SaveOrder(ctx context.Context, order *models.Order, items []models.OrderItem) (existed bool, err error) {
	if order.OrderID == "" {
		return false, ErrEmptyOrderID
	}
	err = s.update(func(txn *badger.Txn) error {
		var err error
		existed, err = orderExistsTxn(txn, order.OrderID)
		if err != nil {
			return err
		}
		if err := s.upsertOrderTxn(txn, order); err != nil {
			return err
		}
		return replaceItemsTxn(txn, order.OrderID, items)
	})
	if err != nil {
		return false, fmt.Errorf("save order %s: %w", order.OrderID, err)
	}
	return existed, nil
}

// UpdateOrderStatus sets the local status of an order.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid order status %q", status)
	}
	err := s.update(func(txn *badger.Txn) error {
		order, err := getOrderTxn(txn, orderID)
		if err != nil {
			return err
		}
		order.Status = status
		order.UpdatedAt = s.now()
		data, err := json.Marshal(order)
		if err != nil {
			return err
		}
		return txn.Set(orderKey(orderID), data)
	})
	if err != nil {
		return fmt.Errorf("update status of order %s: %w", orderID, err)
	}
	return nil
}

// UpdateItemsPrintedForCategories marks printed=true on every item whose
// category is in categoryIDs, plus uncategorized items when
// includeUncategorized is set. Returns the number of items changed.
func (s *Store) UpdateItemsPrintedForCategories(ctx context.Context, orderID string, categoryIDs []int, includeUncategorized bool) (int, error) {
	wanted := make(map[int]struct{}, len(categoryIDs))
	for _, id := range categoryIDs {
		wanted[id] = struct{}{}
	}

	changed := 0
	err := s.update(func(txn *badger.Txn) error {
		changed = 0
		prefix := itemPrefix(orderID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		type pending struct {
			key  []byte
			item models.OrderItem
		}
		var updates []pending
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var oi models.OrderItem
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &oi)
			}); err != nil {
				it.Close()
				return err
			}
			match := false
			if oi.CategoryID == nil {
				match = includeUncategorized
			} else {
				_, match = wanted[*oi.CategoryID]
			}
			if match && !oi.Printed {
				oi.Printed = true
				updates = append(updates, pending{key: it.Item().KeyCopy(nil), item: oi})
			}
		}
		it.Close()

		for _, u := range updates {
			data, err := json.Marshal(&u.item)
			if err != nil {
				return err
			}
			if err := txn.Set(u.key, data); err != nil {
				return err
			}
		}
		changed = len(updates)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark items printed for order %s: %w", orderID, err)
	}
	return changed, nil
}
