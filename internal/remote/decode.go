// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package remote

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/printrelay/internal/models"
)

// Response classification errors.
var (
	ErrEmptyBody       = errors.New("empty response body")
	ErrHTMLPage        = errors.New("response is an HTML page")
	ErrUnrecognized    = errors.New("unrecognized response shape")
	ErrFailureEnvelope = errors.New("backend reported failure")
	ErrEmptyData       = errors.New("response contains no orders")
)

// previewLimit bounds diagnostic previews of upstream data in logs.
const previewLimit = 160

// FailureEnvelopeError carries the message of a success=false envelope.
type FailureEnvelopeError struct {
	Message string
}

func (e *FailureEnvelopeError) Error() string {
	if e.Message == "" {
		return ErrFailureEnvelope.Error()
	}
	return fmt.Sprintf("%s: %s", ErrFailureEnvelope, e.Message)
}

func (e *FailureEnvelopeError) Unwrap() error { return ErrFailureEnvelope }

// IsAuthFailure reports whether the envelope message names an auth problem.
func (e *FailureEnvelopeError) IsAuthFailure() bool {
	msg := strings.ToLower(e.Message)
	for _, hint := range []string{"unauthor", "unauthenticated", "forbidden", "token", "login", "auth"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// SkippedRecord describes one upstream record that could not be normalized.
type SkippedRecord struct {
	Index   int
	Reason  string
	Preview string
}

// Batch is the normalized result of one orders response.
type Batch struct {
	Orders  []models.OrderSnapshot
	Skipped []SkippedRecord
}

// envelopeKeys are tried in order when the root is an object.
var envelopeKeys = []string{"data", "orders", "results", "list", "items"}

// extractStrategy pulls the list of raw order records out of a decoded body.
// ok=false means the strategy does not apply.
type extractStrategy func(root interface{}) (records []interface{}, ok bool)

var extractStrategies = []extractStrategy{
	extractRootArray,
	extractEnvelope,
	extractSingleOrder,
}

// DecodeOrderBatch classifies and parses an orders response. Failure
// envelopes, empty data, HTML pages and unknown shapes are returned as
// errors; individual bad records are skipped and listed in Batch.Skipped.
func DecodeOrderBatch(body []byte) (*Batch, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrEmptyBody
	}
	if LooksLikeHTML(trimmed) {
		return nil, fmt.Errorf("%w: %s", ErrHTMLPage, Preview(trimmed))
	}

	root, err := decodeLoose(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrUnrecognized, err, Preview(trimmed))
	}

	if obj, ok := root.(map[string]interface{}); ok {
		if success, present := obj["success"]; present && !truthy(success) {
			return nil, &FailureEnvelopeError{Message: firstString(obj, "message", "error", "msg", "detail")}
		}
	}

	var records []interface{}
	matched := false
	for _, strategy := range extractStrategies {
		if records, matched = strategy(root); matched {
			break
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: %s", ErrUnrecognized, Preview(trimmed))
	}
	if len(records) == 0 {
		return nil, ErrEmptyData
	}

	batch := &Batch{Orders: make([]models.OrderSnapshot, 0, len(records))}
	for i, rec := range records {
		obj, ok := rec.(map[string]interface{})
		if !ok {
			batch.Skipped = append(batch.Skipped, SkippedRecord{Index: i, Reason: "record is not an object", Preview: previewValue(rec)})
			continue
		}
		snap, err := normalizeOrder(obj)
		if err != nil {
			batch.Skipped = append(batch.Skipped, SkippedRecord{Index: i, Reason: err.Error(), Preview: previewValue(rec)})
			continue
		}
		batch.Orders = append(batch.Orders, *snap)
	}
	return batch, nil
}

// DecodeOrderSnapshot parses one queued job payload: either an
// {"order":{...},"items":[...]} snapshot or a bare upstream order record.
func DecodeOrderSnapshot(raw []byte) (*models.OrderSnapshot, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, ErrEmptyBody
	}
	root, err := decodeLoose(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	obj, ok := root.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: payload is not an object", ErrUnrecognized)
	}

	if header, ok := obj["order"].(map[string]interface{}); ok {
		merged := make(map[string]interface{}, len(header)+1)
		for k, v := range header {
			merged[k] = v
		}
		if items, ok := obj["items"]; ok {
			merged["items"] = items
		}
		obj = merged
	}
	return normalizeOrder(obj)
}

// LooksLikeHTML reports whether body is an HTML document, as returned by a
// login wall or a proxy error page.
func LooksLikeHTML(body []byte) bool {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	lower := strings.ToLower(string(bytes.TrimSpace(head)))
	return strings.HasPrefix(lower, "<!doctype html") ||
		strings.HasPrefix(lower, "<html") ||
		strings.Contains(lower, "<html") ||
		(strings.HasPrefix(lower, "<") && strings.Contains(lower, "<body"))
}

// Preview returns at most previewLimit bytes of b for logs.
func Preview(b []byte) string {
	s := strings.Join(strings.Fields(string(b)), " ")
	if len(s) > previewLimit {
		return s[:previewLimit] + "..."
	}
	return s
}

func previewValue(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return Preview(b)
}

func decodeLoose(b []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func extractRootArray(root interface{}) ([]interface{}, bool) {
	arr, ok := root.([]interface{})
	return arr, ok
}

// extractEnvelope looks for the first known key holding a list, descending
// one level so shapes like {"data":{"orders":[...]}} also work.
func extractEnvelope(root interface{}) ([]interface{}, bool) {
	obj, ok := root.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return findRecords(obj, 2)
}

func findRecords(obj map[string]interface{}, depth int) ([]interface{}, bool) {
	for _, key := range envelopeKeys {
		// A bare order also has "items"; that is its line items, not a list of orders.
		if key == "items" && looksLikeOrder(obj) {
			continue
		}
		val, present := obj[key]
		if !present {
			continue
		}
		switch v := val.(type) {
		case []interface{}:
			return v, true
		case nil:
			return nil, true
		case map[string]interface{}:
			if depth > 1 {
				if recs, ok := findRecords(v, depth-1); ok {
					return recs, true
				}
			}
			if looksLikeOrder(v) {
				return []interface{}{v}, true
			}
			if len(v) == 0 {
				return nil, true
			}
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, true
			}
		}
	}
	return nil, false
}

func extractSingleOrder(root interface{}) ([]interface{}, bool) {
	obj, ok := root.(map[string]interface{})
	if !ok {
		return nil, false
	}
	if looksLikeOrder(obj) {
		return []interface{}{obj}, true
	}
	// success=true with nothing recognizable: treat as no data.
	if success, present := obj["success"]; present && truthy(success) {
		return nil, true
	}
	return nil, false
}

var orderIDKeys = []string{"order_id", "orderId", "id", "order_number"}

func looksLikeOrder(obj map[string]interface{}) bool {
	if firstString(obj, "order_id", "orderId", "order_number") != "" {
		return true
	}
	if firstString(obj, "id") != "" {
		_, hasItems := obj["items"]
		_, hasOrderItems := obj["order_items"]
		return hasItems || hasOrderItems
	}
	return false
}

func normalizeOrder(obj map[string]interface{}) (*models.OrderSnapshot, error) {
	id := firstString(obj, orderIDKeys...)
	if id == "" {
		return nil, errors.New("order id missing")
	}

	customer, _ := obj["customer"].(map[string]interface{})

	order := models.Order{
		OrderID:        id,
		Status:         normalizeStatus(firstString(obj, "status", "order_status")),
		CreatedAt:      parseTime(firstValue(obj, "created_at", "createdAt", "date", "timestamp", "order_date")),
		TableNumber:    firstString(obj, "table_number", "tableNumber", "table", "table_no"),
		CustomerName:   firstString(obj, "customer_name", "customerName", "name"),
		CustomerPhone:  firstString(obj, "customer_phone", "customerPhone", "phone"),
		GlobalNote:     firstString(obj, "global_note", "globalNote", "note", "notes"),
		DeliveryMethod: firstString(obj, "delivery_method", "deliveryMethod", "delivery_type", "order_type"),
		DeviceID:       firstString(obj, "device_id", "deviceId"),
		MerchantUserID: firstString(obj, "user_id", "userId", "merchant_user_id", "merchant_id", "merchantId"),
	}
	if customer != nil {
		if order.CustomerName == "" {
			order.CustomerName = firstString(customer, "name", "full_name")
		}
		if order.CustomerPhone == "" {
			order.CustomerPhone = firstString(customer, "phone", "mobile")
		}
	}

	rawItems, _ := firstValue(obj, "items", "order_items", "orderItems", "products", "lines").([]interface{})
	items := make([]models.OrderItem, 0, len(rawItems))
	for i, raw := range rawItems {
		itemObj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		item, ok := normalizeItem(itemObj, i)
		if !ok {
			continue
		}
		items = append(items, item)
	}

	return &models.OrderSnapshot{Order: order, Items: items}, nil
}

// normalizeItem converts one line item; items without a name or with a
// non-positive quantity are dropped.
func normalizeItem(obj map[string]interface{}, index int) (models.OrderItem, bool) {
	name := firstString(obj, "name", "title", "product_name", "item_name")
	if product, ok := obj["product"].(map[string]interface{}); ok && name == "" {
		name = firstString(product, "name", "title")
	}
	if name == "" {
		return models.OrderItem{}, false
	}

	qty := 1
	if v := firstValue(obj, "quantity", "qty", "count"); v != nil {
		n, ok := toInt(v)
		if !ok || n <= 0 {
			return models.OrderItem{}, false
		}
		qty = n
	}

	itemID := firstString(obj, "item_id", "itemId", "id")
	if itemID == "" {
		itemID = strconv.Itoa(index)
	}

	return models.OrderItem{
		ItemID:     itemID,
		Name:       name,
		Quantity:   qty,
		Variant:    variantOf(obj),
		CategoryID: categoryOf(obj),
		Note:       firstString(obj, "note", "notes", "comment", "remarks"),
		Prepared:   truthy(obj["prepared"]),
		Printed:    truthy(obj["printed"]),
	}, true
}

func variantOf(obj map[string]interface{}) string {
	v := firstValue(obj, "variant", "variation", "size", "option")
	switch t := v.(type) {
	case map[string]interface{}:
		return firstString(t, "name", "title", "value")
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s := stringOf(p); s != "" {
				parts = append(parts, s)
			} else if m, ok := p.(map[string]interface{}); ok {
				if s := firstString(m, "name", "title", "value"); s != "" {
					parts = append(parts, s)
				}
			}
		}
		return strings.Join(parts, ", ")
	default:
		return stringOf(v)
	}
}

// categoryOf returns nil for absent, null, blank or zero category ids.
func categoryOf(obj map[string]interface{}) *int {
	v := firstValue(obj, "category_id", "categoryId", "category")
	if m, ok := v.(map[string]interface{}); ok {
		v = firstValue(m, "id", "category_id")
	}
	n, ok := toInt(v)
	if !ok || n == 0 {
		return nil
	}
	return &n
}

func normalizeStatus(s string) models.OrderStatus {
	switch st := models.OrderStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case models.OrderStatusPrinted, models.OrderStatusPrintFailed, models.OrderStatusReady:
		return st
	default:
		return models.OrderStatusReceived
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// parseTime accepts RFC 3339, common SQL layouts, and unix seconds or
// milliseconds. Unparseable values yield the zero time.
func parseTime(v interface{}) time.Time {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			if i > 1e12 {
				return time.UnixMilli(i)
			}
			return time.Unix(i, 0)
		}
	}
	s := stringOf(v)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

func firstValue(obj map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(obj map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := stringOf(obj[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringOf(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func toInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i), true
		}
		if f, err := t.Float64(); err == nil {
			return int(f), true
		}
	case float64:
		return int(t), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		n, err := t.Float64()
		return err == nil && n != 0
	case float64:
		return t != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "1" || s == "yes" || s == "ok"
	}
	return false
}
