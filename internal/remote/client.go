// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

/*
client.go - Remote Order Backend Client

Fetches the merchant's order list, reports printed categories back and
resolves category names. Every call has a bounded timeout and runs through
a circuit breaker. Authentication failures are reported as ErrUnauthorized
and do not count against the breaker, since retrying sooner would not help
and an expired token says nothing about backend health.
*/

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/printrelay/internal/breaker"
)

// Client errors.
var (
	ErrUnauthorized     = errors.New("remote backend rejected credentials")
	ErrUnexpectedStatus = errors.New("unexpected status from remote backend")
	ErrCircuitOpen      = breaker.ErrOpen
)

// maxBodyBytes caps how much of a response is read.
const maxBodyBytes = 8 << 20

// StatusError describes a non-2xx response.
type StatusError struct {
	StatusCode int
	Preview    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d: %s", ErrUnexpectedStatus, e.StatusCode, e.Preview)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Config configures a Client.
type Config struct {
	BaseURL         string
	OrdersPath      string
	MarkPrintedPath string
	CategoriesPath  string
	Timeout         time.Duration
	Breaker         breaker.Settings
}

// Client talks to the remote order backend.
type Client struct {
	baseURL    string
	cfg        Config
	httpClient *http.Client
	cb         *breaker.Breaker[[]byte]
}

// NewClient creates a client. Zero timeouts default to 5 seconds.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.OrdersPath == "" {
		cfg.OrdersPath = "/api/orders"
	}
	if cfg.MarkPrintedPath == "" {
		cfg.MarkPrintedPath = "/api/orders/{order_id}/printed"
	}
	if cfg.CategoriesPath == "" {
		cfg.CategoriesPath = "/api/categories"
	}

	settings := cfg.Breaker
	settings.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrUnauthorized) || errors.Is(err, context.Canceled)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cb:         breaker.New[[]byte]("remote-api", settings),
	}
}

// FetchOrders returns the raw body of the merchant's order list. An empty
// body is returned as-is for the caller to classify.
func (c *Client) FetchOrders(ctx context.Context, merchantID, token string) ([]byte, error) {
	query := url.Values{}
	if merchantID != "" {
		query.Set("merchant_id", merchantID)
	}
	body, err := c.do(ctx, http.MethodGet, c.cfg.OrdersPath, query, nil, token)
	if err != nil {
		return nil, fmt.Errorf("fetch orders: %w", err)
	}
	return body, nil
}

type markPrintedRequest struct {
	OrderID               string `json:"order_id"`
	CategoryIDs           []int  `json:"category_ids"`
	IncludeUncategorized  bool   `json:"include_uncategorized"`
	UncategorizedSelected bool   `json:"uncategorized_selected"`
}

// MarkPrinted reports printed categories for an order. The boolean is the
// backend's success flag; a 2xx response without one counts as success.
func (c *Client) MarkPrinted(ctx context.Context, orderID string, categoryIDs []int, includeUncategorized bool, token string) (bool, error) {
	if categoryIDs == nil {
		categoryIDs = []int{}
	}
	payload, err := json.Marshal(markPrintedRequest{
		OrderID:               orderID,
		CategoryIDs:           categoryIDs,
		IncludeUncategorized:  includeUncategorized,
		UncategorizedSelected: includeUncategorized,
	})
	if err != nil {
		return false, fmt.Errorf("encode mark printed: %w", err)
	}

	path := strings.ReplaceAll(c.cfg.MarkPrintedPath, "{order_id}", url.PathEscape(orderID))
	body, err := c.do(ctx, http.MethodPost, path, nil, payload, token)
	if err != nil {
		return false, fmt.Errorf("mark printed %s: %w", orderID, err)
	}

	var ack struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(body, &ack); err != nil || ack.Success == nil {
		return true, nil
	}
	if !*ack.Success {
		return false, &FailureEnvelopeError{Message: ack.Message}
	}
	return true, nil
}

// ResolveCategoryNames looks up display names for category ids. Unknown ids
// are absent from the result.
func (c *Client) ResolveCategoryNames(ctx context.Context, ids []int, token string) (map[int]string, error) {
	names := make(map[int]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	query := url.Values{}
	query.Set("ids", strings.Join(parts, ","))

	body, err := c.do(ctx, http.MethodGet, c.cfg.CategoriesPath, query, nil, token)
	if err != nil {
		return nil, fmt.Errorf("resolve categories: %w", err)
	}
	root, err := decodeLoose(bytes.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	collectCategoryNames(root, names)
	return names, nil
}

// collectCategoryNames accepts a list of {id,name} objects, an id→name
// object, or either wrapped in a data/categories envelope.
func collectCategoryNames(root interface{}, names map[int]string) {
	switch v := root.(type) {
	case []interface{}:
		for _, entry := range v {
			obj, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			id, ok := toInt(firstValue(obj, "id", "category_id", "categoryId"))
			name := firstString(obj, "name", "title", "category_name")
			if ok && name != "" {
				names[id] = name
			}
		}
	case map[string]interface{}:
		for _, key := range []string{"data", "categories", "results"} {
			if inner, ok := v[key]; ok {
				collectCategoryNames(inner, names)
				return
			}
		}
		for k, val := range v {
			id, err := strconv.Atoi(k)
			if err != nil {
				continue
			}
			if name := stringOf(val); name != "" {
				names[id] = name
			}
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte, token string) ([]byte, error) {
	return c.cb.Execute(func() ([]byte, error) {
		endpoint := c.baseURL + path
		if len(query) > 0 {
			endpoint += "?" + query.Encode()
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return nil, &StatusError{StatusCode: resp.StatusCode, Preview: Preview(body)}
		}
		return body, nil
	})
}
