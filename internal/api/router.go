// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds HTTP-level limits.
type RouterConfig struct {
	RateLimit  int
	RateWindow time.Duration
}

// Router builds the HTTP handler tree.
type Router struct {
	handler *Handler
	cfg     RouterConfig
}

// NewRouter creates a router around h.
func NewRouter(h *Handler, cfg RouterConfig) *Router {
	return &Router{handler: h, cfg: cfg}
}

// Setup returns the configured chi mux.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(router.cfg.RateLimit, router.cfg.RateWindow))
		r.Use(RequestMetrics)

		r.Post("/print-jobs", router.handler.EnqueuePrintJob)
		r.Get("/print-jobs/{id}", router.handler.PrintJobStatus)
		r.Post("/orders/{id}/print", router.handler.PrintOrder)
		r.Get("/metrics", router.handler.Metrics)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, CodeNotFound, "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}
