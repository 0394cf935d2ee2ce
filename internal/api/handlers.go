// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/printrelay/internal/logging"
	"github.com/tomtom215/printrelay/internal/service"
)

const maxPrintJobBytes = 1 << 20

// PrintService is the subset of service.Service the handlers call.
type PrintService interface {
	EnqueuePrintJob(ctx context.Context, raw []byte) (string, error)
	IsJobDone(ctx context.Context, jobID string) (bool, error)
	PrintOrderByID(ctx context.Context, orderID string) (int, error)
	GetMetrics(ctx context.Context) map[string]int
}

// ReadinessCheck reports whether one dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Handler holds the HTTP handlers.
type Handler struct {
	svc       PrintService
	checks    map[string]ReadinessCheck
	startTime time.Time
}

// NewHandler creates handlers. checks are evaluated by /health/ready.
func NewHandler(svc PrintService, checks map[string]ReadinessCheck) *Handler {
	return &Handler{svc: svc, checks: checks, startTime: time.Now()}
}

type printJobRequest struct {
	Body []byte `validate:"required,json_body,max=1048576"`
}

type printJobIDRequest struct {
	JobID string `validate:"required,uuid"`
}

type printOrderRequest struct {
	OrderID string `validate:"required,order_id"`
}

// EnqueuePrintJob queues the request body as an order snapshot.
func (h *Handler) EnqueuePrintJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPrintJobBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidPayload, "Could not read request body", err)
		return
	}
	req := printJobRequest{Body: body}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	id, err := h.svc.EnqueuePrintJob(r.Context(), req.Body)
	switch {
	case errors.Is(err, service.ErrInvalidPayload):
		respondError(w, http.StatusBadRequest, CodeInvalidPayload, err.Error(), nil)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, CodeInternal, "Could not queue print job", err)
		return
	}
	respondData(w, http.StatusAccepted, map[string]interface{}{"job_id": id})
}

// PrintJobStatus reports whether a queued job finished.
func (h *Handler) PrintJobStatus(w http.ResponseWriter, r *http.Request) {
	req := printJobIDRequest{JobID: chi.URLParam(r, "id")}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	done, err := h.svc.IsJobDone(r.Context(), req.JobID)
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		respondError(w, http.StatusNotFound, CodeNotFound, "Print job not found", nil)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, CodeInternal, "Could not read job state", err)
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{"job_id": req.JobID, "done": done})
}

// PrintOrder prints a stored order on every printer.
func (h *Handler) PrintOrder(w http.ResponseWriter, r *http.Request) {
	req := printOrderRequest{OrderID: chi.URLParam(r, "id")}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	succeeded, err := h.svc.PrintOrderByID(r.Context(), req.OrderID)
	switch {
	case errors.Is(err, service.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, CodeNotFound, "Order not found", nil)
		return
	case errors.Is(err, service.ErrNoPrinters):
		respondError(w, http.StatusConflict, CodeNoPrinters, "No printers configured", nil)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, CodeInternal, "Could not print order", err)
		return
	}

	logging.Ctx(r.Context()).Info().
		Str("order_id", sanitizeLogValue(req.OrderID)).
		Int("succeeded", succeeded).
		Msg("Manual print requested")
	respondData(w, http.StatusOK, map[string]interface{}{
		"order_id":  req.OrderID,
		"succeeded": succeeded,
	})
}

// Metrics returns the merged runtime counters.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, h.svc.GetMetrics(r.Context()))
}
