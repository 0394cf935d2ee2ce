// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

/*
Package api exposes the print service over HTTP using the Chi router.

Endpoints:

	POST /api/v1/print-jobs              queue an order snapshot for printing
	GET  /api/v1/print-jobs/{id}         {"job_id":..., "done":bool}; 404 for unknown ids
	POST /api/v1/orders/{id}/print       print a stored order on every printer
	GET  /api/v1/metrics                 runtime counters as a flat map
	GET  /health/live                    process liveness
	GET  /health/ready                   dependency readiness (503 when degraded)
	GET  /metrics                        Prometheus exposition

Every JSON endpoint answers with models.APIResponse:

	{"status":"success","data":{...},"metadata":{"timestamp":"..."}}
	{"status":"error","error":{"code":"NOT_FOUND","message":"..."},"metadata":{...}}

A completed job keeps reporting done for the store's done retention (24h by
default). After that, as for an id that was never queued, the status
endpoint answers 404.

Middleware order: request id with correlation logging, real IP, panic
recovery, per-IP rate limit (httprate), request metrics.
*/
package api
