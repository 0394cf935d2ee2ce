// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package api

// Error codes used in APIResponse.Error.Code.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeNotFound       = "NOT_FOUND"
	CodeNoPrinters     = "NO_PRINTERS"
	CodeInternal       = "INTERNAL_ERROR"
	CodeRateLimited    = "RATE_LIMITED"
	CodeNotReady       = "NOT_READY"
)
