// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

// Package services adapts components without a native Serve(ctx) method to
// suture.Service: the HTTP server and the periodic store GC.
package services
