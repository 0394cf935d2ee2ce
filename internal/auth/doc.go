// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

/*
Package auth supplies merchant credentials to the remote client and the
realtime listener.

Printrelay never authenticates anyone itself. It forwards an opaque bearer
token, checking only that a JWT-shaped token has not already expired so
that a stale token is reported as such instead of as a generic upstream
rejection.

Tokens can be set in config or written to a file by an external login
helper. The file is read on every call, so the poll loop recovers on its
own once a valid token appears.
*/
package auth
