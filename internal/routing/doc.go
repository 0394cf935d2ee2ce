// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

/*
Package routing decides which items of an order each printer receives and
renders them as plain text.

Station printers get a kitchen ticket grouped by category. Main printers
get a flat customer receipt with order metadata, each item annotated with
its category name, and a thank-you line. Placeholder values such as
"none" are left out rather than printed as empty lines.

Rendering has no side effects apart from category-name lookups, which are
cached. Identical inputs render byte-identical output.
*/
package routing
