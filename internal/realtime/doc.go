// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

/*
Package realtime listens on the backend's websocket push channel for
"paid" order events.

# Overview

A fresh paid event triggers an immediate store refresh and a print on every
configured printer, so customers do not wait for the next poll cycle. The
refresh is told to skip the announced order, because the listener prints
it itself; the poll loop never prints it a second time.

	event -> filters -> dedup window -> Refresh(skip=id) -> GetOrder/Items -> FanOut(filtered)

# Event Filters

Messages are JSON objects. The payload is the "data" field when that is an
object or a JSON-encoded string (Pusher style), otherwise the envelope
itself. A message is dropped when:
  - it is not a JSON object
  - it names an event (event or type, either layer) other than "paid"
  - its user_id names another merchant
  - no order id can be found

The order id comes from, in order: order_id in the payload, the id of a
nested "order" object, order_id in the envelope, then a bare "id" in the
payload or envelope. A payment id inside data therefore never shadows the
envelope's order_id.

# Dedup

The same order announced again within the dedup window (cache.DedupWindow,
15s by default) is ignored. main builds the window with pruning by size
and age (dedup.prune_threshold, dedup.prune_max_age).

# Connection Lifecycle

	disconnected -> connecting -> connected -> disconnected

Serve dials with the merchant token as a bearer header, sends the optional
subscribe frame, then reads until the connection fails. Reconnects back
off exponentially from BackoffBase up to BackoffMax. The attempt counter
resets only after a successful open, so a server that accepts and
immediately drops connections still sees growing delays.

With PingInterval set the listener pings on that period and expects a
read (message or pong) within twice the interval; otherwise the read idle
timeout is two minutes.

# Shutdown

Canceling ctx sends a normal close frame, closes the socket and waits for
prints already started from received events before Serve returns.

# Metrics

Metrics returns the listener counters for the API (messages_received,
paid_events_received, paid_events_deduped, print_attempts, print_successes,
print_failures, reconnects_scheduled, reconnects_completed). The same
events feed the printrelay_realtime_* Prometheus series.
*/
package realtime
