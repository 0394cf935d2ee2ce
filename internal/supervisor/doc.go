// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

/*
Package supervisor runs every long-lived Printrelay component under a suture
v4 supervisor tree.

# Overview

Services are grouped into four layers so a failure in one layer does not
stop the others:

	root ("printrelay")
	├── data-layer       store value-log GC
	├── messaging-layer  outbox router, realtime listener (if realtime.enabled)
	├── ingest-layer     print queue worker, order poller (if poll.enabled)
	└── api-layer        HTTP server (if server.enabled)

Each layer is its own child supervisor with its own failure counter. A
printer outage that makes the poller fail repeatedly backs off the
ingest layer only; the HTTP API and the realtime listener keep running.

# Usage

main.go builds the tree after every component is constructed:

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
	    FailureThreshold: 5,
	    FailureBackoff:   15 * time.Second,
	    ShutdownTimeout:  cfg.Server.ShutdownTimeout,
	})
	if err != nil {
	    return err
	}

	tree.AddDataService(services.NewStoreGCService(db, cfg.Store.GCInterval))
	tree.AddMessagingService(notifier)
	tree.AddIngestService(worker)
	tree.AddIngestService(coordinator)
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	errCh := tree.ServeBackground(ctx)

Canceling ctx stops the tree; the error channel then yields
context.Canceled.

# Configuration

Zero fields in TreeConfig take the DefaultTreeConfig values:
  - FailureThreshold: 5 failures
  - FailureDecay: 30 seconds
  - FailureBackoff: 15 seconds
  - ShutdownTimeout: 10 seconds per service

# Failure Handling

suture keeps a failure counter per supervisor that decays exponentially
over FailureDecay seconds. Every return from Serve with a non-nil error
(or a panic) counts as a failure and the service is restarted. Once the
counter passes FailureThreshold, restarts wait FailureBackoff.

	Listener crashes once      -> counter 1  -> restart now
	Poller crashes 5x in 10s   -> counter 5+ -> wait 15s, then restart
	Stable for a minute        -> counter decays back towards 0

# Service Interface

Components implement suture.Service directly:

	type Service interface {
	    Serve(ctx context.Context) error
	}

Printrelay components return ctx.Err() on shutdown. The realtime listener
reconnects inside Serve, so a dropped websocket never reaches the
supervisor; only a failure outside the reconnect loop does. The print queue
worker recovers interrupted jobs on its first Serve only.

Components that are not services, such as the order store itself and the
remote HTTP client, are owned by main and closed after the tree stops.

# Logging

Supervisor events (service start, stop, failure, backoff) go through
sutureslog into an slog.Logger. logging.NewSlogLogger bridges that logger
into the zerolog pipeline, tagged component=supervisor.

# Debugging Shutdown Issues

When a service ignores cancellation past ShutdownTimeout, main logs it:

	report, err := tree.UnstoppedServiceReport()
	for _, u := range report {
	    logging.Warn().Str("service", u.Name).Msg("Service did not stop before timeout")
	}

Usual causes are a printer socket without a write deadline or a blocked
websocket read.

# See Also

  - internal/supervisor/services: wrappers for the store GC and HTTP server
  - github.com/thejerf/suture/v4: underlying library
*/
package supervisor
