// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

/*
Package queue drains the durable local print queue.

# Overview

Jobs carry a serialized order snapshot (models.OrderSnapshot), so a job
queued while the backend is unreachable still prints after a restart. The
HTTP API enqueues jobs through Worker.Enqueue; the jobs themselves live in
the order store (see store/jobs.go).

Executing a job:
 1. decode the snapshot; an undecodable payload fails the job
 2. save the order locally, exactly as ingestion would
 3. print the full receipt on main printers, then the filtered ticket on
    station printers (dispatch.ModeQueueRoles)

A job is done, and deleted, once at least one printer accepts it.
Otherwise it goes back to pending with its retry count incremented. Jobs
are never dropped.

# When the Queue Drains

The worker is event driven. A drain runs:
  - once when Serve starts, after jobs left processing by a crash are
    returned to pending
  - after every Enqueue, and on every Trigger
  - on queue.retry_interval, only when that is set (off by default)

With periodic retry off, a job that failed on every printer waits for the
next enqueue, trigger or restart.

# Drain Semantics

Only one drain runs at a time; Drain called during another drain returns
0 immediately, and a Trigger during a drain queues at most one follow-up.
A drain attempts each pending job at most once, oldest first, so one
permanently failing job cannot starve the jobs behind it.

# Job Status

IsJobDone reports false while a job is pending or processing and true once
it completed. Completed jobs keep reporting done for the store's
DoneRetention; after that, like an id that was never enqueued, they return
store.ErrJobNotFound.

# Metrics

  - printrelay_queue_jobs_total{result}: enqueued, done, failed, recovered
  - printrelay_queue_depth: queued jobs after the last drain
*/
package queue
