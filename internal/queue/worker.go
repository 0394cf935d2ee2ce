// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

/*
worker.go - Print Queue Worker

Worker is a suture service. Serve recovers interrupted jobs, drains once,
then waits for triggers (and the optional retry ticker). Drain can also be
called directly; tests do.

Concurrency:
  - draining is a CAS flag, so at most one drain touches the queue
  - trigger is a 1-slot channel; extra triggers during a drain collapse
    into one follow-up drain
  - counters are atomics and safe to read from the API at any time

Failure Handling:
  - a panic while executing a job is recovered and fails that job only
  - a job that no printer accepted is requeued with retries+1
  - a job that printed but could not be deleted is logged; it stays in
    processing and the next startup returns it to pending
*/

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/printrelay/internal/dispatch"
	"github.com/tomtom215/printrelay/internal/logging"
	"github.com/tomtom215/printrelay/internal/metrics"
	"github.com/tomtom215/printrelay/internal/models"
	"github.com/tomtom215/printrelay/internal/registry"
	"github.com/tomtom215/printrelay/internal/remote"
)

// Job execution errors.
var (
	ErrInvalidPayload = errors.New("invalid print job payload")
	ErrNoPrinters     = errors.New("no printers configured")
	ErrNothingPrinted = errors.New("no printer accepted the job")
)

// JobStore is the persistence the worker needs.
type JobStore interface {
	EnqueuePrintJob(ctx context.Context, payload []byte) (string, error)
	NextPendingJobExcept(ctx context.Context, skip map[string]struct{}) (*models.PrintJob, error)
	MarkJobProcessing(ctx context.Context, id string) error
	MarkJobDone(ctx context.Context, id string) error
	MarkJobFailed(ctx context.Context, id string, retries int) error
	JobDone(ctx context.Context, id string) (bool, error)
	RecoverProcessingJobs(ctx context.Context) (int, error)
	PendingJobCount(ctx context.Context) (int, error)
	SaveOrder(ctx context.Context, order *models.Order, items []models.OrderItem) (bool, error)
}

// FanOuter prints one order on several printers.
type FanOuter interface {
	FanOut(ctx context.Context, order *models.Order, items []models.OrderItem, printers []models.PrinterProfile, mode dispatch.Mode, path string) dispatch.Summary
}

// Stats is a snapshot of worker counters.
type Stats struct {
	Pending   int   `json:"pending"`
	Drains    int64 `json:"drains"`
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Recovered int64 `json:"recovered"`
	Draining  bool  `json:"draining"`
}

// Worker drains the durable print queue. Only one drain runs at a time;
// a trigger that arrives during a drain schedules one more drain after it.
type Worker struct {
	store      JobStore
	printers   registry.Registry
	dispatcher FanOuter
	interval   time.Duration
	log        zerolog.Logger

	trigger   chan struct{}
	draining  atomic.Bool
	recovered atomic.Bool

	drains    atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	requeued  atomic.Int64
}

// NewWorker creates a worker. The queue drains when Serve starts and on
// every Enqueue or Trigger. A positive retryInterval additionally retries
// pending jobs on that period; zero or negative disables periodic retry.
func NewWorker(store JobStore, printers registry.Registry, dispatcher FanOuter, retryInterval time.Duration) *Worker {
	if retryInterval < 0 {
		retryInterval = 0
	}
	return &Worker{
		store:      store,
		printers:   printers,
		dispatcher: dispatcher,
		interval:   retryInterval,
		log:        logging.WithComponent("queue"),
		trigger:    make(chan struct{}, 1),
	}
}

// Enqueue persists a job payload and triggers a drain.
func (w *Worker) Enqueue(ctx context.Context, payload []byte) (string, error) {
	id, err := w.store.EnqueuePrintJob(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("enqueue print job: %w", err)
	}
	metrics.QueueJobs.WithLabelValues("enqueued").Inc()
	w.log.Info().Str("job_id", id).Int("bytes", len(payload)).Msg("Print job enqueued")
	w.Trigger()
	return id, nil
}

// Trigger requests a drain without waiting for it. It never blocks; a
// trigger while one is already queued is dropped.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// IsJobDone reports whether the job completed. Unknown ids, and completed
// jobs whose done marker expired, return the store's not-found error.
func (w *Worker) IsJobDone(ctx context.Context, id string) (bool, error) {
	return w.store.JobDone(ctx, id)
}

// Serve recovers interrupted jobs and drains once, then drains on every
// trigger until ctx is canceled. With a retry interval set it also drains
// on that period.
func (w *Worker) Serve(ctx context.Context) error {
	if w.recovered.CompareAndSwap(false, true) {
		if n, err := w.store.RecoverProcessingJobs(ctx); err != nil {
			w.recovered.Store(false)
			return fmt.Errorf("recover print jobs: %w", err)
		} else if n > 0 {
			metrics.QueueJobs.WithLabelValues("recovered").Add(float64(n))
			w.requeued.Add(int64(n))
		}
	}

	// nil channel: never fires when periodic retry is off
	var retry <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		retry = ticker.C
	}

	w.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.trigger:
			w.Drain(ctx)
		case <-retry:
			w.Drain(ctx)
		}
	}
}

// String implements fmt.Stringer for suture.
func (w *Worker) String() string {
	return "print-queue"
}

// Drain processes pending jobs oldest first, attempting each job at most
// once. It returns the number of jobs attempted, or 0 if another drain is
// already running.
func (w *Worker) Drain(ctx context.Context) int {
	if !w.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer w.draining.Store(false)
	w.drains.Add(1)

	attempted := make(map[string]struct{})
	for ctx.Err() == nil {
		job, err := w.store.NextPendingJobExcept(ctx, attempted)
		if err != nil {
			w.log.Error().Err(err).Msg("Could not read print queue")
			break
		}
		if job == nil {
			break
		}
		attempted[job.ID] = struct{}{}
		w.process(ctx, job)
	}

	w.updateDepth(ctx)
	return len(attempted)
}

// process claims, executes and settles one job. Each job gets its own
// correlation id, so the lines of one attempt group together.
func (w *Worker) process(ctx context.Context, job *models.PrintJob) {
	ctx = logging.ContextWithNewCorrelationID(ctx)
	log := logging.WithContext(ctx, w.log).With().Str("job_id", job.ID).Int("retries", job.Retries).Logger()

	if err := w.store.MarkJobProcessing(ctx, job.ID); err != nil {
		log.Warn().Err(err).Msg("Could not claim print job")
		return
	}
	w.processed.Add(1)

	err := w.execute(ctx, job)
	if err == nil {
		if doneErr := w.store.MarkJobDone(ctx, job.ID); doneErr != nil {
			log.Error().Err(doneErr).Msg("Printed job could not be removed from queue")
		}
		w.succeeded.Add(1)
		metrics.QueueJobs.WithLabelValues("done").Inc()
		log.Info().Msg("Print job completed")
		return
	}

	w.failed.Add(1)
	metrics.QueueJobs.WithLabelValues("failed").Inc()
	if failErr := w.store.MarkJobFailed(ctx, job.ID, job.Retries+1); failErr != nil {
		log.Error().Err(failErr).Msg("Failed job could not be requeued")
	}
	log.Warn().Err(err).Msg("Print job failed, requeued")
}

// execute never panics; a panic becomes an error so the job is requeued.
func (w *Worker) execute(ctx context.Context, job *models.PrintJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic executing job %s: %v", job.ID, r)
		}
	}()

	snap, err := remote.DecodeOrderSnapshot(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	order, items := snap.Order, snap.Items

	if _, err := w.store.SaveOrder(ctx, &order, items); err != nil {
		return fmt.Errorf("save order %s: %w", order.OrderID, err)
	}

	printers, err := w.printers.ListPrinters(ctx)
	if err != nil {
		return fmt.Errorf("list printers: %w", err)
	}
	if len(printers) == 0 {
		return ErrNoPrinters
	}
	mains, stations := registry.SplitByRole(printers)
	ordered := append(mains, stations...)

	summary := w.dispatcher.FanOut(ctx, &order, items, ordered, dispatch.ModeQueueRoles, dispatch.PathQueue)
	if summary.Succeeded == 0 {
		return fmt.Errorf("%w: order %s (%d failed, %d skipped)", ErrNothingPrinted, order.OrderID, summary.Failed, summary.Skipped)
	}
	return nil
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats(ctx context.Context) Stats {
	pending, err := w.store.PendingJobCount(ctx)
	if err != nil {
		pending = -1
	}
	return Stats{
		Pending:   pending,
		Drains:    w.drains.Load(),
		Processed: w.processed.Load(),
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
		Recovered: w.requeued.Load(),
		Draining:  w.draining.Load(),
	}
}

func (w *Worker) updateDepth(ctx context.Context) {
	if n, err := w.store.PendingJobCount(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
}
