// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/tomtom215/printrelay/internal/models"
)

func TestJobQueue_FIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnqueuePrintJob(ctx, []byte(`{"n":1}`))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.EnqueuePrintJob(ctx, []byte(`{"n":2}`))
	if err != nil {
		t.Fatal(err)
	}

	job, err := s.NextPendingJob(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != first {
		t.Fatalf("NextPendingJob = %+v, want %s", job, first)
	}
	if string(job.Payload) != `{"n":1}` {
		t.Errorf("payload = %s", job.Payload)
	}

	if err := s.MarkJobProcessing(ctx, first); err != nil {
		t.Fatal(err)
	}
	job, _ = s.NextPendingJob(ctx)
	if job == nil || job.ID != second {
		t.Fatalf("processing job was returned as pending: %+v", job)
	}
}

func TestJobQueue_FailThenDone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, _ := s.EnqueuePrintJob(ctx, []byte(`{}`))

	for n := 1; n <= 3; n++ {
		if err := s.MarkJobProcessing(ctx, id); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkJobFailed(ctx, id, n); err != nil {
			t.Fatal(err)
		}
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusPending || job.Retries != 3 {
		t.Errorf("job = %s/%d, want pending/3", job.Status, job.Retries)
	}

	if err := s.MarkJobDone(ctx, id); err != nil {
		t.Fatal(err)
	}
	if next, _ := s.NextPendingJob(ctx); next != nil {
		t.Errorf("done job still pending: %+v", next)
	}
	if _, err := s.GetJob(ctx, id); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob err = %v, want ErrJobNotFound", err)
	}
	if done, err := s.JobDone(ctx, id); err != nil || !done {
		t.Errorf("JobDone = %v, %v after done; want true", done, err)
	}
	if n, _ := s.PendingJobCount(ctx); n != 0 {
		t.Errorf("PendingJobCount = %d", n)
	}
}

func TestNextPendingJobExcept(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, _ := s.EnqueuePrintJob(ctx, []byte(`a`))
	b, _ := s.EnqueuePrintJob(ctx, []byte(`b`))

	job, err := s.NextPendingJobExcept(ctx, map[string]struct{}{a: {}})
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != b {
		t.Errorf("got %+v, want %s", job, b)
	}

	job, _ = s.NextPendingJobExcept(ctx, map[string]struct{}{a: {}, b: {}})
	if job != nil {
		t.Errorf("got %+v, want nil", job)
	}
}

func TestRecoverProcessingJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, _ := s.EnqueuePrintJob(ctx, []byte(`{}`))
	if err := s.MarkJobProcessing(ctx, id); err != nil {
		t.Fatal(err)
	}

	n, err := s.RecoverProcessingJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recovered %d, want 1", n)
	}
	job, _ := s.NextPendingJob(ctx)
	if job == nil || job.ID != id {
		t.Errorf("recovered job not pending: %+v", job)
	}
}

func TestMarkJobMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.MarkJobProcessing(ctx, "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("MarkJobProcessing err = %v", err)
	}
	if err := s.MarkJobDone(ctx, "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("MarkJobDone err = %v", err)
	}
}

func TestJobDone_States(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueuePrintJob(ctx, []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if done, err := s.JobDone(ctx, id); err != nil || done {
		t.Errorf("pending: JobDone = %v, %v; want false, nil", done, err)
	}

	if err := s.MarkJobProcessing(ctx, id); err != nil {
		t.Fatal(err)
	}
	if done, err := s.JobDone(ctx, id); err != nil || done {
		t.Errorf("processing: JobDone = %v, %v; want false, nil", done, err)
	}

	if err := s.MarkJobDone(ctx, id); err != nil {
		t.Fatal(err)
	}
	if done, err := s.JobDone(ctx, id); err != nil || !done {
		t.Errorf("done: JobDone = %v, %v; want true, nil", done, err)
	}

	if done, err := s.JobDone(ctx, "6f1c2b9e-0000-4000-8000-000000000000"); !errors.Is(err, ErrJobNotFound) || done {
		t.Errorf("unknown id: JobDone = %v, %v; want ErrJobNotFound", done, err)
	}
}
