// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

/*
jobs.go - Durable Print Queue

Each job is stored twice: the job record under job:<id> and a FIFO index
entry under jobq:, whose key starts with the enqueue time in nanoseconds
followed by a process-local sequence number. Iterating the index prefix
therefore yields jobs oldest first, even for jobs enqueued within the same
nanosecond.

Job Lifecycle:

	pending -> processing -> done (record deleted, done marker written)
	              |
	              +-> pending (retries+1)

  - MarkJobProcessing claims a job for a drain
  - MarkJobFailed puts it back with the new retry count; jobs are never
    dropped
  - MarkJobDone deletes the record and its index entry and writes a
    jobdone:<id> marker with a badger TTL of DoneRetention
  - RecoverProcessingJobs returns jobs a crash left in processing to
    pending; the worker calls it once at startup

JobDone tells the three cases apart: a queued job reports false, a
completed job reports true until its marker expires, and any other id
returns ErrJobNotFound.
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/printrelay/internal/models"
)

// storedJob is the on-disk job record; IndexKey links it to its FIFO slot.
type storedJob struct {
	models.PrintJob
	IndexKey string `json:"index_key"`
}

func jobKey(id string) []byte {
	return []byte(prefixJob + id)
}

func (s *Store) newIndexKey(nanos int64, id string) string {
	return fmt.Sprintf("%s%020d:%010d:%s", prefixJobIndex, nanos, s.jobSeq.Add(1), id)
}

// EnqueuePrintJob stores payload as a new pending job and returns its id.
func (s *Store) EnqueuePrintJob(ctx context.Context, payload []byte) (string, error) {
	now := s.now()
	job := storedJob{
		PrintJob: models.PrintJob{
			ID:        uuid.New().String(),
			Payload:   append([]byte(nil), payload...),
			Status:    models.JobStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	job.IndexKey = s.newIndexKey(now.UnixNano(), job.ID)

	err := s.update(func(txn *badger.Txn) error {
		data, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if err := txn.Set(jobKey(job.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(job.IndexKey), []byte(job.ID))
	})
	if err != nil {
		return "", fmt.Errorf("enqueue print job: %w", err)
	}
	return job.ID, nil
}

func getJobTxn(txn *badger.Txn, id string) (*storedJob, error) {
	item, err := txn.Get(jobKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var job storedJob
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	}); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func putJobTxn(txn *badger.Txn, job *storedJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return txn.Set(jobKey(job.ID), data)
}

// GetJob loads a job. Done jobs no longer exist and return ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*models.PrintJob, error) {
	var job *storedJob
	err := s.view(func(txn *badger.Txn) error {
		var err error
		job, err = getJobTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &job.PrintJob, nil
}

func jobDoneKey(id string) []byte {
	return []byte(prefixJobDone + id)
}

// JobDone reports whether a job completed. A queued job (pending or
// processing) reports false. An id that was never enqueued, or whose done
// marker has expired, returns ErrJobNotFound.
func (s *Store) JobDone(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	done := false
	err := s.view(func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(id)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		_, err := txn.Get(jobDoneKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		if err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return done, nil
}

// NextPendingJob returns the oldest pending job, or nil when none is pending.
func (s *Store) NextPendingJob(ctx context.Context) (*models.PrintJob, error) {
	return s.NextPendingJobExcept(ctx, nil)
}

// NextPendingJobExcept is NextPendingJob skipping ids in skip. A drain uses it
// so a job that failed earlier in the same drain is not retried immediately.
func (s *Store) NextPendingJobExcept(ctx context.Context, skip map[string]struct{}) (*models.PrintJob, error) {
	var found *models.PrintJob
	err := s.view(func(txn *badger.Txn) error {
		prefix := []byte(prefixJobIndex)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().Key())
			id := key[strings.LastIndexByte(key, ':')+1:]
			if _, skipped := skip[id]; skipped {
				continue
			}
			job, err := getJobTxn(txn, id)
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if job.Status == models.JobStatusPending {
				found = &job.PrintJob
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("next pending job: %w", err)
	}
	return found, nil
}

// MarkJobProcessing claims a pending job.
func (s *Store) MarkJobProcessing(ctx context.Context, id string) error {
	return s.transitionJob(id, func(job *storedJob) {
		job.Status = models.JobStatusProcessing
	})
}

// MarkJobFailed returns the job to pending with the given retry count.
func (s *Store) MarkJobFailed(ctx context.Context, id string, retries int) error {
	if retries < 0 {
		retries = 0
	}
	return s.transitionJob(id, func(job *storedJob) {
		job.Status = models.JobStatusPending
		job.Retries = retries
	})
}

func (s *Store) transitionJob(id string, mutate func(job *storedJob)) error {
	err := s.update(func(txn *badger.Txn) error {
		job, err := getJobTxn(txn, id)
		if err != nil {
			return err
		}
		mutate(job)
		job.UpdatedAt = s.now()
		return putJobTxn(txn, job)
	})
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return nil
}

// MarkJobDone removes a completed job from the queue and leaves a done
// marker that badger expires after DoneRetention.
func (s *Store) MarkJobDone(ctx context.Context, id string) error {
	err := s.update(func(txn *badger.Txn) error {
		job, err := getJobTxn(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(job.IndexKey)); err != nil {
			return err
		}
		if err := txn.Delete(jobKey(id)); err != nil {
			return err
		}
		marker := badger.NewEntry(jobDoneKey(id), []byte(s.now().UTC().Format(time.RFC3339))).
			WithTTL(s.config.DoneRetention)
		return txn.SetEntry(marker)
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// RecoverProcessingJobs returns jobs left processing by a previous run to
// pending. Call once at startup before the first drain.
func (s *Store) RecoverProcessingJobs(ctx context.Context) (int, error) {
	recovered := 0
	err := s.update(func(txn *badger.Txn) error {
		recovered = 0
		prefix := []byte(prefixJob)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var stuck []*storedJob
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job storedJob
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				it.Close()
				return err
			}
			if job.Status == models.JobStatusProcessing {
				stuck = append(stuck, &job)
			}
		}
		it.Close()

		for _, job := range stuck {
			job.Status = models.JobStatusPending
			job.UpdatedAt = s.now()
			if err := putJobTxn(txn, job); err != nil {
				return err
			}
		}
		recovered = len(stuck)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover processing jobs: %w", err)
	}
	if recovered > 0 {
		s.log.Warn().Int("jobs", recovered).Msg("Requeued print jobs interrupted by shutdown")
	}
	return recovered, nil
}

// PendingJobCount counts queued jobs in any state.
func (s *Store) PendingJobCount(ctx context.Context) (int, error) {
	count := 0
	err := s.view(func(txn *badger.Txn) error {
		prefix := []byte(prefixJobIndex)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}
