// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package models

import "time"

// JobStatus is the queue state of a print job. Done jobs are deleted, so
// there is no terminal status.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
)

// PrintJob is a durable queued print request. Payload is an opaque
// serialized OrderSnapshot. Retries is unbounded.
type PrintJob struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	Status    JobStatus `json:"status"`
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
