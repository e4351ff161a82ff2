package queue

import (
	"context"
	"errors"
)

// ErrDuplicateJob is returned by Enqueue when a job with the same
// idempotency key has already been accepted.
var ErrDuplicateJob = errors.New("duplicate job")

// ErrJobNotFound is returned when a job ID does not exist
var ErrJobNotFound = errors.New("job not found")

// Queue defines the interface for dispatch queue operations
type Queue interface {
	// Enqueue adds a job to the queue. Jobs with a RunAt in the future are
	// held in the delayed index until due. Returns ErrDuplicateJob when the
	// job's idempotency key was seen before.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue gets the next due job for processing.
	// Returns nil, nil if nothing is due.
	Dequeue(ctx context.Context) (*Job, error)

	// Update updates the job status
	Update(ctx context.Context, job *Job) error

	// Get retrieves a job by ID
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs with optional filtering
	List(ctx context.Context, filter ListFilter) ([]*Job, error)

	// Delete removes a job from the queue
	Delete(ctx context.Context, id string) error

	// Stats returns queue statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close closes the storage connection
	Close() error
}
