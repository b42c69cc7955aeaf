package queue

import (
	"context"
	"time"

	"github.com/weppcloud/weppcloud/internal/models"
)

// ErrNoMessage is returned when every polled queue is empty
var ErrNoMessage = models.ErrNoMessage

// Backend holds job ids in named FIFO queues.
type Backend interface {
	// Push appends jobID to the tail of queue.
	Push(ctx context.Context, queue, jobID string) error

	// Pop removes the head of the first non-empty queue, checking queues in
	// the given order. It waits up to wait for a message before returning
	// ErrNoMessage. A zero wait polls once.
	Pop(ctx context.Context, queues []string, wait time.Duration) (queue string, jobID string, err error)

	// Remove deletes jobID from queue if it is still waiting there.
	Remove(ctx context.Context, queue, jobID string) error

	// Len returns the number of waiting ids in queue.
	Len(ctx context.Context, queue string) (int, error)
}

// Store persists job records.
type Store interface {
	Save(ctx context.Context, job *models.Job) error

	// Get returns a *models.NotFoundError when the record is absent or expired.
	Get(ctx context.Context, id string) (*models.Job, error)

	// Update applies fn to the current record atomically and saves the result.
	// Returning an error from fn aborts without saving.
	Update(ctx context.Context, id string, fn func(job *models.Job) error) (*models.Job, error)

	Delete(ctx context.Context, id string) error

	// List returns jobs in any of statuses, or every job when none are given.
	List(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error)
}

// StopSignaler asks the worker executing jobID to stop it.
type StopSignaler interface {
	StopJob(ctx context.Context, jobID string) error
}
