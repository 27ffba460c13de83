package syncjob

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound is returned for operations on unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Stats is a point-in-time snapshot of queue depth by status.
type Stats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Delayed   int  `json:"delayed"`
	Paused    bool `json:"paused"`
}

// Queue is the durable, at-least-once job queue. The interface is
// deliberately broker-agnostic: the in-process and Postgres implementations
// here satisfy it, and so could any mature queue technology.
//
// Semantics every implementation must honor:
//   - Enqueue dedups by CorrelationID: while a job with the same id is not
//     yet completed, enqueue is a no-op returning false.
//   - Dequeue hands out a lease (waiting→active, attempt counter bumped);
//     leases that outlive the visibility timeout return the job to waiting,
//     which is how crashed workers are recovered.
//   - Nack re-schedules with exponential delay until the attempt budget is
//     spent, then dead-letters the job as failed.
//   - Pause stops new dequeues without touching in-flight jobs.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) (bool, error)
	Dequeue(ctx context.Context) (*Job, error)
	Ack(ctx context.Context, id uuid.UUID) error
	Nack(ctx context.Context, id uuid.UUID, reason string) error
	Retry(ctx context.Context, id uuid.UUID) error
	ListFailed(ctx context.Context, limit int) ([]*Job, error)
	Stats(ctx context.Context) (Stats, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	RequeueStalled(ctx context.Context) (int, error)
	Cleanup(ctx context.Context, completedBefore, failedBefore time.Time) (int, error)
}

// Queue tuning defaults shared by the implementations.
const (
	DefaultMaxAttempts       = 3
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultRetryDelay        = 5 * time.Second

	// Retention windows for terminal jobs.
	CompletedRetention = 7 * 24 * time.Hour
	FailedRetention    = 30 * 24 * time.Hour
)

// retryDelay computes the delay before the next attempt after `attempts`
// attempts have been made, doubling from base.
func retryDelay(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}
