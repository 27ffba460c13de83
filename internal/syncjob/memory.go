package syncjob

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a thread-safe in-process Queue. It backs the tests and
// single-process deployments; multi-node deployments use PGQueue.
type MemoryQueue struct {
	mu            sync.Mutex
	jobs          map[uuid.UUID]*Job
	byCorrelation map[string]uuid.UUID
	paused        bool

	maxAttempts int
	visibility  time.Duration
	retryBase   time.Duration
	now         func() time.Time
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithMaxAttempts overrides the per-job attempt budget.
func WithMaxAttempts(n int) MemoryOption {
	return func(q *MemoryQueue) { q.maxAttempts = n }
}

// WithVisibilityTimeout overrides the dequeue lease duration.
func WithVisibilityTimeout(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) { q.visibility = d }
}

// WithRetryBase overrides the base delay between attempts (tests shrink it).
func WithRetryBase(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) { q.retryBase = d }
}

// WithClock overrides the queue's time source (tests only).
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		jobs:          make(map[uuid.UUID]*Job),
		byCorrelation: make(map[string]uuid.UUID),
		maxAttempts:   DefaultMaxAttempts,
		visibility:    DefaultVisibilityTimeout,
		retryBase:     DefaultRetryDelay,
		now:           time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if existingID, ok := q.byCorrelation[job.CorrelationID]; ok {
		existing := q.jobs[existingID]
		if existing != nil && existing.Status != StatusCompleted {
			// At most one in-flight job per correlation id.
			return false, nil
		}
		// A completed job with the same id is replaced by a fresh one.
		delete(q.jobs, existingID)
	}

	cp := *job
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.Status = StatusWaiting
	cp.AttemptsMade = 0
	cp.CreatedAt = now
	cp.UpdatedAt = now

	q.jobs[cp.ID] = &cp
	q.byCorrelation[cp.CorrelationID] = cp.ID
	*job = cp
	return true, nil
}

// promote moves delayed jobs whose delay elapsed back to waiting and
// reclaims expired leases. Called under the lock.
func (q *MemoryQueue) promote(now time.Time) {
	for _, j := range q.jobs {
		switch j.Status {
		case StatusDelayed:
			if j.NotBefore == nil || !now.Before(*j.NotBefore) {
				j.Status = StatusWaiting
				j.NotBefore = nil
				j.UpdatedAt = now
			}
		case StatusActive:
			if j.LeaseExpires != nil && now.After(*j.LeaseExpires) {
				j.Status = StatusWaiting
				j.LeaseExpires = nil
				j.UpdatedAt = now
			}
		}
	}
}

func (q *MemoryQueue) Dequeue(_ context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil, nil
	}

	now := q.now()
	q.promote(now)

	var oldest *Job
	for _, j := range q.jobs {
		if j.Status != StatusWaiting {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.Status = StatusActive
	oldest.AttemptsMade++
	lease := now.Add(q.visibility)
	oldest.LeaseExpires = &lease
	oldest.UpdatedAt = now

	cp := *oldest
	return &cp, nil
}

func (q *MemoryQueue) Ack(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	now := q.now()
	j.Status = StatusCompleted
	j.LeaseExpires = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, id uuid.UUID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	now := q.now()
	j.LastError = reason
	j.LeaseExpires = nil
	j.UpdatedAt = now

	if j.AttemptsMade >= q.maxAttempts {
		j.Status = StatusFailed
		j.FailedAt = &now
		return nil
	}

	notBefore := now.Add(retryDelay(q.retryBase, j.AttemptsMade))
	j.Status = StatusDelayed
	j.NotBefore = &notBefore
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != StatusFailed {
		return nil
	}
	j.Status = StatusWaiting
	j.AttemptsMade = 0
	j.NotBefore = nil
	j.FailedAt = nil
	j.UpdatedAt = q.now()
	return nil
}

func (q *MemoryQueue) ListFailed(_ context.Context, limit int) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Job
	for _, j := range q.jobs {
		if j.Status == StatusFailed {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].FailedAt == nil || out[k].FailedAt == nil {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].FailedAt.After(*out[k].FailedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promote(q.now())

	s := Stats{Paused: q.paused}
	for _, j := range q.jobs {
		switch j.Status {
		case StatusWaiting:
			s.Waiting++
		case StatusActive:
			s.Active++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusDelayed:
			s.Delayed++
		}
	}
	return s, nil
}

func (q *MemoryQueue) Pause(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	return nil
}

func (q *MemoryQueue) Resume(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	return nil
}

func (q *MemoryQueue) RequeueStalled(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := 0
	for _, j := range q.jobs {
		if j.Status == StatusActive && j.LeaseExpires != nil && now.After(*j.LeaseExpires) {
			j.Status = StatusWaiting
			j.LeaseExpires = nil
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Cleanup(_ context.Context, completedBefore, failedBefore time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, j := range q.jobs {
		remove := false
		switch j.Status {
		case StatusCompleted:
			remove = j.CompletedAt != nil && j.CompletedAt.Before(completedBefore)
		case StatusFailed:
			remove = j.FailedAt != nil && j.FailedAt.Before(failedBefore)
		}
		if remove {
			delete(q.jobs, id)
			if q.byCorrelation[j.CorrelationID] == id {
				delete(q.byCorrelation, j.CorrelationID)
			}
			n++
		}
	}
	return n, nil
}
