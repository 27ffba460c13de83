package syncjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGQueue is the Postgres-backed Queue. Dedup rides on the correlation_id
// unique constraint; dequeue leases with FOR UPDATE SKIP LOCKED so multiple
// workers and multiple nodes can pull concurrently. The pause flag is
// process-local: pausing stops this node's dequeues.
type PGQueue struct {
	pool *pgxpool.Pool

	maxAttempts int
	visibility  time.Duration
	retryBase   time.Duration

	mu     sync.RWMutex
	paused bool
}

// PGOption configures a PGQueue.
type PGOption func(*PGQueue)

// WithPGMaxAttempts overrides the per-job attempt budget.
func WithPGMaxAttempts(n int) PGOption {
	return func(q *PGQueue) { q.maxAttempts = n }
}

// WithPGVisibilityTimeout overrides the dequeue lease duration.
func WithPGVisibilityTimeout(d time.Duration) PGOption {
	return func(q *PGQueue) { q.visibility = d }
}

func NewPGQueue(pool *pgxpool.Pool, opts ...PGOption) *PGQueue {
	q := &PGQueue{
		pool:        pool,
		maxAttempts: DefaultMaxAttempts,
		visibility:  DefaultVisibilityTimeout,
		retryBase:   DefaultRetryDelay,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

const jobCols = `id, correlation_id, resource_type, resource_id, org_id, payload, status,
	attempts, last_error, not_before, lease_expires, created_at, updated_at, completed_at, failed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.CorrelationID, &j.ResourceType, &j.ResourceID, &j.OrgID, &j.Payload, &j.Status,
		&j.AttemptsMade, &j.LastError, &j.NotBefore, &j.LeaseExpires, &j.CreatedAt, &j.UpdatedAt,
		&j.CompletedAt, &j.FailedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return &j, err
}

func (q *PGQueue) Enqueue(ctx context.Context, job *Job) (bool, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	// A conflicting row blocks the insert unless it already completed, in
	// which case the slot is reused for a fresh waiting job.
	tag, err := q.pool.Exec(ctx, `
		INSERT INTO sync_job (id, correlation_id, resource_type, resource_id, org_id, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'waiting')
		ON CONFLICT (correlation_id) DO UPDATE SET
			id = EXCLUDED.id,
			resource_type = EXCLUDED.resource_type,
			resource_id = EXCLUDED.resource_id,
			org_id = EXCLUDED.org_id,
			payload = EXCLUDED.payload,
			status = 'waiting',
			attempts = 0,
			last_error = '',
			not_before = NULL,
			lease_expires = NULL,
			created_at = NOW(),
			updated_at = NOW(),
			completed_at = NULL,
			failed_at = NULL
		WHERE sync_job.status = 'completed'`,
		job.ID, job.CorrelationID, job.ResourceType, job.ResourceID, job.OrgID, job.Payload,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.CorrelationID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (q *PGQueue) Dequeue(ctx context.Context) (*Job, error) {
	q.mu.RLock()
	paused := q.paused
	q.mu.RUnlock()
	if paused {
		return nil, nil
	}

	// One statement claims the oldest runnable job: waiting, delayed past its
	// delay, or active with an expired lease (stall recovery).
	row := q.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE sync_job SET
			status = 'active',
			attempts = attempts + 1,
			not_before = NULL,
			lease_expires = NOW() + $1,
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM sync_job
			WHERE status = 'waiting'
			   OR (status = 'delayed' AND not_before <= NOW())
			   OR (status = 'active' AND lease_expires < NOW())
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING %s`, jobCols),
		q.visibility,
	)

	j, err := scanJob(row)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return j, nil
}

func (q *PGQueue) Ack(ctx context.Context, id uuid.UUID) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE sync_job SET status = 'completed', lease_expires = NULL,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *PGQueue) Nack(ctx context.Context, id uuid.UUID, reason string) error {
	var attempts int
	err := q.pool.QueryRow(ctx, `SELECT attempts FROM sync_job WHERE id = $1`, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("nack %s: %w", id, err)
	}

	if attempts >= q.maxAttempts {
		_, err = q.pool.Exec(ctx, `
			UPDATE sync_job SET status = 'failed', last_error = $2, lease_expires = NULL,
				failed_at = NOW(), updated_at = NOW()
			WHERE id = $1`, id, reason)
	} else {
		delay := retryDelay(q.retryBase, attempts)
		_, err = q.pool.Exec(ctx, `
			UPDATE sync_job SET status = 'delayed', last_error = $2, lease_expires = NULL,
				not_before = NOW() + $3, updated_at = NOW()
			WHERE id = $1`, id, reason, delay)
	}
	if err != nil {
		return fmt.Errorf("nack %s: %w", id, err)
	}
	return nil
}

func (q *PGQueue) Retry(ctx context.Context, id uuid.UUID) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE sync_job SET status = 'waiting', attempts = 0, not_before = NULL,
			failed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *PGQueue) ListFailed(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := q.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM sync_job WHERE status = 'failed' ORDER BY failed_at DESC LIMIT $1`, jobCols), limit)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (q *PGQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.RLock()
	s := Stats{Paused: q.paused}
	q.mu.RUnlock()

	rows, err := q.pool.Query(ctx, `SELECT status, COUNT(*) FROM sync_job GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case StatusWaiting:
			s.Waiting = n
		case StatusActive:
			s.Active = n
		case StatusCompleted:
			s.Completed = n
		case StatusFailed:
			s.Failed = n
		case StatusDelayed:
			s.Delayed = n
		}
	}
	return s, rows.Err()
}

func (q *PGQueue) Pause(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	return nil
}

func (q *PGQueue) Resume(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	return nil
}

func (q *PGQueue) RequeueStalled(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE sync_job SET status = 'waiting', lease_expires = NULL, updated_at = NOW()
		WHERE status = 'active' AND lease_expires < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("requeue stalled: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *PGQueue) Cleanup(ctx context.Context, completedBefore, failedBefore time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM sync_job
		WHERE (status = 'completed' AND completed_at < $1)
		   OR (status = 'failed' AND failed_at < $2)`,
		completedBefore, failedBefore)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
