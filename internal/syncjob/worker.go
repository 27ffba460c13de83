package syncjob

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/fhirsync/internal/domain/audit"
	"github.com/ehr/fhirsync/internal/domain/consent"
	"github.com/ehr/fhirsync/internal/domain/record"
)

// Upserter is the slice of the registry client the worker needs.
type Upserter interface {
	Upsert(ctx context.Context, resourceType, id string, resource any, correlationID string) error
}

// Pool executes sync jobs with bounded concurrency and a shared dequeue rate
// limiter. Each execution re-checks consent (state may have changed since
// enqueue), transforms, upserts, advances the record's sync state, and writes
// one audit entry, success or failure. The registry client's per-call
// backoff and the queue's per-job attempts are two distinct retry layers.
type Pool struct {
	queue    Queue
	records  record.Store
	gate     *consent.Gate
	client   Upserter
	audit    *audit.Service
	logger   zerolog.Logger
	limiter  *rate.Limiter
	workers  int
	pollWait time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.workers = n }
}

// WithRateLimit caps dequeues per second across all workers.
func WithRateLimit(perSec float64) PoolOption {
	return func(p *Pool) { p.limiter = rate.NewLimiter(rate.Limit(perSec), int(perSec)) }
}

// WithPollWait sets how long an idle worker sleeps before re-polling.
func WithPollWait(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollWait = d }
}

func NewPool(queue Queue, records record.Store, gate *consent.Gate, client Upserter, auditSvc *audit.Service, logger zerolog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:    queue,
		records:  records,
		gate:     gate,
		client:   client,
		audit:    auditSvc,
		logger:   logger.With().Str("component", "sync_worker").Logger(),
		limiter:  rate.NewLimiter(10, 10),
		workers:  5,
		pollWait: time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info().Int("concurrency", p.workers).Msg("worker pool started")
}

// Stop signals the workers and waits for in-flight jobs to drain. Jobs run
// to completion; there is no mid-flight cancellation.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, n int) {
	defer p.wg.Done()
	log := p.logger.With().Int("worker", n).Logger()

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("dequeue failed")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollWait):
			}
			continue
		}

		// In-flight jobs finish even when the pool is stopping; the dequeue
		// lease was already taken.
		p.Process(context.WithoutCancel(ctx), job)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Process executes one job end to end: gate, transform, upsert, sync-state
// advance, audit entry, and the ack/nack decision.
func (p *Pool) Process(ctx context.Context, job *Job) SyncResult {
	start := time.Now()
	res := p.execute(ctx, job)
	res.Retries = job.AttemptsMade - 1
	res.ProcessingTimeMs = time.Since(start).Milliseconds()

	log := p.logger.With().
		Str("correlation_id", job.CorrelationID).
		Str("resource_type", string(job.ResourceType)).
		Str("resource_id", job.ResourceID).
		Logger()

	// Exactly one ledger entry per attempt, success or failure. A ledger
	// write failure is already logged by the audit service and must not
	// change the job outcome.
	_ = p.audit.Record(ctx, job.OrgID, audit.EventFHIRSync, map[string]any{
		"correlation_id":       job.CorrelationID,
		"resource_type":        string(job.ResourceType),
		"resource_id":          job.ResourceID,
		"success":              res.Success,
		"error":                res.Error,
		"external_resource_id": res.ExternalResourceID,
		"retries":              res.Retries,
		"processing_time_ms":   res.ProcessingTimeMs,
	})

	switch {
	case res.Success, res.terminal:
		// Terminal negatives (consent denied, malformed input) are acked:
		// the queue retrying cannot change them.
		if err := p.queue.Ack(ctx, job.ID); err != nil {
			log.Error().Err(err).Msg("ack failed")
		}
		if res.Success {
			log.Info().Int64("ms", res.ProcessingTimeMs).Msg("sync completed")
		} else {
			log.Warn().Str("reason", res.Error).Msg("sync rejected")
		}
	default:
		if err := p.queue.Nack(ctx, job.ID, res.Error); err != nil {
			log.Error().Err(err).Msg("nack failed")
		}
		log.Warn().Str("reason", res.Error).Int("attempt", job.AttemptsMade).Msg("sync attempt failed")
	}

	return res
}

func (p *Pool) execute(ctx context.Context, job *Job) SyncResult {
	subject := job.subjectID()
	if subject == uuid.Nil {
		return SyncResult{Error: "record missing subject reference", terminal: true}
	}

	// Consent is re-checked on every attempt; it may have been revoked since
	// the job was enqueued.
	if !p.gate.Check(ctx, subject, job.OrgID, job.ResourceType.DataClass()) {
		return SyncResult{Error: "No active consent", terminal: true}
	}

	resource, externalID, err := Resource(job)
	if err != nil {
		return SyncResult{Error: err.Error(), terminal: true}
	}

	if err := p.client.Upsert(ctx, job.ResourceType.FHIRResource(), externalID, resource, job.CorrelationID); err != nil {
		return SyncResult{Error: err.Error()}
	}

	id, err := uuid.Parse(job.ResourceID)
	if err != nil {
		return SyncResult{Error: "invalid resource id " + job.ResourceID, terminal: true}
	}
	if err := p.records.MarkSynced(ctx, job.ResourceType, id, externalID, time.Now().UTC()); err != nil {
		// The upsert is idempotent, so failing the job and re-running it is
		// safe and keeps local state honest.
		return SyncResult{Error: "mark synced: " + err.Error()}
	}

	return SyncResult{Success: true, ExternalResourceID: externalID}
}
