// Package reconcile is the staleness backstop: a periodic batch scan that
// re-enqueues records the event-driven path missed or that failed silently.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/domain/audit"
	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/syncjob"
)

// Options tunes a sweep. Zero values take the defaults.
type Options struct {
	OrgID     string `json:"org_id,omitempty"`
	BatchSize int    `json:"batch_size"`
	StaleDays int    `json:"stale_days"`
}

const (
	DefaultBatchSize = 1000
	DefaultStaleDays = 1
)

// TypeResult is the per-resource-type tally of one sweep.
type TypeResult struct {
	Total     int `json:"total"`
	NotSynced int `json:"not_synced"`
	Stale     int `json:"stale"`
	Enqueued  int `json:"enqueued"`
	Errors    int `json:"errors"`
}

// Run is the outcome of one sweep. It is persisted only as the payload of
// the run's audit entry.
type Run struct {
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at"`
	Patients     TypeResult `json:"patients"`
	Encounters   TypeResult `json:"encounters"`
	Observations TypeResult `json:"observations"`
	Failures     []string   `json:"failures,omitempty"`
}

// Sweeper scans the primary store for records whose sync state is missing or
// stale and enqueues jobs for them, leaning on the queue's dedup so a sweep
// never duplicates work already in flight. It only enqueues and reads; it
// never touches a job's in-flight state, so it is safe to run concurrently
// with the worker pool and the mirror.
type Sweeper struct {
	queue   syncjob.Queue
	records record.Store
	audit   *audit.Service
	logger  zerolog.Logger
}

func NewSweeper(queue syncjob.Queue, records record.Store, auditSvc *audit.Service, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		queue:   queue,
		records: records,
		audit:   auditSvc,
		logger:  logger.With().Str("component", "reconcile").Logger(),
	}
}

// Run sweeps each resource type independently and never returns an error: a
// failure in one type's sweep is recorded and the next type still runs.
// Every run appends exactly one audit entry; if even that write fails, the
// failure is logged and the run result is still returned.
func (s *Sweeper) Run(ctx context.Context, opts Options) Run {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.StaleDays <= 0 {
		opts.StaleDays = DefaultStaleDays
	}

	run := Run{StartedAt: time.Now().UTC()}
	cutoff := run.StartedAt.Add(-time.Duration(opts.StaleDays) * 24 * time.Hour)

	run.Patients = s.sweepType(ctx, record.TypePatient, opts, cutoff, &run)
	run.Encounters = s.sweepType(ctx, record.TypeEncounter, opts, cutoff, &run)
	run.Observations = s.sweepType(ctx, record.TypeObservation, opts, cutoff, &run)
	run.FinishedAt = time.Now().UTC()

	payload := map[string]any{
		"org_id":       opts.OrgID,
		"batch_size":   opts.BatchSize,
		"stale_days":   opts.StaleDays,
		"started_at":   run.StartedAt.Format(time.RFC3339),
		"finished_at":  run.FinishedAt.Format(time.RFC3339),
		"patients":     run.Patients,
		"encounters":   run.Encounters,
		"observations": run.Observations,
	}
	if len(run.Failures) > 0 {
		payload["failures"] = run.Failures
	}
	orgID := opts.OrgID
	if orgID == "" {
		orgID = audit.SystemOrg
	}
	if err := s.audit.Record(ctx, orgID, audit.EventFHIRReconciliation, payload); err != nil {
		s.logger.Error().Err(err).Msg("reconciliation audit entry failed")
	}

	s.logger.Info().
		Int("enqueued", run.Patients.Enqueued+run.Encounters.Enqueued+run.Observations.Enqueued).
		Int("errors", run.Patients.Errors+run.Encounters.Errors+run.Observations.Errors).
		Int("failures", len(run.Failures)).
		Msg("reconciliation run finished")
	return run
}

// sweepType scans one resource type. Panics and store failures are captured
// into run.Failures so the remaining types still sweep.
func (s *Sweeper) sweepType(ctx context.Context, typ record.ResourceType, opts Options, cutoff time.Time, run *Run) (result TypeResult) {
	defer func() {
		if r := recover(); r != nil {
			run.Failures = append(run.Failures, fmt.Sprintf("%s sweep panicked: %v", typ, r))
			s.logger.Error().Str("resource_type", string(typ)).Interface("panic", r).Msg("sweep panicked")
		}
	}()

	counts, err := s.records.StaleCounts(ctx, typ, opts.OrgID, cutoff)
	if err != nil {
		run.Failures = append(run.Failures, fmt.Sprintf("%s counts: %v", typ, err))
		return result
	}
	result.Total = counts.Total
	result.NotSynced = counts.NotSynced
	result.Stale = counts.Stale

	batch, err := s.records.ListStale(ctx, typ, opts.OrgID, cutoff, opts.BatchSize)
	if err != nil {
		run.Failures = append(run.Failures, fmt.Sprintf("%s list: %v", typ, err))
		return result
	}

	for _, r := range batch {
		// The correlation id is stable per record, so a later sweep dedups
		// against a reconcile job still waiting, delayed, or active. A
		// completed job releases the id, and a record that is still stale
		// after completion gets enqueued again.
		correlationID := fmt.Sprintf("reconcile-%s-%s", typ, r.ID)
		job, err := syncjob.BuildJob(ctx, s.records, typ, r.ID, correlationID)
		if err != nil {
			// One bad record never aborts the sweep.
			result.Errors++
			s.logger.Warn().Err(err).Str("resource_id", r.ID.String()).Msg("build job failed during sweep")
			continue
		}
		enqueued, err := s.queue.Enqueue(ctx, job)
		if err != nil {
			result.Errors++
			s.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("enqueue failed during sweep")
			continue
		}
		if enqueued {
			result.Enqueued++
		}
	}
	return result
}
