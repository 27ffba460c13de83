package syncjob

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/domain/consent"
	"github.com/ehr/fhirsync/internal/domain/record"
)

// Listener turns ResourceUpserted domain events into sync jobs: it loads the
// record, runs the consent gate, and enqueues. Each triggering write gets its
// own correlation id, so two rapid updates to one record produce two jobs;
// the worker re-checks consent at execution time regardless.
type Listener struct {
	queue   Queue
	records record.Store
	gate    *consent.Gate
	logger  zerolog.Logger
}

func NewListener(queue Queue, records record.Store, gate *consent.Gate, logger zerolog.Logger) *Listener {
	return &Listener{
		queue:   queue,
		records: records,
		gate:    gate,
		logger:  logger.With().Str("component", "sync_listener").Logger(),
	}
}

// HandleUpsert is the record.UpsertHandler for this listener.
func (l *Listener) HandleUpsert(ctx context.Context, ev record.ResourceUpserted) {
	log := l.logger.With().
		Str("resource_type", string(ev.Type)).
		Str("resource_id", ev.ID.String()).
		Logger()

	correlationID := uuid.New().String()
	job, err := BuildJob(ctx, l.records, ev.Type, ev.ID, correlationID)
	if err != nil {
		if errors.Is(err, ErrSyncDisabled) {
			log.Debug().Msg("record opted out of sync")
			return
		}
		log.Error().Err(err).Msg("build sync job failed")
		return
	}

	subject := job.subjectID()
	if subject == uuid.Nil {
		log.Warn().Str("correlation_id", correlationID).Msg("record missing subject, not enqueueing")
		return
	}
	if !l.gate.Check(ctx, subject, job.OrgID, ev.Type.DataClass()) {
		log.Debug().Str("correlation_id", correlationID).Msg("no active consent, not enqueueing")
		return
	}

	enqueued, err := l.queue.Enqueue(ctx, job)
	if err != nil {
		log.Error().Err(err).Str("correlation_id", correlationID).Msg("enqueue failed")
		return
	}
	if enqueued {
		log.Info().Str("correlation_id", correlationID).Msg("sync job enqueued")
	}
}
