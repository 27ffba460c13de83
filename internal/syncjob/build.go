package syncjob

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/fhirsync/internal/domain/record"
)

// ErrSyncDisabled is returned when the record has opted out of syncing.
var ErrSyncDisabled = errors.New("sync disabled for record")

// BuildJob loads the record and assembles a ready-to-enqueue job. Shared by
// the upsert listener and the reconciliation sweeper so both paths produce
// identical payloads.
func BuildJob(ctx context.Context, records record.Store, typ record.ResourceType, id uuid.UUID, correlationID string) (*Job, error) {
	job := &Job{
		CorrelationID: correlationID,
		ResourceType:  typ,
		ResourceID:    id.String(),
	}

	switch typ {
	case record.TypePatient:
		p, err := records.GetPatient(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load patient %s: %w", id, err)
		}
		if !p.SyncEnabled {
			return nil, ErrSyncDisabled
		}
		job.OrgID = p.OrgID
		job.Payload.Patient = &PatientSync{
			ID:        p.ID,
			OrgID:     p.OrgID,
			Gender:    p.Gender,
			BirthDate: p.BirthDate,
		}
	case record.TypeEncounter:
		e, err := records.GetEncounter(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load encounter %s: %w", id, err)
		}
		if !e.SyncEnabled {
			return nil, ErrSyncDisabled
		}
		job.OrgID = e.OrgID
		job.Payload.Encounter = &EncounterSync{
			ID:          e.ID,
			OrgID:       e.OrgID,
			PatientID:   e.PatientID,
			Status:      e.Status,
			Class:       e.Class,
			PeriodStart: e.PeriodStart,
			PeriodEnd:   e.PeriodEnd,
		}
	case record.TypeObservation:
		o, err := records.GetObservation(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load observation %s: %w", id, err)
		}
		if !o.SyncEnabled {
			return nil, ErrSyncDisabled
		}
		job.OrgID = o.OrgID
		job.Payload.Observation = &ObservationSync{
			ID:            o.ID,
			OrgID:         o.OrgID,
			PatientID:     o.PatientID,
			EncounterID:   o.EncounterID,
			Status:        o.Status,
			Category:      o.Category,
			Code:          o.Code,
			ValueQuantity: o.ValueQuantity,
			ValueUnit:     o.ValueUnit,
			EffectiveAt:   o.EffectiveAt,
		}
	default:
		return nil, fmt.Errorf("unknown resource type %q", typ)
	}

	return job, nil
}

// subjectID returns the patient the job's data is about, used for consent
// checks. A patient is its own subject. uuid.Nil means the subject link is
// missing, which is a data-integrity failure.
func (j *Job) subjectID() uuid.UUID {
	switch j.ResourceType {
	case record.TypePatient:
		if j.Payload.Patient != nil {
			return j.Payload.Patient.ID
		}
	case record.TypeEncounter:
		if j.Payload.Encounter != nil {
			return j.Payload.Encounter.PatientID
		}
	case record.TypeObservation:
		if j.Payload.Observation != nil {
			return j.Payload.Observation.PatientID
		}
	}
	return uuid.Nil
}
