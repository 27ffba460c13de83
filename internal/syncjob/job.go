// Package syncjob is the heart of the bridge: the durable job queue, the
// worker pool that executes sync jobs against the registry, the pure
// transformers that build the external wire format, and the listener that
// turns record-upsert events into jobs.
package syncjob

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirsync/internal/domain/record"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
)

// PatientSync carries the de-identifiable subset of a patient record needed
// to rebuild its external representation.
type PatientSync struct {
	ID        uuid.UUID  `json:"id"`
	OrgID     string     `json:"org_id"`
	Gender    string     `json:"gender"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
}

// EncounterSync carries the data needed to rebuild an external Encounter.
type EncounterSync struct {
	ID          uuid.UUID  `json:"id"`
	OrgID       string     `json:"org_id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	Status      string     `json:"status"`
	Class       string     `json:"class"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
}

// ObservationSync carries the data needed to rebuild an external Observation.
type ObservationSync struct {
	ID            uuid.UUID  `json:"id"`
	OrgID         string     `json:"org_id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	EncounterID   *uuid.UUID `json:"encounter_id,omitempty"`
	Status        string     `json:"status"`
	Category      string     `json:"category"`
	Code          string     `json:"code"`
	ValueQuantity *float64   `json:"value_quantity,omitempty"`
	ValueUnit     string     `json:"value_unit,omitempty"`
	EffectiveAt   *time.Time `json:"effective_at,omitempty"`
}

// Payload is the tagged union carried by a job; Job.ResourceType is the
// discriminant and exactly one arm is non-nil.
type Payload struct {
	Patient     *PatientSync     `json:"patient,omitempty"`
	Encounter   *EncounterSync   `json:"encounter,omitempty"`
	Observation *ObservationSync `json:"observation,omitempty"`
}

// Job is one unit of asynchronous sync work. CorrelationID is globally
// unique per logical sync operation and doubles as the dedup key: enqueueing
// the same id while a job with that id is not yet completed is a no-op.
type Job struct {
	ID            uuid.UUID           `json:"id"`
	CorrelationID string              `json:"correlation_id"`
	ResourceType  record.ResourceType `json:"resource_type"`
	ResourceID    string              `json:"resource_id"`
	OrgID         string              `json:"org_id"`
	Payload       Payload             `json:"payload"`
	Status        Status              `json:"status"`
	AttemptsMade  int                 `json:"attempts_made"`
	LastError     string              `json:"last_error,omitempty"`
	NotBefore     *time.Time          `json:"not_before,omitempty"`
	LeaseExpires  *time.Time          `json:"lease_expires,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	FailedAt      *time.Time          `json:"failed_at,omitempty"`
}

// SyncResult is the outcome of one execution attempt. It is not persisted on
// its own; the worker folds it into the job's audit entry.
type SyncResult struct {
	Success            bool   `json:"success"`
	ExternalResourceID string `json:"external_resource_id,omitempty"`
	Error              string `json:"error,omitempty"`
	Retries            int    `json:"retries"`
	ProcessingTimeMs   int64  `json:"processing_time_ms"`

	// terminal marks negative outcomes retrying cannot fix (consent denied,
	// malformed payload); the worker acks instead of nacking.
	terminal bool
}
