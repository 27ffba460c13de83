// Package record holds the clinical-record models the sync bridge propagates
// to the external registry, together with the per-record sync state embedded
// on each of them. The primary datastore that owns these rows is an external
// collaborator; this package only reads records and advances their sync state.
package record

import (
	"time"

	"github.com/google/uuid"
)

// ResourceType enumerates the clinical record types the bridge synchronizes.
type ResourceType string

const (
	TypePatient     ResourceType = "patient"
	TypeEncounter   ResourceType = "encounter"
	TypeObservation ResourceType = "observation"
)

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	switch t {
	case TypePatient, TypeEncounter, TypeObservation:
		return true
	}
	return false
}

// DataClass returns the consent data class guarding syncs of this type.
func (t ResourceType) DataClass() string {
	switch t {
	case TypePatient:
		return "patients"
	case TypeEncounter:
		return "encounters"
	case TypeObservation:
		return "observations"
	}
	return string(t)
}

// FHIRResource returns the registry resource type for t.
func (t ResourceType) FHIRResource() string {
	switch t {
	case TypePatient:
		return "Patient"
	case TypeEncounter:
		return "Encounter"
	case TypeObservation:
		return "Observation"
	}
	return ""
}

// SyncState is embedded on every clinical record. ExternalID is the foreign
// key into the external registry; LastSyncedAt is nil until the first
// successful sync. Only the worker pool mutates it, via Store.MarkSynced.
type SyncState struct {
	ExternalID   *string    `db:"external_id" json:"external_id,omitempty"`
	LastSyncedAt *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	SyncEnabled  bool       `db:"sync_enabled" json:"sync_enabled"`
}

// Stale reports whether the record needs a (re)sync at the given instant:
// never synced, or last synced longer than threshold ago.
func (s SyncState) Stale(now time.Time, threshold time.Duration) bool {
	if s.LastSyncedAt == nil {
		return true
	}
	return s.LastSyncedAt.Before(now.Add(-threshold))
}

// Patient is the internal patient record. Name and contact fields never leave
// the system boundary; the transformer derives a de-identified label instead.
type Patient struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	OrgID      string     `db:"org_id" json:"org_id"`
	FamilyName string     `db:"family_name" json:"family_name"`
	GivenName  string     `db:"given_name" json:"given_name"`
	Phone      string     `db:"phone" json:"phone"`
	Email      string     `db:"email" json:"email"`
	Gender     string     `db:"gender" json:"gender"`
	BirthDate  *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	SyncState
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Encounter is the internal encounter record. PatientID is the required
// subject link; a nil subject is a data-integrity failure rejected before any
// external I/O.
type Encounter struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	OrgID       string     `db:"org_id" json:"org_id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	Status      string     `db:"status" json:"status"`
	Class       string     `db:"class" json:"class"`
	PeriodStart *time.Time `db:"period_start" json:"period_start,omitempty"`
	PeriodEnd   *time.Time `db:"period_end" json:"period_end,omitempty"`
	SyncState
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Observation is the internal observation record.
type Observation struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	OrgID         string     `db:"org_id" json:"org_id"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patient_id"`
	EncounterID   *uuid.UUID `db:"encounter_id" json:"encounter_id,omitempty"`
	Status        string     `db:"status" json:"status"`
	Category      string     `db:"category" json:"category"`
	Code          string     `db:"code" json:"code"`
	ValueQuantity *float64   `db:"value_quantity" json:"value_quantity,omitempty"`
	ValueUnit     string     `db:"value_unit" json:"value_unit"`
	EffectiveAt   *time.Time `db:"effective_at" json:"effective_at,omitempty"`
	SyncState
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
