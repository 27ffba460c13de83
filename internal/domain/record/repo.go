package record

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// StaleRecord is the slim row shape the reconciliation sweep works with.
type StaleRecord struct {
	ID           uuid.UUID
	OrgID        string
	UpdatedAt    time.Time
	LastSyncedAt *time.Time
}

// Counts summarizes the sync state of one resource type within an org scope.
type Counts struct {
	Total     int `json:"total"`
	NotSynced int `json:"not_synced"`
	Stale     int `json:"stale"`
}

// Store is the read/advance surface over the primary datastore's clinical
// records. ListStale selects sync-enabled records whose last sync is missing
// or older than cutoff, oldest-updated first, bounded by limit. MarkSynced is
// the only sync-state mutation and only the worker pool calls it.
type Store interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error)
	GetObservation(ctx context.Context, id uuid.UUID) (*Observation, error)
	ListStale(ctx context.Context, typ ResourceType, orgID string, cutoff time.Time, limit int) ([]StaleRecord, error)
	StaleCounts(ctx context.Context, typ ResourceType, orgID string, cutoff time.Time) (Counts, error)
	MarkSynced(ctx context.Context, typ ResourceType, id uuid.UUID, externalID string, at time.Time) error
}
