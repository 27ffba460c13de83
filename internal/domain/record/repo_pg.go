package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const patientCols = `id, org_id, family_name, given_name, phone, email, gender, birth_date,
	external_id, last_synced_at, sync_enabled, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.OrgID, &p.FamilyName, &p.GivenName, &p.Phone, &p.Email, &p.Gender, &p.BirthDate,
		&p.ExternalID, &p.LastSyncedAt, &p.SyncEnabled, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (s *PGStore) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	q := fmt.Sprintf("SELECT %s FROM patient WHERE id = $1", patientCols)
	return scanPatient(s.pool.QueryRow(ctx, q, id))
}

const encounterCols = `id, org_id, patient_id, status, class, period_start, period_end,
	external_id, last_synced_at, sync_enabled, created_at, updated_at`

func scanEncounter(row pgx.Row) (*Encounter, error) {
	var e Encounter
	err := row.Scan(
		&e.ID, &e.OrgID, &e.PatientID, &e.Status, &e.Class, &e.PeriodStart, &e.PeriodEnd,
		&e.ExternalID, &e.LastSyncedAt, &e.SyncEnabled, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &e, err
}

func (s *PGStore) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	q := fmt.Sprintf("SELECT %s FROM encounter WHERE id = $1", encounterCols)
	return scanEncounter(s.pool.QueryRow(ctx, q, id))
}

const observationCols = `id, org_id, patient_id, encounter_id, status, category, code,
	value_quantity, value_unit, effective_at,
	external_id, last_synced_at, sync_enabled, created_at, updated_at`

func scanObservation(row pgx.Row) (*Observation, error) {
	var o Observation
	err := row.Scan(
		&o.ID, &o.OrgID, &o.PatientID, &o.EncounterID, &o.Status, &o.Category, &o.Code,
		&o.ValueQuantity, &o.ValueUnit, &o.EffectiveAt,
		&o.ExternalID, &o.LastSyncedAt, &o.SyncEnabled, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &o, err
}

func (s *PGStore) GetObservation(ctx context.Context, id uuid.UUID) (*Observation, error) {
	q := fmt.Sprintf("SELECT %s FROM observation WHERE id = $1", observationCols)
	return scanObservation(s.pool.QueryRow(ctx, q, id))
}

func tableFor(typ ResourceType) (string, error) {
	switch typ {
	case TypePatient:
		return "patient", nil
	case TypeEncounter:
		return "encounter", nil
	case TypeObservation:
		return "observation", nil
	}
	return "", fmt.Errorf("unknown resource type %q", typ)
}

func (s *PGStore) ListStale(ctx context.Context, typ ResourceType, orgID string, cutoff time.Time, limit int) ([]StaleRecord, error) {
	table, err := tableFor(typ)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT id, org_id, updated_at, last_synced_at FROM %s
		WHERE sync_enabled
		  AND (last_synced_at IS NULL OR last_synced_at < $1)
		  AND ($2 = '' OR org_id = $2)
		ORDER BY updated_at ASC
		LIMIT $3`, table)

	rows, err := s.pool.Query(ctx, q, cutoff, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale %s: %w", table, err)
	}
	defer rows.Close()

	var out []StaleRecord
	for rows.Next() {
		var r StaleRecord
		if err := rows.Scan(&r.ID, &r.OrgID, &r.UpdatedAt, &r.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("scan stale %s: %w", table, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) StaleCounts(ctx context.Context, typ ResourceType, orgID string, cutoff time.Time) (Counts, error) {
	table, err := tableFor(typ)
	if err != nil {
		return Counts{}, err
	}

	q := fmt.Sprintf(`SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE last_synced_at IS NULL),
		COUNT(*) FILTER (WHERE last_synced_at IS NULL OR last_synced_at < $1)
	FROM %s WHERE sync_enabled AND ($2 = '' OR org_id = $2)`, table)

	var c Counts
	if err := s.pool.QueryRow(ctx, q, cutoff, orgID).Scan(&c.Total, &c.NotSynced, &c.Stale); err != nil {
		return Counts{}, fmt.Errorf("count %s: %w", table, err)
	}
	return c, nil
}

func (s *PGStore) MarkSynced(ctx context.Context, typ ResourceType, id uuid.UUID, externalID string, at time.Time) error {
	table, err := tableFor(typ)
	if err != nil {
		return err
	}

	// updated_at is deliberately untouched: sync bookkeeping is not a
	// clinical update.
	q := fmt.Sprintf(`UPDATE %s SET external_id = $1, last_synced_at = $2 WHERE id = $3`, table)
	tag, err := s.pool.Exec(ctx, q, externalID, at, id)
	if err != nil {
		return fmt.Errorf("mark %s synced: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
