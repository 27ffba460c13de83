package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migration is a single versioned DDL step. Migrations are embedded rather
// than read from disk so the sync server ships as a single binary.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "clinical_records",
		SQL: `
CREATE TABLE IF NOT EXISTS patient (
    id UUID PRIMARY KEY,
    org_id TEXT NOT NULL,
    family_name TEXT NOT NULL DEFAULT '',
    given_name TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    gender TEXT NOT NULL DEFAULT 'unknown',
    birth_date DATE,
    external_id TEXT,
    last_synced_at TIMESTAMPTZ,
    sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS encounter (
    id UUID PRIMARY KEY,
    org_id TEXT NOT NULL,
    patient_id UUID,
    status TEXT NOT NULL DEFAULT 'planned',
    class TEXT NOT NULL DEFAULT 'ambulatory',
    period_start TIMESTAMPTZ,
    period_end TIMESTAMPTZ,
    external_id TEXT,
    last_synced_at TIMESTAMPTZ,
    sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS observation (
    id UUID PRIMARY KEY,
    org_id TEXT NOT NULL,
    patient_id UUID,
    encounter_id UUID,
    status TEXT NOT NULL DEFAULT 'preliminary',
    category TEXT NOT NULL DEFAULT 'exam',
    code TEXT NOT NULL DEFAULT '',
    value_quantity DOUBLE PRECISION,
    value_unit TEXT NOT NULL DEFAULT '',
    effective_at TIMESTAMPTZ,
    external_id TEXT,
    last_synced_at TIMESTAMPTZ,
    sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_patient_stale ON patient (org_id, last_synced_at, updated_at) WHERE sync_enabled;
CREATE INDEX IF NOT EXISTS idx_encounter_stale ON encounter (org_id, last_synced_at, updated_at) WHERE sync_enabled;
CREATE INDEX IF NOT EXISTS idx_observation_stale ON observation (org_id, last_synced_at, updated_at) WHERE sync_enabled;
`,
	},
	{
		Version: 2,
		Name:    "consent",
		SQL: `
CREATE TABLE IF NOT EXISTS consent (
    id UUID PRIMARY KEY,
    subject_id UUID NOT NULL,
    org_id TEXT NOT NULL,
    purpose TEXT NOT NULL DEFAULT 'CARE',
    state TEXT NOT NULL DEFAULT 'ACTIVE',
    data_classes TEXT[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_consent_subject ON consent (subject_id, org_id, purpose) WHERE state = 'ACTIVE';
`,
	},
	{
		Version: 3,
		Name:    "audit_entry",
		SQL: `
CREATE TABLE IF NOT EXISTS audit_entry (
    id UUID PRIMARY KEY,
    org_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_audit_entry_type ON audit_entry (event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_entry_external ON audit_entry ((payload->>'external_event_id'));
`,
	},
	{
		Version: 4,
		Name:    "sync_job",
		SQL: `
CREATE TABLE IF NOT EXISTS sync_job (
    id UUID PRIMARY KEY,
    correlation_id TEXT NOT NULL UNIQUE,
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    org_id TEXT NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'waiting',
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    not_before TIMESTAMPTZ,
    lease_expires TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMPTZ,
    failed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sync_job_dequeue ON sync_job (status, created_at);
`,
	},
}

// Migrate applies all pending migrations in version order. Each migration runs
// in its own transaction together with its tracking-table insert.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS _migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("create _migrations table: %w", err)
	}

	applied := map[int]bool{}
	rows, err := pool.Query(ctx, `SELECT version FROM _migrations`)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO _migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
