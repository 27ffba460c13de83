package consent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed consent Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) ActiveForSubject(ctx context.Context, subjectID uuid.UUID, orgID, purpose string) (*Consent, error) {
	q := `SELECT id, subject_id, org_id, purpose, state, data_classes, created_at, updated_at
		FROM consent
		WHERE subject_id = $1 AND org_id = $2 AND purpose = $3 AND state = $4
		ORDER BY updated_at DESC
		LIMIT 1`

	var c Consent
	err := s.pool.QueryRow(ctx, q, subjectID, orgID, purpose, StateActive).Scan(
		&c.ID, &c.SubjectID, &c.OrgID, &c.Purpose, &c.State, &c.DataClasses, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup consent: %w", err)
	}
	return &c, nil
}
