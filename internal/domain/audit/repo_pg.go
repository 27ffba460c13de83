package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed ledger Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Append(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_entry (id, org_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.OrgID, e.EventType, e.Payload, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *PGStore) ExistsExternalEvent(ctx context.Context, externalEventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM audit_entry WHERE payload->>'external_event_id' = $1)`,
		externalEventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check mirrored event: %w", err)
	}
	return exists, nil
}

func (s *PGStore) LatestMirrorHighWater(ctx context.Context) (time.Time, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT payload->>'high_water' FROM audit_entry
		 WHERE event_type = $1 AND payload ? 'high_water'
		 ORDER BY created_at DESC LIMIT 1`,
		EventFHIRAuditMirror,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read mirror high water: %w", err)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse mirror high water %q: %w", raw, err)
	}
	return t, nil
}

func (s *PGStore) Search(ctx context.Context, f Filters, limit, offset int) ([]*Entry, int, error) {
	where := "TRUE"
	args := []any{}
	idx := 1

	add := func(clause string, v any) {
		where += fmt.Sprintf(" AND %s", fmt.Sprintf(clause, idx))
		args = append(args, v)
		idx++
	}

	if f.OrgID != "" {
		add("org_id = $%d", f.OrgID)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}

	var total int
	countQ := fmt.Sprintf("SELECT COUNT(*) FROM audit_entry WHERE %s", where)
	if err := s.pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	q := fmt.Sprintf(`SELECT id, org_id, event_type, payload, created_at FROM audit_entry
		WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search audit entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OrgID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

func (s *PGStore) History(ctx context.Context, eventType string, limit int) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, org_id, event_type, payload, created_at FROM audit_entry
		 WHERE event_type = $1 ORDER BY created_at DESC LIMIT $2`,
		eventType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit history: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OrgID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
