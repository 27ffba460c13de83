package record

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-memory Store. It backs the tests and
// single-process deployments that run without Postgres.
type MemoryStore struct {
	mu           sync.RWMutex
	patients     map[uuid.UUID]*Patient
	encounters   map[uuid.UUID]*Encounter
	observations map[uuid.UUID]*Observation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:     make(map[uuid.UUID]*Patient),
		encounters:   make(map[uuid.UUID]*Encounter),
		observations: make(map[uuid.UUID]*Observation),
	}
}

// PutPatient inserts or replaces a patient row.
func (s *MemoryStore) PutPatient(p *Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.patients[p.ID] = &cp
}

// PutEncounter inserts or replaces an encounter row.
func (s *MemoryStore) PutEncounter(e *Encounter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.encounters[e.ID] = &cp
}

// PutObservation inserts or replaces an observation row.
func (s *MemoryStore) PutObservation(o *Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.observations[o.ID] = &cp
}

func (s *MemoryStore) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetEncounter(_ context.Context, id uuid.UUID) (*Encounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.encounters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetObservation(_ context.Context, id uuid.UUID) (*Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.observations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// row is the common projection the stale scan works over.
type row struct {
	id           uuid.UUID
	orgID        string
	updatedAt    time.Time
	lastSyncedAt *time.Time
	syncEnabled  bool
}

func (s *MemoryStore) rowsOf(typ ResourceType) []row {
	var out []row
	switch typ {
	case TypePatient:
		for _, p := range s.patients {
			out = append(out, row{p.ID, p.OrgID, p.UpdatedAt, p.LastSyncedAt, p.SyncEnabled})
		}
	case TypeEncounter:
		for _, e := range s.encounters {
			out = append(out, row{e.ID, e.OrgID, e.UpdatedAt, e.LastSyncedAt, e.SyncEnabled})
		}
	case TypeObservation:
		for _, o := range s.observations {
			out = append(out, row{o.ID, o.OrgID, o.UpdatedAt, o.LastSyncedAt, o.SyncEnabled})
		}
	}
	return out
}

func staleRow(r row, cutoff time.Time) bool {
	return r.lastSyncedAt == nil || r.lastSyncedAt.Before(cutoff)
}

func (s *MemoryStore) ListStale(_ context.Context, typ ResourceType, orgID string, cutoff time.Time, limit int) ([]StaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []row
	for _, r := range s.rowsOf(typ) {
		if !r.syncEnabled {
			continue
		}
		if orgID != "" && r.orgID != orgID {
			continue
		}
		if staleRow(r, cutoff) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].updatedAt.Before(matched[j].updatedAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]StaleRecord, 0, len(matched))
	for _, r := range matched {
		out = append(out, StaleRecord{ID: r.id, OrgID: r.orgID, UpdatedAt: r.updatedAt, LastSyncedAt: r.lastSyncedAt})
	}
	return out, nil
}

func (s *MemoryStore) StaleCounts(_ context.Context, typ ResourceType, orgID string, cutoff time.Time) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Counts
	for _, r := range s.rowsOf(typ) {
		if !r.syncEnabled {
			continue
		}
		if orgID != "" && r.orgID != orgID {
			continue
		}
		c.Total++
		if r.lastSyncedAt == nil {
			c.NotSynced++
		}
		if staleRow(r, cutoff) {
			c.Stale++
		}
	}
	return c, nil
}

func (s *MemoryStore) MarkSynced(_ context.Context, typ ResourceType, id uuid.UUID, externalID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ext := externalID
	ts := at
	switch typ {
	case TypePatient:
		p, ok := s.patients[id]
		if !ok {
			return ErrNotFound
		}
		p.ExternalID = &ext
		p.LastSyncedAt = &ts
	case TypeEncounter:
		e, ok := s.encounters[id]
		if !ok {
			return ErrNotFound
		}
		e.ExternalID = &ext
		e.LastSyncedAt = &ts
	case TypeObservation:
		o, ok := s.observations[id]
		if !ok {
			return ErrNotFound
		}
		o.ExternalID = &ext
		o.LastSyncedAt = &ts
	default:
		return ErrNotFound
	}
	return nil
}
