package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-memory ledger Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryStore) ExistsExternalEvent(_ context.Context, externalEventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if id, ok := e.Payload["external_event_id"].(string); ok && id == externalEventID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) LatestMirrorHighWater(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Entries are append-ordered; walk backwards for the newest summary.
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.EventType != EventFHIRAuditMirror {
			continue
		}
		raw, ok := e.Payload["high_water"].(string)
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, err
		}
		return t, nil
	}
	return time.Time{}, nil
}

func (s *MemoryStore) Search(_ context.Context, f Filters, limit, offset int) ([]*Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Entry
	// Newest first.
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if f.OrgID != "" && e.OrgID != f.OrgID {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	if offset >= total {
		return []*Entry{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]*Entry, 0, end-offset)
	for _, e := range matched[offset:end] {
		cp := *e
		out = append(out, &cp)
	}
	return out, total, nil
}

func (s *MemoryStore) History(ctx context.Context, eventType string, limit int) ([]*Entry, error) {
	out, _, err := s.Search(ctx, Filters{EventType: eventType}, limit, 0)
	return out, err
}
