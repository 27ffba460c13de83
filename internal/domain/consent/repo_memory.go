package consent

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-memory consent Store for tests and
// single-process deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	consents []*Consent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Put adds or replaces a consent by ID.
func (s *MemoryStore) Put(c *Consent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	for i, existing := range s.consents {
		if existing.ID == c.ID {
			s.consents[i] = &cp
			return
		}
	}
	s.consents = append(s.consents, &cp)
}

func (s *MemoryStore) ActiveForSubject(_ context.Context, subjectID uuid.UUID, orgID, purpose string) (*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.consents {
		if c.SubjectID == subjectID && c.OrgID == orgID && c.Purpose == purpose && c.State == StateActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}
