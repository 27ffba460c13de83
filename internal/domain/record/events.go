package record

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ResourceUpserted is published after a clinical record is created or
// updated in the primary datastore. The sync listener consumes it to run the
// consent gate and enqueue a sync job, keeping the bridge decoupled from the
// datastore's own extension mechanism.
type ResourceUpserted struct {
	Type  ResourceType
	ID    uuid.UUID
	OrgID string
}

// UpsertHandler consumes a ResourceUpserted event.
type UpsertHandler func(ctx context.Context, ev ResourceUpserted)

// Events is a small synchronous dispatcher for domain events. Handlers run
// in subscription order on the publisher's goroutine; a handler that needs to
// block should hand off internally.
type Events struct {
	mu       sync.RWMutex
	handlers []UpsertHandler
}

func NewEvents() *Events {
	return &Events{}
}

// Subscribe registers a handler for ResourceUpserted events.
func (e *Events) Subscribe(h UpsertHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Publish delivers ev to every subscribed handler.
func (e *Events) Publish(ctx context.Context, ev ResourceUpserted) {
	e.mu.RLock()
	handlers := make([]UpsertHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
}
