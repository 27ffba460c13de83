package audit

import (
	"context"
	"time"
)

// Filters narrows a ledger search. Zero values are ignored.
type Filters struct {
	OrgID     string
	EventType string
	Since     time.Time
	Until     time.Time
}

// Store is the persistence surface of the ledger. Append-only by design:
// there is no update or delete.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// ExistsExternalEvent reports whether an entry already carries the given
	// registry audit-event id in its payload.
	ExistsExternalEvent(ctx context.Context, externalEventID string) (bool, error)
	// LatestMirrorHighWater returns the high-water mark recorded by the most
	// recent mirror summary entry, or the zero time when none exists.
	LatestMirrorHighWater(ctx context.Context) (time.Time, error)
	Search(ctx context.Context, f Filters, limit, offset int) ([]*Entry, int, error)
	// History lists the newest entries of one event type, newest first.
	History(ctx context.Context, eventType string, limit int) ([]*Entry, error)
}
