package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Service wraps the ledger Store with logging. Record never lets a ledger
// write failure propagate as a panic; callers decide whether the returned
// error matters (batch operations log and continue).
type Service struct {
	store  Store
	logger zerolog.Logger
}

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger.With().Str("component", "audit").Logger()}
}

// Record appends one ledger entry. Failures are logged with the event type
// before being returned.
func (s *Service) Record(ctx context.Context, orgID, eventType string, payload map[string]any) error {
	err := s.store.Append(ctx, &Entry{OrgID: orgID, EventType: eventType, Payload: payload})
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Str("org_id", orgID).Msg("audit append failed")
	}
	return err
}

func (s *Service) ExistsExternalEvent(ctx context.Context, externalEventID string) (bool, error) {
	return s.store.ExistsExternalEvent(ctx, externalEventID)
}

func (s *Service) LatestMirrorHighWater(ctx context.Context) (time.Time, error) {
	return s.store.LatestMirrorHighWater(ctx)
}

func (s *Service) Search(ctx context.Context, f Filters, limit, offset int) ([]*Entry, int, error) {
	return s.store.Search(ctx, f, limit, offset)
}

func (s *Service) History(ctx context.Context, eventType string, limit int) ([]*Entry, error) {
	return s.store.History(ctx, eventType, limit)
}
