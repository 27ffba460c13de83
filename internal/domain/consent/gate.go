package consent

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Gate decides whether an active consent authorizes sharing a data class for
// a subject. It fails closed: any lookup error denies. Callers must re-check
// before every sync attempt, including queue retries, since consent can
// change between enqueue and execution.
type Gate struct {
	store  Store
	logger zerolog.Logger
}

func NewGate(store Store, logger zerolog.Logger) *Gate {
	return &Gate{store: store, logger: logger.With().Str("component", "consent_gate").Logger()}
}

// Check reports whether an ACTIVE CARE-purpose consent for (subject, org)
// covers dataClass. Missing consent is a normal negative result; lookup
// failures are logged and also deny.
func (g *Gate) Check(ctx context.Context, subjectID uuid.UUID, orgID, dataClass string) bool {
	c, err := g.store.ActiveForSubject(ctx, subjectID, orgID, PurposeCare)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			g.logger.Error().Err(err).
				Str("subject_id", subjectID.String()).
				Str("org_id", orgID).
				Msg("consent lookup failed, denying")
		}
		return false
	}
	return c.Covers(dataClass)
}
