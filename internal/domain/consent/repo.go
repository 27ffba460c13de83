package consent

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no matching active consent exists.
var ErrNotFound = errors.New("consent not found")

// Store looks up consent records. ActiveForSubject returns the single ACTIVE
// consent for (subject, org, purpose), or ErrNotFound.
type Store interface {
	ActiveForSubject(ctx context.Context, subjectID uuid.UUID, orgID, purpose string) (*Consent, error)
}
