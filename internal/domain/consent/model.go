// Package consent models data-sharing consent and the gate that decides
// whether a given sync may leave the system boundary. Consent records are
// managed elsewhere in the platform; the bridge only reads them.
package consent

import (
	"time"

	"github.com/google/uuid"
)

// Purpose codes.
const (
	PurposeCare = "CARE"
)

// Consent states.
const (
	StateActive  = "ACTIVE"
	StateRevoked = "REVOKED"
	StateExpired = "EXPIRED"
)

// Consent authorizes specific data classes of one subject to be shared with
// the external registry.
type Consent struct {
	ID          uuid.UUID `db:"id" json:"id"`
	SubjectID   uuid.UUID `db:"subject_id" json:"subject_id"`
	OrgID       string    `db:"org_id" json:"org_id"`
	Purpose     string    `db:"purpose" json:"purpose"`
	State       string    `db:"state" json:"state"`
	DataClasses []string  `db:"data_classes" json:"data_classes"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Covers reports whether the consent's authorized set contains dataClass.
func (c *Consent) Covers(dataClass string) bool {
	for _, dc := range c.DataClasses {
		if dc == dataClass {
			return true
		}
	}
	return false
}
