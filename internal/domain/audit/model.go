// Package audit is the append-only compliance ledger. Every sync attempt,
// reconciliation run, and mirror run writes exactly one entry; mirrored
// registry events write one entry each, deduplicated by the external event id
// carried in the payload. Entries are never updated or deleted.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event types recorded in the ledger.
const (
	EventFHIRSync           = "FHIR_SYNC"
	EventFHIRReconciliation = "FHIR_RECONCILIATION"
	EventFHIRAuditMirror    = "FHIR_AUDIT_MIRROR"
	EventFHIRIngress        = "FHIR_INGRESS"
	EventFHIRExport         = "FHIR_EXPORT"
)

// SystemOrg is the sentinel org for entries with no organization attribution.
const SystemOrg = "system"

// Entry is one ledger row. Payload is free-form structured data specific to
// the event type.
type Entry struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	OrgID     string         `db:"org_id" json:"org_id"`
	EventType string         `db:"event_type" json:"event_type"`
	Payload   map[string]any `db:"payload" json:"payload"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}
