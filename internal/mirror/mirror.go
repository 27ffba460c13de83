// Package mirror pulls the external registry's own audit trail into the local
// ledger, so the registry's view of ingress/export activity is queryable next
// to the bridge's own entries.
package mirror

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/domain/audit"
	"github.com/ehr/fhirsync/internal/platform/fhir"
)

// Options tunes one mirror pass. Zero values take the defaults.
type Options struct {
	// Limit caps how many registry events one pass fetches.
	Limit int
	// ForceSince, when set, overrides the persisted high-water mark.
	ForceSince time.Time
}

const DefaultLimit = 1000

// Result summarizes one mirror pass.
type Result struct {
	Since     time.Time `json:"since"`
	Fetched   int       `json:"fetched"`
	Mirrored  int       `json:"mirrored"`
	Skipped   int       `json:"skipped"`
	Errors    int       `json:"errors"`
	HighWater time.Time `json:"high_water"`
}

// Searcher is the slice of the registry client the mirror needs.
type Searcher interface {
	SearchAuditEvents(ctx context.Context, since time.Time, count int) ([]fhir.AuditEvent, error)
}

// Mirror copies registry audit events into the ledger, deduplicating on the
// registry's event id and resuming from a persisted high-water mark so
// repeated passes are idempotent.
type Mirror struct {
	client Searcher
	store  audit.Store
	audit  *audit.Service
	logger zerolog.Logger
}

func New(client Searcher, store audit.Store, auditSvc *audit.Service, logger zerolog.Logger) *Mirror {
	return &Mirror{
		client: client,
		store:  store,
		audit:  auditSvc,
		logger: logger.With().Str("component", "audit_mirror").Logger(),
	}
}

// Run performs one mirror pass. A fetch failure aborts the pass with an
// error; per-event store failures are counted and the pass continues.
func (m *Mirror) Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	var res Result
	switch {
	case !opts.ForceSince.IsZero():
		res.Since = opts.ForceSince.UTC()
	default:
		hw, err := m.store.LatestMirrorHighWater(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("loading high-water mark failed, mirroring from zero")
		} else {
			res.Since = hw
		}
	}
	res.HighWater = res.Since

	events, err := m.client.SearchAuditEvents(ctx, res.Since, opts.Limit)
	if err != nil {
		m.logger.Error().Err(err).Time("since", res.Since).Msg("registry audit search failed")
		return res, err
	}
	res.Fetched = len(events)

	for i := range events {
		ev := &events[i]
		if ev.ID == "" {
			res.Skipped++
			continue
		}
		exists, err := m.store.ExistsExternalEvent(ctx, ev.ID)
		if err != nil {
			res.Errors++
			m.logger.Warn().Err(err).Str("external_event_id", ev.ID).Msg("dedup check failed")
			continue
		}
		if exists {
			res.Skipped++
		} else {
			entry := &audit.Entry{
				OrgID:     eventOrg(ev),
				EventType: eventTypeFor(ev.Action),
				Payload:   eventPayload(ev),
			}
			if err := m.store.Append(ctx, entry); err != nil {
				res.Errors++
				m.logger.Warn().Err(err).Str("external_event_id", ev.ID).Msg("mirror append failed")
				continue
			}
			res.Mirrored++
		}
		if ev.Recorded.After(res.HighWater) {
			res.HighWater = ev.Recorded.UTC()
		}
	}

	// The summary entry doubles as the persisted high-water mark for the next
	// pass.
	if err := m.audit.Record(ctx, audit.SystemOrg, audit.EventFHIRAuditMirror, map[string]any{
		"since":      res.Since.Format(time.RFC3339),
		"fetched":    res.Fetched,
		"mirrored":   res.Mirrored,
		"skipped":    res.Skipped,
		"errors":     res.Errors,
		"high_water": res.HighWater.UTC().Format(time.RFC3339),
	}); err != nil {
		m.logger.Error().Err(err).Msg("mirror summary entry failed")
	}

	m.logger.Info().
		Int("fetched", res.Fetched).
		Int("mirrored", res.Mirrored).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Time("high_water", res.HighWater).
		Msg("mirror pass finished")
	return res, nil
}

// eventTypeFor maps the registry's audit action to a local event type:
// writes are ingress, reads are exports, anything else is kept under the
// mirror's own type rather than dropped.
func eventTypeFor(action string) string {
	switch action {
	case "C", "U", "D":
		return audit.EventFHIRIngress
	case "R", "E":
		return audit.EventFHIRExport
	default:
		return audit.EventFHIRAuditMirror
	}
}

// eventOrg extracts the organization the registry attributed the event to,
// checking agent then entity extensions. Unattributed events belong to the
// system org.
func eventOrg(ev *fhir.AuditEvent) string {
	for _, ag := range ev.Agent {
		if org := extensionOrg(ag.Extension); org != "" {
			return org
		}
	}
	for _, en := range ev.Entity {
		if org := extensionOrg(en.Extension); org != "" {
			return org
		}
	}
	return audit.SystemOrg
}

func extensionOrg(exts []fhir.Extension) string {
	for _, ext := range exts {
		if ext.URL != fhir.OrganizationExtensionURL {
			continue
		}
		if ext.ValueString != "" {
			return ext.ValueString
		}
		if ext.ValueReference != nil && ext.ValueReference.Reference != "" {
			return ext.ValueReference.Reference
		}
	}
	return ""
}

func eventPayload(ev *fhir.AuditEvent) map[string]any {
	p := map[string]any{
		"external_event_id": ev.ID,
		"recorded":          ev.Recorded.UTC().Format(time.RFC3339),
		"action":            ev.Action,
	}
	if ev.Outcome != "" {
		p["outcome"] = ev.Outcome
	}
	if ev.Type != nil && ev.Type.Code != "" {
		p["type"] = ev.Type.Code
	}
	if len(ev.Subtype) > 0 && ev.Subtype[0].Code != "" {
		p["subtype"] = ev.Subtype[0].Code
	}
	if len(ev.Entity) > 0 && ev.Entity[0].What != nil {
		p["entity"] = ev.Entity[0].What.Reference
	}
	if len(ev.Agent) > 0 && ev.Agent[0].Who != nil {
		p["agent"] = ev.Agent[0].Who.Reference
	}
	return p
}
