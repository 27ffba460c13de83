// Package fhir holds the minimal FHIR R4 wire model the sync bridge exchanges
// with the external registry. Only the shapes the bridge actually reads or
// writes are modelled; everything else rides along as raw JSON.
package fhir

import (
	"encoding/json"
	"time"
)

// Coding is a single code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept wraps one or more codings with an optional free-text label.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Reference points at another resource, optionally with a display label.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Period is a bounded or half-open time interval.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Identifier is a business identifier scoped by a system URI.
type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Extension carries registry-specific extra data on a resource element.
type Extension struct {
	URL            string     `json:"url"`
	ValueString    string     `json:"valueString,omitempty"`
	ValueReference *Reference `json:"valueReference,omitempty"`
}

// Bundle is a FHIR search-set or document bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry is one resource inside a bundle; the resource body is kept raw
// so callers can decode only the types they understand.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// AuditEvent is the registry's own audit-trail record, as returned by the
// AuditEvent search endpoint.
type AuditEvent struct {
	ResourceType string       `json:"resourceType,omitempty"`
	ID           string       `json:"id"`
	Type         *Coding      `json:"type,omitempty"`
	Subtype      []Coding     `json:"subtype,omitempty"`
	Action       string       `json:"action,omitempty"`
	Recorded     time.Time    `json:"recorded"`
	Outcome      string       `json:"outcome,omitempty"`
	Agent        []AuditAgent `json:"agent,omitempty"`
	Entity       []AuditEntity `json:"entity,omitempty"`
}

// AuditAgent is an actor recorded on a registry audit event.
type AuditAgent struct {
	Who       *Reference  `json:"who,omitempty"`
	Requestor bool        `json:"requestor,omitempty"`
	Extension []Extension `json:"extension,omitempty"`
}

// AuditEntity is an object recorded on a registry audit event.
type AuditEntity struct {
	What      *Reference  `json:"what,omitempty"`
	Extension []Extension `json:"extension,omitempty"`
}

// OrganizationExtensionURL is the registry extension that attributes an audit
// event to an organization. Events without it belong to the "system" org.
const OrganizationExtensionURL = "https://fhir.registry/StructureDefinition/organization"
