package syncjob

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirsync/internal/domain/record"
)

func TestPatientResourceOmitsIdentifyingFields(t *testing.T) {
	birth := time.Date(1987, 6, 15, 0, 0, 0, 0, time.UTC)
	p := &PatientSync{
		ID:        uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		OrgID:     "org-1",
		Gender:    "female",
		BirthDate: &birth,
	}

	out := PatientResource(p)

	if out["resourceType"] != "Patient" {
		t.Errorf("resourceType = %v", out["resourceType"])
	}
	if out["gender"] != "female" {
		t.Errorf("gender = %v", out["gender"])
	}
	// Birth date is reduced to year precision.
	if out["birthDate"] != "1987" {
		t.Errorf("birthDate = %v, want 1987", out["birthDate"])
	}

	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, banned := range []string{"family", "given", "telecom", "address", "phone", "email"} {
		if bytes.Contains(raw, []byte(banned)) {
			t.Errorf("resource leaks %q: %s", banned, raw)
		}
	}

	// The display name is the opaque token prefix, nothing human.
	names := out["name"].([]any)
	text := names[0].(map[string]any)["text"].(string)
	if text != "Patient 6ba7b810" {
		t.Errorf("name text = %q", text)
	}
}

func TestPatientResourceWithoutBirthDate(t *testing.T) {
	out := PatientResource(&PatientSync{ID: uuid.New(), Gender: "male"})
	if _, ok := out["birthDate"]; ok {
		t.Error("birthDate must be absent when the record has none")
	}
}

func TestEncounterResourceVocabularyFallbacks(t *testing.T) {
	cases := []struct {
		status, class         string
		wantStatus, wantClass string
	}{
		{"finished", "ambulatory", "finished", "AMB"},
		{"in-progress", "emergency", "in-progress", "EMER"},
		{"cancelled", "inpatient", "cancelled", "IMP"},
		{"telepathy", "hovercraft", "unknown", "AMB"},
	}
	for _, tc := range cases {
		e := &EncounterSync{
			ID:        uuid.New(),
			PatientID: uuid.New(),
			Status:    tc.status,
			Class:     tc.class,
		}
		out := EncounterResource(e)
		if out["status"] != tc.wantStatus {
			t.Errorf("%s: status = %v, want %s", tc.status, out["status"], tc.wantStatus)
		}
		class := out["class"].(map[string]any)
		if class["code"] != tc.wantClass {
			t.Errorf("%s: class = %v, want %s", tc.class, class["code"], tc.wantClass)
		}
	}
}

func TestEncounterResourceSubjectAndPeriod(t *testing.T) {
	patientID := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	start := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	e := &EncounterSync{
		ID:          uuid.New(),
		PatientID:   patientID,
		Status:      "finished",
		Class:       "ambulatory",
		PeriodStart: &start,
	}

	out := EncounterResource(e)
	subject := out["subject"].(map[string]any)
	if subject["reference"] != "Patient/"+patientID.String() {
		t.Errorf("subject = %v", subject["reference"])
	}
	if subject["display"] != "Patient aaaaaaaa" {
		t.Errorf("display = %v", subject["display"])
	}
	period := out["period"].(map[string]any)
	if period["start"] != "2026-02-01T09:00:00Z" {
		t.Errorf("period start = %v", period["start"])
	}
	if _, ok := period["end"]; ok {
		t.Error("open period must not carry an end")
	}
}

func TestObservationResource(t *testing.T) {
	encID := uuid.New()
	val := 37.2
	at := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	o := &ObservationSync{
		ID:            uuid.New(),
		PatientID:     uuid.New(),
		EncounterID:   &encID,
		Status:        "final",
		Category:      "vital-signs",
		Code:          "8310-5",
		ValueQuantity: &val,
		ValueUnit:     "Cel",
		EffectiveAt:   &at,
	}

	out := ObservationResource(o)
	if out["status"] != "final" {
		t.Errorf("status = %v", out["status"])
	}
	vq := out["valueQuantity"].(map[string]any)
	if vq["value"] != 37.2 || vq["unit"] != "Cel" {
		t.Errorf("valueQuantity = %v", vq)
	}
	if out["effectiveDateTime"] != "2026-02-01T09:30:00Z" {
		t.Errorf("effectiveDateTime = %v", out["effectiveDateTime"])
	}
	enc := out["encounter"].(map[string]any)
	if enc["reference"] != "Encounter/"+encID.String() {
		t.Errorf("encounter = %v", enc["reference"])
	}
	code := out["code"].(map[string]any)
	coding := code["coding"].([]any)[0].(map[string]any)
	if coding["code"] != "8310-5" {
		t.Errorf("code = %v", coding["code"])
	}
}

func TestObservationResourceUnknownVocabulary(t *testing.T) {
	o := &ObservationSync{ID: uuid.New(), PatientID: uuid.New(), Status: "guessed", Category: "astrology"}
	out := ObservationResource(o)
	if out["status"] != "unknown" {
		t.Errorf("status fallback = %v", out["status"])
	}
	cat := out["category"].([]any)[0].(map[string]any)
	coding := cat["coding"].([]any)[0].(map[string]any)
	if coding["code"] != "exam" {
		t.Errorf("category fallback = %v", coding["code"])
	}
}

func TestTransformIsDeterministic(t *testing.T) {
	birth := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
	job := &Job{
		CorrelationID: "corr-1",
		ResourceType:  record.TypePatient,
		ResourceID:    "r1",
		Payload: Payload{Patient: &PatientSync{
			ID:        uuid.MustParse("11111111-2222-3333-4444-555555555555"),
			OrgID:     "org-1",
			Gender:    "other",
			BirthDate: &birth,
		}},
	}

	first, _, err := Resource(job)
	if err != nil {
		t.Fatalf("Resource: %v", err)
	}
	a, _ := json.Marshal(first)
	for i := 0; i < 10; i++ {
		next, _, err := Resource(job)
		if err != nil {
			t.Fatalf("Resource: %v", err)
		}
		b, _ := json.Marshal(next)
		if !bytes.Equal(a, b) {
			t.Fatalf("output differs between runs:\n%s\n%s", a, b)
		}
	}
}

func TestResourceRejectsMalformedPayload(t *testing.T) {
	cases := []struct {
		name string
		job  *Job
	}{
		{"patient arm missing", &Job{CorrelationID: "c", ResourceType: record.TypePatient}},
		{"encounter arm missing", &Job{CorrelationID: "c", ResourceType: record.TypeEncounter}},
		{"observation arm missing", &Job{CorrelationID: "c", ResourceType: record.TypeObservation}},
		{"unknown type", &Job{CorrelationID: "c", ResourceType: record.ResourceType("appointment")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := Resource(tc.job); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestResourceReturnsExternalID(t *testing.T) {
	id := uuid.New()
	job := &Job{
		CorrelationID: "c",
		ResourceType:  record.TypeObservation,
		Payload:       Payload{Observation: &ObservationSync{ID: id, PatientID: uuid.New(), Status: "final", Category: "exam"}},
	}
	_, externalID, err := Resource(job)
	if err != nil {
		t.Fatalf("Resource: %v", err)
	}
	if !strings.EqualFold(externalID, id.String()) {
		t.Fatalf("external id = %q, want %q", externalID, id)
	}
}
