package syncjob

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/platform/fhir"
)

// The transformers are pure: same input, byte-identical JSON output (the
// marshaller sorts map keys), no I/O, no clock reads. They apply the
// de-identification rules: no name, contact, or address field is ever
// emitted; display labels come from a truncated opaque token (the record
// UUID). Unmapped vocabulary values fall back to a fixed default instead of
// erroring; the fallback per table is its last entry comment.

var encounterStatusMap = map[string]string{
	"planned":     fhir.EncounterStatusPlanned,
	"in-progress": fhir.EncounterStatusInProgress,
	"finished":    fhir.EncounterStatusFinished,
	"cancelled":   fhir.EncounterStatusCancelled,
} // fallback: unknown

var encounterClassMap = map[string]string{
	"ambulatory": fhir.EncounterClassAmbulatory,
	"emergency":  fhir.EncounterClassEmergency,
	"inpatient":  fhir.EncounterClassInpatient,
	"virtual":    fhir.EncounterClassVirtual,
	"home":       fhir.EncounterClassHomeHealth,
} // fallback: AMB

var observationStatusMap = map[string]string{
	"preliminary": fhir.ObservationStatusPreliminary,
	"final":       fhir.ObservationStatusFinal,
	"amended":     fhir.ObservationStatusAmended,
	"corrected":   fhir.ObservationStatusCorrected,
} // fallback: unknown

var observationCategoryMap = map[string]string{
	"vital-signs": fhir.ObsCategoryVitalSigns,
	"laboratory":  fhir.ObsCategoryLaboratory,
	"imaging":     fhir.ObsCategoryImaging,
	"exam":        fhir.ObsCategoryExam,
} // fallback: exam

var genderMap = map[string]string{
	"male":    fhir.GenderMale,
	"female":  fhir.GenderFemale,
	"other":   fhir.GenderOther,
	"unknown": fhir.GenderUnknown,
} // fallback: unknown

func mapCode(table map[string]string, code, fallback string) string {
	if v, ok := table[code]; ok {
		return v
	}
	return fallback
}

// displayLabel builds the de-identified display for a record: the resource
// type plus the first 8 characters of its opaque token.
func displayLabel(resource string, id uuid.UUID) string {
	return fmt.Sprintf("%s %s", resource, id.String()[:8])
}

func fhirTime(t *time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// PatientResource maps a patient payload to the registry wire format.
func PatientResource(p *PatientSync) map[string]any {
	out := map[string]any{
		"resourceType": "Patient",
		"id":           p.ID.String(),
		"name": []any{
			map[string]any{"text": displayLabel("Patient", p.ID)},
		},
		"gender": mapCode(genderMap, p.Gender, fhir.GenderUnknown),
		"active": true,
	}
	if p.BirthDate != nil {
		// Year precision only, to keep the resource de-identified.
		out["birthDate"] = fmt.Sprintf("%04d", p.BirthDate.UTC().Year())
	}
	return out
}

// EncounterResource maps an encounter payload to the registry wire format.
func EncounterResource(e *EncounterSync) map[string]any {
	out := map[string]any{
		"resourceType": "Encounter",
		"id":           e.ID.String(),
		"status":       mapCode(encounterStatusMap, e.Status, fhir.EncounterStatusUnknown),
		"class": map[string]any{
			"system": fhir.ActCodeSystem,
			"code":   mapCode(encounterClassMap, e.Class, fhir.EncounterClassAmbulatory),
		},
		"subject": map[string]any{
			"reference": "Patient/" + e.PatientID.String(),
			"display":   displayLabel("Patient", e.PatientID),
		},
	}
	period := map[string]any{}
	if e.PeriodStart != nil {
		period["start"] = fhirTime(e.PeriodStart)
	}
	if e.PeriodEnd != nil {
		period["end"] = fhirTime(e.PeriodEnd)
	}
	if len(period) > 0 {
		out["period"] = period
	}
	return out
}

// ObservationResource maps an observation payload to the registry wire format.
func ObservationResource(o *ObservationSync) map[string]any {
	out := map[string]any{
		"resourceType": "Observation",
		"id":           o.ID.String(),
		"status":       mapCode(observationStatusMap, o.Status, fhir.ObservationStatusUnknown),
		"category": []any{
			map[string]any{
				"coding": []any{
					map[string]any{
						"system": fhir.ObservationCategorySystem,
						"code":   mapCode(observationCategoryMap, o.Category, fhir.ObsCategoryExam),
					},
				},
			},
		},
		"subject": map[string]any{
			"reference": "Patient/" + o.PatientID.String(),
			"display":   displayLabel("Patient", o.PatientID),
		},
	}
	if o.Code != "" {
		out["code"] = map[string]any{
			"coding": []any{
				map[string]any{"system": fhir.LoincSystem, "code": o.Code},
			},
		}
	}
	if o.EncounterID != nil {
		out["encounter"] = map[string]any{
			"reference": "Encounter/" + o.EncounterID.String(),
		}
	}
	if o.ValueQuantity != nil {
		out["valueQuantity"] = map[string]any{
			"value": *o.ValueQuantity,
			"unit":  o.ValueUnit,
		}
	}
	if o.EffectiveAt != nil {
		out["effectiveDateTime"] = fhirTime(o.EffectiveAt)
	}
	return out
}

// Resource dispatches on the job's discriminant and returns the external
// resource together with its externally-visible id (the upsert key). A nil
// payload arm for the tagged type is malformed input, rejected here before
// any external I/O.
func Resource(job *Job) (map[string]any, string, error) {
	switch job.ResourceType {
	case record.TypePatient:
		if job.Payload.Patient == nil {
			return nil, "", fmt.Errorf("patient job %s has no patient payload", job.CorrelationID)
		}
		return PatientResource(job.Payload.Patient), job.Payload.Patient.ID.String(), nil
	case record.TypeEncounter:
		if job.Payload.Encounter == nil {
			return nil, "", fmt.Errorf("encounter job %s has no encounter payload", job.CorrelationID)
		}
		return EncounterResource(job.Payload.Encounter), job.Payload.Encounter.ID.String(), nil
	case record.TypeObservation:
		if job.Payload.Observation == nil {
			return nil, "", fmt.Errorf("observation job %s has no observation payload", job.CorrelationID)
		}
		return ObservationResource(job.Payload.Observation), job.Payload.Observation.ID.String(), nil
	default:
		return nil, "", fmt.Errorf("unknown resource type %q", job.ResourceType)
	}
}
