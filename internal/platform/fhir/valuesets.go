package fhir

// Common FHIR R4 value-set constants used by the transformers.

// Encounter status codes.
const (
	EncounterStatusPlanned    = "planned"
	EncounterStatusInProgress = "in-progress"
	EncounterStatusFinished   = "finished"
	EncounterStatusCancelled  = "cancelled"
	EncounterStatusUnknown    = "unknown"
)

// Encounter class codes per v3-ActCode.
const (
	EncounterClassAmbulatory = "AMB"
	EncounterClassEmergency  = "EMER"
	EncounterClassInpatient  = "IMP"
	EncounterClassVirtual    = "VR"
	EncounterClassHomeHealth = "HH"
)

// ActCodeSystem is the terminology system for encounter class codes.
const ActCodeSystem = "http://terminology.hl7.org/CodeSystem/v3-ActCode"

// Observation status codes.
const (
	ObservationStatusPreliminary = "preliminary"
	ObservationStatusFinal       = "final"
	ObservationStatusAmended     = "amended"
	ObservationStatusCorrected   = "corrected"
	ObservationStatusUnknown     = "unknown"
)

// Observation category codes.
const (
	ObsCategoryVitalSigns = "vital-signs"
	ObsCategoryLaboratory = "laboratory"
	ObsCategoryImaging    = "imaging"
	ObsCategoryExam       = "exam"
)

// ObservationCategorySystem is the terminology system for observation categories.
const ObservationCategorySystem = "http://terminology.hl7.org/CodeSystem/observation-category"

// LoincSystem is the terminology system for observation codes.
const LoincSystem = "http://loinc.org"

// Administrative gender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)
