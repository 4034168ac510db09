package emr

import (
	"time"

	"github.com/google/uuid"
)

// Patient is the local demographic record. Remote identity (the health id)
// lives only in the mapping store, never here.
type Patient struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Gender       string     `db:"gender" json:"gender"`
	BirthDate    *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Dead         bool       `db:"dead" json:"dead"`
	CauseOfDeath *string    `db:"cause_of_death" json:"cause_of_death,omitempty"`
	CreatedBy    uuid.UUID  `db:"created_by" json:"created_by"`
	ChangedBy    *uuid.UUID `db:"changed_by" json:"changed_by,omitempty"`
	Voided       bool       `db:"voided" json:"voided"`
	VoidReason   *string    `db:"void_reason" json:"void_reason,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

type PatientName struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	GivenName  string    `db:"given_name" json:"given_name"`
	FamilyName string    `db:"family_name" json:"family_name"`
	Preferred  bool      `db:"preferred" json:"preferred"`
	Voided     bool      `db:"voided" json:"voided"`
	VoidReason *string   `db:"void_reason" json:"void_reason,omitempty"`
}

type PatientAddress struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	Line       string    `db:"line" json:"line"`
	District   string    `db:"district" json:"district"`
	Division   string    `db:"division" json:"division"`
	Preferred  bool      `db:"preferred" json:"preferred"`
	Voided     bool      `db:"voided" json:"voided"`
	VoidReason *string   `db:"void_reason" json:"void_reason,omitempty"`
}

type PatientAttribute struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	Name       string    `db:"name" json:"name"`
	Value      string    `db:"value" json:"value"`
	Voided     bool      `db:"voided" json:"voided"`
	VoidReason *string   `db:"void_reason" json:"void_reason,omitempty"`
}

type PatientIdentifier struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	Identifier string    `db:"identifier" json:"identifier"`
	Preferred  bool      `db:"preferred" json:"preferred"`
	Voided     bool      `db:"voided" json:"voided"`
	VoidReason *string   `db:"void_reason" json:"void_reason,omitempty"`
}

// Visit is the encounter-session aggregate. A visit with no StoppedAt is
// open; the merge reconciler must never leave a patient with two open
// visits.
type Visit struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	PatientID uuid.UUID  `db:"patient_id" json:"patient_id"`
	Type      string     `db:"type" json:"type"`
	StartedAt time.Time  `db:"started_at" json:"started_at"`
	StoppedAt *time.Time `db:"stopped_at" json:"stopped_at,omitempty"`
	CreatedBy uuid.UUID  `db:"created_by" json:"created_by"`
	Voided    bool       `db:"voided" json:"voided"`
}

func (v *Visit) Open() bool { return v.StoppedAt == nil }

type Encounter struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	VisitID     uuid.UUID  `db:"visit_id" json:"visit_id"`
	Type        string     `db:"type" json:"type"`
	EncounterAt time.Time  `db:"encounter_at" json:"encounter_at"`
	CreatedBy   uuid.UUID  `db:"created_by" json:"created_by"`
	ChangedBy   *uuid.UUID `db:"changed_by" json:"changed_by,omitempty"`
	Voided      bool       `db:"voided" json:"voided"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// LastModifiedBy identifies the account responsible for the most recent
// change, for the push-side echo guard.
func (e *Encounter) LastModifiedBy() uuid.UUID {
	if e.ChangedBy != nil {
		return *e.ChangedBy
	}
	return e.CreatedBy
}

type OrderType string

const (
	OrderTypeTest OrderType = "order"
	OrderTypeDrug OrderType = "drug_order"
)

type Order struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	EncounterID uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	Type        OrderType  `db:"type" json:"type"`
	Concept     string     `db:"concept" json:"concept"`
	ActivatedAt time.Time  `db:"activated_at" json:"activated_at"`
	CreatedBy   uuid.UUID  `db:"created_by" json:"created_by"`
	Voided      bool       `db:"voided" json:"voided"`
	VoidReason  *string    `db:"void_reason" json:"void_reason,omitempty"`
}

type Observation struct {
	ID          uuid.UUID `db:"id" json:"id"`
	EncounterID uuid.UUID `db:"encounter_id" json:"encounter_id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	Concept     string    `db:"concept" json:"concept"`
	Value       string    `db:"value" json:"value"`
	CreatedBy   uuid.UUID `db:"created_by" json:"created_by"`
	Voided      bool      `db:"voided" json:"voided"`
	VoidReason  *string   `db:"void_reason" json:"void_reason,omitempty"`
}

// EncounterAggregate is the unit the transcoder produces and consumes: an
// encounter together with its child records.
type EncounterAggregate struct {
	Encounter    *Encounter
	Orders       []*Order
	Observations []*Observation
}
