package emr

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the local clinical-records persistence layer. Lookups report
// absence as (nil, nil). Save methods upsert by id, so voiding a record is
// loading it, flipping the flag and saving it back.
type Store interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	SavePatient(ctx context.Context, p *Patient) error

	ListNames(ctx context.Context, patientID uuid.UUID) ([]*PatientName, error)
	SaveName(ctx context.Context, n *PatientName) error
	ListAddresses(ctx context.Context, patientID uuid.UUID) ([]*PatientAddress, error)
	SaveAddress(ctx context.Context, a *PatientAddress) error
	ListAttributes(ctx context.Context, patientID uuid.UUID) ([]*PatientAttribute, error)
	SaveAttribute(ctx context.Context, a *PatientAttribute) error
	ListIdentifiers(ctx context.Context, patientID uuid.UUID) ([]*PatientIdentifier, error)
	SaveIdentifier(ctx context.Context, i *PatientIdentifier) error

	ActiveVisits(ctx context.Context, patientID uuid.UUID) ([]*Visit, error)
	FindVisitCovering(ctx context.Context, patientID uuid.UUID, at time.Time) (*Visit, error)
	SaveVisit(ctx context.Context, v *Visit) error
	ReassignVisits(ctx context.Context, fromPatient, toPatient uuid.UUID) error

	GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error)
	SaveEncounter(ctx context.Context, e *Encounter) error
	ReassignEncounters(ctx context.Context, fromPatient, toPatient uuid.UUID) error

	ListOrdersByPatient(ctx context.Context, patientID uuid.UUID) ([]*Order, error)
	ListOrdersByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*Order, error)
	SaveOrder(ctx context.Context, o *Order) error
	ReassignOrders(ctx context.Context, fromPatient, toPatient uuid.UUID) error

	ListObservationsByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*Observation, error)
	SaveObservation(ctx context.Context, o *Observation) error
}
