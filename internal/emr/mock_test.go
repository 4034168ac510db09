package emr

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	patients     map[uuid.UUID]*Patient
	names        map[uuid.UUID]*PatientName
	addresses    map[uuid.UUID]*PatientAddress
	attributes   map[uuid.UUID]*PatientAttribute
	identifiers  map[uuid.UUID]*PatientIdentifier
	visits       map[uuid.UUID]*Visit
	encounters   map[uuid.UUID]*Encounter
	orders       map[uuid.UUID]*Order
	observations map[uuid.UUID]*Observation
}

func newMemStore() *memStore {
	return &memStore{
		patients:     map[uuid.UUID]*Patient{},
		names:        map[uuid.UUID]*PatientName{},
		addresses:    map[uuid.UUID]*PatientAddress{},
		attributes:   map[uuid.UUID]*PatientAttribute{},
		identifiers:  map[uuid.UUID]*PatientIdentifier{},
		visits:       map[uuid.UUID]*Visit{},
		encounters:   map[uuid.UUID]*Encounter{},
		orders:       map[uuid.UUID]*Order{},
		observations: map[uuid.UUID]*Observation{},
	}
}

func (m *memStore) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) SavePatient(_ context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *memStore) ListNames(_ context.Context, patientID uuid.UUID) ([]*PatientName, error) {
	var out []*PatientName
	for _, n := range m.names {
		if n.PatientID == patientID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) SaveName(_ context.Context, n *PatientName) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	cp := *n
	m.names[n.ID] = &cp
	return nil
}

func (m *memStore) ListAddresses(_ context.Context, patientID uuid.UUID) ([]*PatientAddress, error) {
	var out []*PatientAddress
	for _, a := range m.addresses {
		if a.PatientID == patientID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) SaveAddress(_ context.Context, a *PatientAddress) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	m.addresses[a.ID] = &cp
	return nil
}

func (m *memStore) ListAttributes(_ context.Context, patientID uuid.UUID) ([]*PatientAttribute, error) {
	var out []*PatientAttribute
	for _, a := range m.attributes {
		if a.PatientID == patientID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) SaveAttribute(_ context.Context, a *PatientAttribute) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	m.attributes[a.ID] = &cp
	return nil
}

func (m *memStore) ListIdentifiers(_ context.Context, patientID uuid.UUID) ([]*PatientIdentifier, error) {
	var out []*PatientIdentifier
	for _, i := range m.identifiers {
		if i.PatientID == patientID {
			cp := *i
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) SaveIdentifier(_ context.Context, i *PatientIdentifier) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	cp := *i
	m.identifiers[i.ID] = &cp
	return nil
}

func (m *memStore) ActiveVisits(_ context.Context, patientID uuid.UUID) ([]*Visit, error) {
	var out []*Visit
	for _, v := range m.visits {
		if v.PatientID == patientID && v.StoppedAt == nil && !v.Voided {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) FindVisitCovering(_ context.Context, patientID uuid.UUID, at time.Time) (*Visit, error) {
	var best *Visit
	for _, v := range m.visits {
		if v.PatientID != patientID || v.Voided {
			continue
		}
		if v.StartedAt.After(at) {
			continue
		}
		if v.StoppedAt != nil && v.StoppedAt.Before(at) {
			continue
		}
		if best == nil || v.StartedAt.After(best.StartedAt) {
			cp := *v
			best = &cp
		}
	}
	return best, nil
}

func (m *memStore) SaveVisit(_ context.Context, v *Visit) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	cp := *v
	m.visits[v.ID] = &cp
	return nil
}

func (m *memStore) ReassignVisits(_ context.Context, fromPatient, toPatient uuid.UUID) error {
	for _, v := range m.visits {
		if v.PatientID == fromPatient {
			v.PatientID = toPatient
		}
	}
	return nil
}

func (m *memStore) GetEncounter(_ context.Context, id uuid.UUID) (*Encounter, error) {
	e, ok := m.encounters[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) SaveEncounter(_ context.Context, e *Encounter) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	m.encounters[e.ID] = &cp
	return nil
}

func (m *memStore) ReassignEncounters(_ context.Context, fromPatient, toPatient uuid.UUID) error {
	for _, e := range m.encounters {
		if e.PatientID == fromPatient {
			e.PatientID = toPatient
		}
	}
	return nil
}

func (m *memStore) ListOrdersByPatient(_ context.Context, patientID uuid.UUID) ([]*Order, error) {
	var out []*Order
	for _, o := range m.orders {
		if o.PatientID == patientID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListOrdersByEncounter(_ context.Context, encounterID uuid.UUID) ([]*Order, error) {
	var out []*Order
	for _, o := range m.orders {
		if o.EncounterID == encounterID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) SaveOrder(_ context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *memStore) ReassignOrders(_ context.Context, fromPatient, toPatient uuid.UUID) error {
	for _, o := range m.orders {
		if o.PatientID == fromPatient {
			o.PatientID = toPatient
		}
	}
	return nil
}

func (m *memStore) ListObservationsByEncounter(_ context.Context, encounterID uuid.UUID) ([]*Observation, error) {
	var out []*Observation
	for _, o := range m.observations {
		if o.EncounterID == encounterID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) SaveObservation(_ context.Context, o *Observation) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	cp := *o
	m.observations[o.ID] = &cp
	return nil
}
