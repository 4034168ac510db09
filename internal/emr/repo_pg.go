package emr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/shr-bridge/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG creates the PostgreSQL-backed EMR store.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// -- patients --

const patientCols = `id, gender, birth_date, dead, cause_of_death, created_by, changed_by,
	voided, void_reason, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Gender, &p.BirthDate, &p.Dead, &p.CauseOfDeath, &p.CreatedBy,
		&p.ChangedBy, &p.Voided, &p.VoidReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *storePG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

func (r *storePG) SavePatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patients (id, gender, birth_date, dead, cause_of_death, created_by, changed_by, voided, void_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET gender=EXCLUDED.gender, birth_date=EXCLUDED.birth_date,
			dead=EXCLUDED.dead, cause_of_death=EXCLUDED.cause_of_death, changed_by=EXCLUDED.changed_by,
			voided=EXCLUDED.voided, void_reason=EXCLUDED.void_reason, updated_at=NOW()`,
		p.ID, p.Gender, p.BirthDate, p.Dead, p.CauseOfDeath, p.CreatedBy, p.ChangedBy, p.Voided, p.VoidReason)
	if err != nil {
		return fmt.Errorf("save patient: %w", err)
	}
	return nil
}

// -- demographic child records --

func (r *storePG) ListNames(ctx context.Context, patientID uuid.UUID) ([]*PatientName, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, given_name, family_name, preferred, voided, void_reason
		FROM patient_names WHERE patient_id = $1`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list names: %w", err)
	}
	defer rows.Close()
	var items []*PatientName
	for rows.Next() {
		var n PatientName
		if err := rows.Scan(&n.ID, &n.PatientID, &n.GivenName, &n.FamilyName, &n.Preferred, &n.Voided, &n.VoidReason); err != nil {
			return nil, err
		}
		items = append(items, &n)
	}
	return items, rows.Err()
}

func (r *storePG) SaveName(ctx context.Context, n *PatientName) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_names (id, patient_id, given_name, family_name, preferred, voided, void_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET patient_id=EXCLUDED.patient_id, given_name=EXCLUDED.given_name,
			family_name=EXCLUDED.family_name, preferred=EXCLUDED.preferred,
			voided=EXCLUDED.voided, void_reason=EXCLUDED.void_reason`,
		n.ID, n.PatientID, n.GivenName, n.FamilyName, n.Preferred, n.Voided, n.VoidReason)
	if err != nil {
		return fmt.Errorf("save name: %w", err)
	}
	return nil
}

func (r *storePG) ListAddresses(ctx context.Context, patientID uuid.UUID) ([]*PatientAddress, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, line, district, division, preferred, voided, void_reason
		FROM patient_addresses WHERE patient_id = $1`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()
	var items []*PatientAddress
	for rows.Next() {
		var a PatientAddress
		if err := rows.Scan(&a.ID, &a.PatientID, &a.Line, &a.District, &a.Division, &a.Preferred, &a.Voided, &a.VoidReason); err != nil {
			return nil, err
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}

func (r *storePG) SaveAddress(ctx context.Context, a *PatientAddress) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_addresses (id, patient_id, line, district, division, preferred, voided, void_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET patient_id=EXCLUDED.patient_id, line=EXCLUDED.line,
			district=EXCLUDED.district, division=EXCLUDED.division, preferred=EXCLUDED.preferred,
			voided=EXCLUDED.voided, void_reason=EXCLUDED.void_reason`,
		a.ID, a.PatientID, a.Line, a.District, a.Division, a.Preferred, a.Voided, a.VoidReason)
	if err != nil {
		return fmt.Errorf("save address: %w", err)
	}
	return nil
}

func (r *storePG) ListAttributes(ctx context.Context, patientID uuid.UUID) ([]*PatientAttribute, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, name, value, voided, void_reason
		FROM patient_attributes WHERE patient_id = $1`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list attributes: %w", err)
	}
	defer rows.Close()
	var items []*PatientAttribute
	for rows.Next() {
		var a PatientAttribute
		if err := rows.Scan(&a.ID, &a.PatientID, &a.Name, &a.Value, &a.Voided, &a.VoidReason); err != nil {
			return nil, err
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}

func (r *storePG) SaveAttribute(ctx context.Context, a *PatientAttribute) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_attributes (id, patient_id, name, value, voided, void_reason)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET patient_id=EXCLUDED.patient_id, name=EXCLUDED.name,
			value=EXCLUDED.value, voided=EXCLUDED.voided, void_reason=EXCLUDED.void_reason`,
		a.ID, a.PatientID, a.Name, a.Value, a.Voided, a.VoidReason)
	if err != nil {
		return fmt.Errorf("save attribute: %w", err)
	}
	return nil
}

func (r *storePG) ListIdentifiers(ctx context.Context, patientID uuid.UUID) ([]*PatientIdentifier, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, identifier, preferred, voided, void_reason
		FROM patient_identifiers WHERE patient_id = $1`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	defer rows.Close()
	var items []*PatientIdentifier
	for rows.Next() {
		var i PatientIdentifier
		if err := rows.Scan(&i.ID, &i.PatientID, &i.Identifier, &i.Preferred, &i.Voided, &i.VoidReason); err != nil {
			return nil, err
		}
		items = append(items, &i)
	}
	return items, rows.Err()
}

func (r *storePG) SaveIdentifier(ctx context.Context, i *PatientIdentifier) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_identifiers (id, patient_id, identifier, preferred, voided, void_reason)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET patient_id=EXCLUDED.patient_id, identifier=EXCLUDED.identifier,
			preferred=EXCLUDED.preferred, voided=EXCLUDED.voided, void_reason=EXCLUDED.void_reason`,
		i.ID, i.PatientID, i.Identifier, i.Preferred, i.Voided, i.VoidReason)
	if err != nil {
		return fmt.Errorf("save identifier: %w", err)
	}
	return nil
}

// -- visits --

const visitCols = `id, patient_id, type, started_at, stopped_at, created_by, voided`

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.PatientID, &v.Type, &v.StartedAt, &v.StoppedAt, &v.CreatedBy, &v.Voided)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *storePG) ActiveVisits(ctx context.Context, patientID uuid.UUID) ([]*Visit, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+visitCols+` FROM visits
		WHERE patient_id = $1 AND stopped_at IS NULL AND NOT voided`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list active visits: %w", err)
	}
	defer rows.Close()
	var items []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *storePG) FindVisitCovering(ctx context.Context, patientID uuid.UUID, at time.Time) (*Visit, error) {
	v, err := scanVisit(r.conn(ctx).QueryRow(ctx, `
		SELECT `+visitCols+` FROM visits
		WHERE patient_id = $1 AND NOT voided
			AND started_at <= $2 AND (stopped_at IS NULL OR stopped_at >= $2)
		ORDER BY started_at DESC LIMIT 1`, patientID, at))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find visit covering: %w", err)
	}
	return v, nil
}

func (r *storePG) SaveVisit(ctx context.Context, v *Visit) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO visits (id, patient_id, type, started_at, stopped_at, created_by, voided)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET patient_id=EXCLUDED.patient_id, type=EXCLUDED.type,
			started_at=EXCLUDED.started_at, stopped_at=EXCLUDED.stopped_at, voided=EXCLUDED.voided`,
		v.ID, v.PatientID, v.Type, v.StartedAt, v.StoppedAt, v.CreatedBy, v.Voided)
	if err != nil {
		return fmt.Errorf("save visit: %w", err)
	}
	return nil
}

func (r *storePG) ReassignVisits(ctx context.Context, fromPatient, toPatient uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE visits SET patient_id = $1 WHERE patient_id = $2`, toPatient, fromPatient)
	if err != nil {
		return fmt.Errorf("reassign visits: %w", err)
	}
	return nil
}

// -- encounters --

const encounterCols = `id, patient_id, visit_id, type, encounter_at, created_by, changed_by,
	voided, created_at, updated_at`

func scanEncounter(row pgx.Row) (*Encounter, error) {
	var e Encounter
	err := row.Scan(&e.ID, &e.PatientID, &e.VisitID, &e.Type, &e.EncounterAt, &e.CreatedBy,
		&e.ChangedBy, &e.Voided, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *storePG) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	e, err := scanEncounter(r.conn(ctx).QueryRow(ctx,
		`SELECT `+encounterCols+` FROM encounters WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get encounter: %w", err)
	}
	return e, nil
}

func (r *storePG) SaveEncounter(ctx context.Context, e *Encounter) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO encounters (id, patient_id, visit_id, type, encounter_at, created_by, changed_by, voided)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET patient_id=EXCLUDED.patient_id, visit_id=EXCLUDED.visit_id,
			type=EXCLUDED.type, encounter_at=EXCLUDED.encounter_at, changed_by=EXCLUDED.changed_by,
			voided=EXCLUDED.voided, updated_at=NOW()`,
		e.ID, e.PatientID, e.VisitID, e.Type, e.EncounterAt, e.CreatedBy, e.ChangedBy, e.Voided)
	if err != nil {
		return fmt.Errorf("save encounter: %w", err)
	}
	return nil
}

func (r *storePG) ReassignEncounters(ctx context.Context, fromPatient, toPatient uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE encounters SET patient_id = $1, updated_at = NOW() WHERE patient_id = $2`,
		toPatient, fromPatient)
	if err != nil {
		return fmt.Errorf("reassign encounters: %w", err)
	}
	return nil
}

// -- orders --

const orderCols = `id, encounter_id, patient_id, type, concept, activated_at, created_by, voided, void_reason`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.EncounterID, &o.PatientID, &o.Type, &o.Concept, &o.ActivatedAt,
		&o.CreatedBy, &o.Voided, &o.VoidReason)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *storePG) listOrders(ctx context.Context, where string, arg interface{}) ([]*Order, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+orderCols+` FROM orders WHERE `+where+` ORDER BY activated_at`, arg)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	var items []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

func (r *storePG) ListOrdersByPatient(ctx context.Context, patientID uuid.UUID) ([]*Order, error) {
	return r.listOrders(ctx, "patient_id = $1", patientID)
}

func (r *storePG) ListOrdersByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*Order, error) {
	return r.listOrders(ctx, "encounter_id = $1", encounterID)
}

func (r *storePG) SaveOrder(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO orders (id, encounter_id, patient_id, type, concept, activated_at, created_by, voided, void_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET encounter_id=EXCLUDED.encounter_id, patient_id=EXCLUDED.patient_id,
			type=EXCLUDED.type, concept=EXCLUDED.concept, activated_at=EXCLUDED.activated_at,
			voided=EXCLUDED.voided, void_reason=EXCLUDED.void_reason`,
		o.ID, o.EncounterID, o.PatientID, o.Type, o.Concept, o.ActivatedAt, o.CreatedBy, o.Voided, o.VoidReason)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

func (r *storePG) ReassignOrders(ctx context.Context, fromPatient, toPatient uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE orders SET patient_id = $1 WHERE patient_id = $2`, toPatient, fromPatient)
	if err != nil {
		return fmt.Errorf("reassign orders: %w", err)
	}
	return nil
}

// -- observations --

func (r *storePG) ListObservationsByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*Observation, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, encounter_id, patient_id, concept, value, created_by, voided, void_reason
		FROM observations WHERE encounter_id = $1`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()
	var items []*Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(&o.ID, &o.EncounterID, &o.PatientID, &o.Concept, &o.Value, &o.CreatedBy, &o.Voided, &o.VoidReason); err != nil {
			return nil, err
		}
		items = append(items, &o)
	}
	return items, rows.Err()
}

func (r *storePG) SaveObservation(ctx context.Context, o *Observation) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO observations (id, encounter_id, patient_id, concept, value, created_by, voided, void_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET encounter_id=EXCLUDED.encounter_id, patient_id=EXCLUDED.patient_id,
			concept=EXCLUDED.concept, value=EXCLUDED.value,
			voided=EXCLUDED.voided, void_reason=EXCLUDED.void_reason`,
		o.ID, o.EncounterID, o.PatientID, o.Concept, o.Value, o.CreatedBy, o.Voided, o.VoidReason)
	if err != nil {
		return fmt.Errorf("save observation: %w", err)
	}
	return nil
}
