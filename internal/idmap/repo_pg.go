package idmap

import (
	"context"
	"fmt"
	"time"

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

// tableSpec describes the physical partition a mapping type lives in.
// Patient and encounter mappings get dedicated tables; orders share one
// table discriminated by type; all static reference types share another
// without the server_updated_at column.
type tableSpec struct {
	name    string
	typed   bool // rows carry a type discriminator column
	tracked bool // rows carry server_updated_at
}

var tableSpecs = map[EntityType]tableSpec{
	TypePatient:       {name: "patient_id_mapping", tracked: true},
	TypeEncounter:     {name: "encounter_id_mapping", tracked: true},
	TypeOrder:         {name: "order_id_mapping", typed: true, tracked: true},
	TypeDrugOrder:     {name: "order_id_mapping", typed: true, tracked: true},
	TypeDiagnosis:     {name: "shr_id_mapping", typed: true},
	TypeProvider:      {name: "shr_id_mapping", typed: true},
	TypeLocation:      {name: "shr_id_mapping", typed: true},
	TypeMedication:    {name: "shr_id_mapping", typed: true},
	TypeReferenceTerm: {name: "shr_id_mapping", typed: true},
	TypeConcept:       {name: "shr_id_mapping", typed: true},
}

// uriRebaseTables are the patient-scoped partitions whose uris embed a
// health id and therefore need rewriting on patient merge.
var uriRebaseTables = []string{"encounter_id_mapping", "order_id_mapping", "shr_id_mapping"}

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG creates the PostgreSQL-backed mapping store.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func spec(t EntityType) (tableSpec, error) {
	s, ok := tableSpecs[t]
	if !ok {
		return tableSpec{}, fmt.Errorf("unknown mapping type %q", t)
	}
	return s, nil
}

func (s tableSpec) selectCols() string {
	cols := "internal_id, external_id, uri, created_at, last_synced_at"
	if s.tracked {
		cols += ", server_updated_at"
	}
	return cols
}

func (s tableSpec) scanRow(t EntityType, row pgx.Row) (*Mapping, error) {
	m := Mapping{Type: t}
	var err error
	if s.tracked {
		err = row.Scan(&m.InternalID, &m.ExternalID, &m.URI, &m.CreatedAt, &m.LastSyncedAt, &m.ServerUpdatedAt)
	} else {
		err = row.Scan(&m.InternalID, &m.ExternalID, &m.URI, &m.CreatedAt, &m.LastSyncedAt)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *storePG) findOne(ctx context.Context, t EntityType, col, val string) (*Mapping, error) {
	s, err := spec(t)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, s.selectCols(), s.name, col)
	args := []interface{}{val}
	if s.typed {
		q += ` AND type = $2`
		args = append(args, string(t))
	}
	m, err := s.scanRow(t, r.conn(ctx).QueryRow(ctx, q, args...))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s mapping by %s: %w", t, col, err)
	}
	return m, nil
}

func (r *storePG) FindByInternalID(ctx context.Context, t EntityType, internalID string) (*Mapping, error) {
	return r.findOne(ctx, t, "internal_id", internalID)
}

func (r *storePG) FindByExternalID(ctx context.Context, t EntityType, externalID string) (*Mapping, error) {
	return r.findOne(ctx, t, "external_id", externalID)
}

func (r *storePG) findMany(ctx context.Context, t EntityType, where string, args []interface{}) ([]*Mapping, error) {
	s, err := spec(t)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, s.selectCols(), s.name, where)
	if s.typed {
		q += fmt.Sprintf(` AND type = $%d`, len(args)+1)
		args = append(args, string(t))
	}
	q += ` ORDER BY created_at`

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s mappings: %w", t, err)
	}
	defer rows.Close()

	var items []*Mapping
	for rows.Next() {
		m, err := s.scanRow(t, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s mapping: %w", t, err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *storePG) FindAllByExternalID(ctx context.Context, t EntityType, externalID string) ([]*Mapping, error) {
	return r.findMany(ctx, t, "external_id = $1", []interface{}{externalID})
}

func (r *storePG) FindByHealthID(ctx context.Context, t EntityType, healthID string) ([]*Mapping, error) {
	// Match the whole /patients/<hid>/ segment; a bare substring match
	// would also catch health ids this one prefixes. The appended slash
	// covers uris that end with the health id.
	return r.findMany(ctx, t, "uri || '/' LIKE '%' || $1 || '%'",
		[]interface{}{PatientScopeSegment(healthID)})
}

func (r *storePG) SaveOrUpdate(ctx context.Context, m *Mapping) error {
	s, err := spec(m.Type)
	if err != nil {
		return err
	}

	now := time.Now()
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	lastSynced := m.LastSyncedAt
	if lastSynced.IsZero() {
		lastSynced = now
	}

	// Single-statement upsert keeps the existence check and write atomic,
	// so concurrent workers for the same entity cannot double-insert.
	var q string
	var args []interface{}
	switch {
	case s.typed && s.tracked:
		q = fmt.Sprintf(`
			INSERT INTO %s (internal_id, external_id, type, uri, created_at, last_synced_at, server_updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (internal_id, external_id, type) DO UPDATE
			SET uri = EXCLUDED.uri, last_synced_at = EXCLUDED.last_synced_at,
				server_updated_at = EXCLUDED.server_updated_at`, s.name)
		args = []interface{}{m.InternalID, m.ExternalID, string(m.Type), m.URI, createdAt, lastSynced, m.ServerUpdatedAt}
	case s.typed:
		q = fmt.Sprintf(`
			INSERT INTO %s (internal_id, external_id, type, uri, created_at, last_synced_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (internal_id, external_id, type) DO UPDATE
			SET uri = EXCLUDED.uri, last_synced_at = EXCLUDED.last_synced_at`, s.name)
		args = []interface{}{m.InternalID, m.ExternalID, string(m.Type), m.URI, createdAt, lastSynced}
	case s.tracked:
		q = fmt.Sprintf(`
			INSERT INTO %s (internal_id, external_id, uri, created_at, last_synced_at, server_updated_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (internal_id, external_id) DO UPDATE
			SET uri = EXCLUDED.uri, last_synced_at = EXCLUDED.last_synced_at,
				server_updated_at = EXCLUDED.server_updated_at`, s.name)
		args = []interface{}{m.InternalID, m.ExternalID, m.URI, createdAt, lastSynced, m.ServerUpdatedAt}
	default:
		q = fmt.Sprintf(`
			INSERT INTO %s (internal_id, external_id, uri, created_at, last_synced_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (internal_id, external_id) DO UPDATE
			SET uri = EXCLUDED.uri, last_synced_at = EXCLUDED.last_synced_at`, s.name)
		args = []interface{}{m.InternalID, m.ExternalID, m.URI, createdAt, lastSynced}
	}

	if _, err := r.conn(ctx).Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("save %s mapping %s: %w", m.Type, m.InternalID, err)
	}
	return nil
}

func (r *storePG) ReplaceInternalID(ctx context.Context, t EntityType, oldInternalID, newInternalID string) error {
	s, err := spec(t)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET internal_id = $1, last_synced_at = NOW() WHERE internal_id = $2`, s.name)
	args := []interface{}{newInternalID, oldInternalID}
	if s.typed {
		q += ` AND type = $3`
		args = append(args, string(t))
	}
	if _, err := r.conn(ctx).Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("replace internal id for %s: %w", t, err)
	}
	return nil
}

func (r *storePG) RebaseURIs(ctx context.Context, oldHealthID, newHealthID string) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		// Replace the full /patients/<hid>/ segment rather than the bare
		// health id, so an id that prefixes another is never rewritten
		// inside it. The sentinel slash appended before the REPLACE (and
		// stripped after) lets uris ending with the health id match too.
		for _, table := range uriRebaseTables {
			q := fmt.Sprintf(`
				UPDATE %s SET uri = left(REPLACE(uri || '/', $1, $2), -1), last_synced_at = NOW()
				WHERE uri || '/' LIKE '%%' || $1 || '%%'`, table)
			seg := PatientScopeSegment(oldHealthID)
			if _, err := r.conn(ctx).Exec(ctx, q, seg, PatientScopeSegment(newHealthID)); err != nil {
				return fmt.Errorf("rebase uris in %s: %w", table, err)
			}
		}
		return nil
	})
}
