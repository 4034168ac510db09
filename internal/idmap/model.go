package idmap

import (
	"fmt"
	"time"
)

// EntityType identifies which correlation table a mapping lives in.
type EntityType string

const (
	TypePatient       EntityType = "patient"
	TypeEncounter     EntityType = "encounter"
	TypeOrder         EntityType = "order"
	TypeDrugOrder     EntityType = "drug_order"
	TypeDiagnosis     EntityType = "diagnosis"
	TypeProvider      EntityType = "provider"
	TypeLocation      EntityType = "location"
	TypeMedication    EntityType = "medication"
	TypeReferenceTerm EntityType = "reference_term"
	TypeConcept       EntityType = "concept"
)

// AllTypes lists every syncable entity type.
var AllTypes = []EntityType{
	TypePatient, TypeEncounter, TypeOrder, TypeDrugOrder, TypeDiagnosis,
	TypeProvider, TypeLocation, TypeMedication, TypeReferenceTerm, TypeConcept,
}

func (t EntityType) Valid() bool {
	switch t {
	case TypePatient, TypeEncounter, TypeOrder, TypeDrugOrder, TypeDiagnosis,
		TypeProvider, TypeLocation, TypeMedication, TypeReferenceTerm, TypeConcept:
		return true
	}
	return false
}

// Tracked reports whether mappings of this type carry the remote system's
// last-modified timestamp. Static reference data (concepts, terms,
// providers, locations) is never conflict-checked, so its tables omit the
// column.
func (t EntityType) Tracked() bool {
	switch t {
	case TypePatient, TypeEncounter, TypeOrder, TypeDrugOrder:
		return true
	}
	return false
}

// Mapping correlates one locally generated identifier with one identifier
// issued by the remote exchange, for one entity type.
type Mapping struct {
	InternalID string     `json:"internal_id"`
	ExternalID string     `json:"external_id"`
	Type       EntityType `json:"type"`
	URI        string     `json:"uri"`
	CreatedAt  time.Time  `json:"created_at"`
	// LastSyncedAt records our last successful sync attempt.
	LastSyncedAt time.Time `json:"last_synced_at"`
	// ServerUpdatedAt is the remote system's own last-modified timestamp,
	// used for conflict detection. Nil for untracked types and for
	// mappings created by push before any inbound update arrived.
	ServerUpdatedAt *time.Time `json:"server_updated_at,omitempty"`
}

// AlreadyApplied reports whether an inbound update stamped remoteUpdated is
// at or before the state this mapping already reflects. A remote timestamp
// that is not strictly newer than the stored one has been applied before;
// re-applying it must be a no-op.
func (m *Mapping) AlreadyApplied(remoteUpdated time.Time) bool {
	if m == nil {
		return false
	}
	if m.ServerUpdatedAt == nil {
		// A tracked mapping without a remote timestamp was written by an
		// inbound apply that predates timestamp tracking; treat any replay
		// as already applied rather than re-ingesting history.
		return m.Type.Tracked()
	}
	return !remoteUpdated.After(*m.ServerUpdatedAt)
}

// CompositeExternalID builds the external id for an encounter child record
// (diagnosis, order) that the exchange does not address individually. The
// child is keyed under its encounter's external id.
func CompositeExternalID(encounterExternalID, childInternalID string) string {
	return fmt.Sprintf("%s:%s", encounterExternalID, childInternalID)
}
