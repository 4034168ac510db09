package idmap

import "context"

// Store is the durable bidirectional correlation table between local and
// remote identifiers. Lookups report absence as (nil, nil); an error always
// means the store itself failed and the enclosing unit of work must abort.
type Store interface {
	FindByInternalID(ctx context.Context, t EntityType, internalID string) (*Mapping, error)
	FindByExternalID(ctx context.Context, t EntityType, externalID string) (*Mapping, error)
	// FindAllByExternalID returns every mapping sharing an external id.
	// Composite external ids resolve to several internal children, e.g. an
	// order request split per concept.
	FindAllByExternalID(ctx context.Context, t EntityType, externalID string) ([]*Mapping, error)
	// FindByHealthID enumerates all mappings of a type whose uri references
	// the given patient external id (substring match over uri).
	FindByHealthID(ctx context.Context, t EntityType, healthID string) ([]*Mapping, error)
	// SaveOrUpdate inserts when no row exists for (internal_id, external_id)
	// and otherwise updates uri, last_synced_at and server_updated_at. The
	// check-then-act is atomic per mapping.
	SaveOrUpdate(ctx context.Context, m *Mapping) error
	// ReplaceInternalID rewrites every row of a type referencing
	// oldInternalID to reference newInternalID, all-or-nothing.
	ReplaceInternalID(ctx context.Context, t EntityType, oldInternalID, newInternalID string) error
	// RebaseURIs rewrites the health-id fragment inside every patient-scoped
	// uri from oldHealthID to newHealthID, refreshing last_synced_at, in a
	// single transaction. Used by patient-merge reconciliation.
	RebaseURIs(ctx context.Context, oldHealthID, newHealthID string) error
}
