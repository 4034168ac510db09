package feed

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/shr-bridge/internal/idmap"
)

// CursorRepo persists feed read positions. Get reports a never-read feed
// as (nil, nil).
type CursorRepo interface {
	Get(ctx context.Context, feedURI string) (*Cursor, error)
	Advance(ctx context.Context, feedURI, eventID string) error
}

// FailedEventRepo parks events that exhausted their retry pass.
type FailedEventRepo interface {
	// Record stores the failure, bumping the retry counter when the same
	// event has failed before.
	Record(ctx context.Context, feedURI, eventID, cause string, payload []byte) error
	List(ctx context.Context, limit int) ([]*FailedEvent, error)
	Delete(ctx context.Context, id int64) error
}

// ChangeLog is the outbox of local edits awaiting push. Pending returns
// unprocessed rows oldest first.
type ChangeLog interface {
	Record(ctx context.Context, entityType idmap.EntityType, internalID uuid.UUID) error
	Pending(ctx context.Context, limit int) ([]*ChangeEvent, error)
	MarkProcessed(ctx context.Context, ids []int64) error
}
