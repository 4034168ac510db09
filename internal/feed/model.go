package feed

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/shr-bridge/internal/idmap"
)

// Cursor marks how far a remote feed has been consumed. One row per feed
// URI; the event id is the last one whose transaction committed.
type Cursor struct {
	FeedURI     string    `db:"feed_uri" json:"feed_uri"`
	LastEventID string    `db:"last_event_id" json:"last_event_id"`
	LastReadAt  time.Time `db:"last_read_at" json:"last_read_at"`
}

// FailedEvent is a feed event that failed both its first application and
// the retry pass. It is parked here for operator inspection instead of
// blocking the cursor.
type FailedEvent struct {
	ID        int64           `db:"id" json:"id"`
	FeedURI   string          `db:"feed_uri" json:"feed_uri"`
	EventID   string          `db:"event_id" json:"event_id"`
	Error     string          `db:"error" json:"error"`
	Retries   int             `db:"retries" json:"retries"`
	Payload   json.RawMessage `db:"payload" json:"payload,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// ChangeEvent is an outbox row recording a local edit that the push worker
// has yet to forward. Rows are written in the same transaction as the edit
// itself.
type ChangeEvent struct {
	ID          int64            `db:"id" json:"id"`
	EntityType  idmap.EntityType `db:"entity_type" json:"entity_type"`
	InternalID  uuid.UUID        `db:"internal_id" json:"internal_id"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	ProcessedAt *time.Time       `db:"processed_at" json:"processed_at,omitempty"`
}
