package feed

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/shr-bridge/internal/idmap"
	"github.com/ehr/shr-bridge/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

type cursorPG struct{ pool *pgxpool.Pool }

func NewCursorRepoPG(pool *pgxpool.Pool) CursorRepo { return &cursorPG{pool: pool} }

func (r *cursorPG) Get(ctx context.Context, feedURI string) (*Cursor, error) {
	var c Cursor
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT feed_uri, last_event_id, last_read_at FROM sync_markers WHERE feed_uri = $1`,
		feedURI).Scan(&c.FeedURI, &c.LastEventID, &c.LastReadAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return &c, nil
}

func (r *cursorPG) Advance(ctx context.Context, feedURI, eventID string) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO sync_markers (feed_uri, last_event_id, last_read_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (feed_uri) DO UPDATE SET last_event_id = EXCLUDED.last_event_id, last_read_at = NOW()`,
		feedURI, eventID)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

type failedEventPG struct{ pool *pgxpool.Pool }

func NewFailedEventRepoPG(pool *pgxpool.Pool) FailedEventRepo { return &failedEventPG{pool: pool} }

func (r *failedEventPG) Record(ctx context.Context, feedURI, eventID, cause string, payload []byte) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO failed_events (feed_uri, event_id, error, retries, payload)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (feed_uri, event_id) DO UPDATE
			SET error = EXCLUDED.error, retries = failed_events.retries + 1, updated_at = NOW()`,
		feedURI, eventID, cause, payload)
	if err != nil {
		return fmt.Errorf("record failed event: %w", err)
	}
	return nil
}

func (r *failedEventPG) List(ctx context.Context, limit int) ([]*FailedEvent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, feed_uri, event_id, error, retries, payload, created_at, updated_at
		FROM failed_events ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed events: %w", err)
	}
	defer rows.Close()
	var items []*FailedEvent
	for rows.Next() {
		var f FailedEvent
		if err := rows.Scan(&f.ID, &f.FeedURI, &f.EventID, &f.Error, &f.Retries, &f.Payload, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, &f)
	}
	return items, rows.Err()
}

func (r *failedEventPG) Delete(ctx context.Context, id int64) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM failed_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete failed event: %w", err)
	}
	return nil
}

type changeLogPG struct{ pool *pgxpool.Pool }

func NewChangeLogPG(pool *pgxpool.Pool) ChangeLog { return &changeLogPG{pool: pool} }

func (r *changeLogPG) Record(ctx context.Context, entityType idmap.EntityType, internalID uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO emr_change_log (entity_type, internal_id) VALUES ($1, $2)`,
		entityType, internalID)
	if err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	return nil
}

func (r *changeLogPG) Pending(ctx context.Context, limit int) ([]*ChangeEvent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, entity_type, internal_id, created_at, processed_at
		FROM emr_change_log WHERE processed_at IS NULL
		ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending changes: %w", err)
	}
	defer rows.Close()
	var items []*ChangeEvent
	for rows.Next() {
		var e ChangeEvent
		if err := rows.Scan(&e.ID, &e.EntityType, &e.InternalID, &e.CreatedAt, &e.ProcessedAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

func (r *changeLogPG) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE emr_change_log SET processed_at = NOW() WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}
