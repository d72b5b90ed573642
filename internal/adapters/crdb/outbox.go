package crdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
)

type OutboxRecord struct {
	ID          uuid.UUID
	AggregateID uuid.UUID
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
	Status      string // NEW, PUBLISHED
}

// AppendEvent records the event in the outbox as part of the caller's
// transaction, so it commits or rolls back with the state change.
func (r *Repository) AppendEvent(ctx context.Context, event domain.Event) error {
	tx, err := mustTx(ctx, "AppendEvent")
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_id, event_type, payload_json, created_at, status)
		VALUES ($1, $2, $3, $4, $5, 'NEW')
	`, event.ID, event.AggregateID, event.Type, event.Payload, event.OccurredAt)
	return err
}

// GetUnpublishedOutbox returns the oldest unpublished records. Called inside
// a transaction it locks them, skipping rows another publisher holds.
func (r *Repository) GetUnpublishedOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := r.db(ctx).Query(ctx, `
		SELECT id, aggregate_id, event_type, payload_json, created_at, published_at, status
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		err := rows.Scan(&rec.ID, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := r.db(ctx).Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, id, publishedAt)
	return err
}
