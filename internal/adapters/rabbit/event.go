package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
)

// AggregateHeader carries the id of the show or booking an event belongs to.
const AggregateHeader = "aggregate_id"

// DecodeEvent rebuilds the outbox event a delivery was published from. The
// routing key is the event type and the message id is the event id.
func DecodeEvent(d amqp.Delivery) (domain.Event, error) {
	id, err := uuid.Parse(d.MessageId)
	if err != nil {
		return domain.Event{}, errors.Wrapf(err, "message id %q", d.MessageId)
	}
	eventType := d.RoutingKey
	if eventType == "" {
		eventType = d.Type
	}
	if eventType == "" {
		return domain.Event{}, errors.Newf("message %s has no event type", id)
	}

	ev := domain.Event{
		ID:         id,
		Type:       eventType,
		Payload:    d.Body,
		OccurredAt: d.Timestamp,
	}
	if raw, ok := d.Headers[AggregateHeader].(string); ok {
		if ev.AggregateID, err = uuid.Parse(raw); err != nil {
			return domain.Event{}, errors.Wrapf(err, "%s header %q", AggregateHeader, raw)
		}
	}
	return ev, nil
}

// EventStore records decoded events.
type EventStore interface {
	LogEvent(ctx context.Context, ev domain.Event) error
}

// EventHandler records every delivered event in store. Deliveries that cannot
// be decoded and events the store rejects as invalid are dropped; any other
// store failure is requeued.
func EventHandler(store EventStore) Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		ev, err := DecodeEvent(d)
		if err != nil {
			return err
		}
		if err := store.LogEvent(ctx, ev); err != nil {
			if errors.Is(err, domain.ErrInvalidInput) {
				return err
			}
			return Transient(err)
		}
		return nil
	}
}
