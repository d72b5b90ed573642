package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/show-seat-reservations/internal/adapters/crdb"
	"github.com/robertarktes/show-seat-reservations/internal/adapters/rabbit"
	"github.com/robertarktes/show-seat-reservations/internal/clock"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultBatch    = 50
	maxAttempts     = 3
)

// Store is the outbox side of the ledger.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetUnpublishedOutbox(ctx context.Context, limit int) ([]crdb.OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

// Publisher relays committed outbox records to the broker in creation order.
// Delivery is at least once; consumers deduplicate on the message id.
type Publisher struct {
	store     Store
	rabbitPub EventPublisher
	clock     clock.Clock
	logger    observability.Logger
	batch     int
	backoff   time.Duration
}

func NewPublisher(store Store, rabbitPub EventPublisher, clk clock.Clock, logger observability.Logger, batch int) *Publisher {
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Publisher{
		store:     store,
		rabbitPub: rabbitPub,
		clock:     clk,
		logger:    logger,
		batch:     batch,
		backoff:   100 * time.Millisecond,
	}
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PublishBatch(ctx); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Error("outbox publish failed")
			}
		}
	}
}

// PublishBatch publishes up to one batch of records and marks them published
// in the same transaction that locked them. It stops at the first record the
// broker refuses, keeping what was published so far.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	published := 0
	var publishErr error

	err := p.store.WithTx(ctx, func(txCtx context.Context) error {
		published = 0
		records, err := p.store.GetUnpublishedOutbox(txCtx, p.batch)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			observability.OutboxLag.Set(0)
			return nil
		}
		observability.OutboxLag.Set(p.clock.Now().Sub(records[0].CreatedAt).Seconds())

		for _, rec := range records {
			msg := amqp.Publishing{
				MessageId:    rec.ID.String(),
				Type:         rec.EventType,
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    rec.CreatedAt,
				Body:         rec.Payload,
				Headers:      amqp.Table{rabbit.AggregateHeader: rec.AggregateID.String()},
			}
			if err := p.publish(txCtx, rec.EventType, msg); err != nil {
				publishErr = errors.Wrapf(err, "publish outbox record %s", rec.ID)
				break
			}
			if err := p.store.MarkPublished(txCtx, rec.ID, p.clock.Now()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if published > 0 {
		p.logger.WithField("published", published).Debug("outbox records published")
	}
	return published, publishErr
}

func (p *Publisher) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = p.rabbitPub.Publish(ctx, key, msg); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		observability.RabbitPublishRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * p.backoff):
		}
	}
	return err
}
