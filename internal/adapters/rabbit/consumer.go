package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
)

const prefetch = 50

// ErrTransient marks handler failures that may succeed on redelivery, such
// as a store that is briefly unreachable.
var ErrTransient = errors.New("transient failure")

// Transient marks err as worth redelivering. It returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// Handler processes one delivery. An error marked with Transient puts the
// message back on the queue; any other error rejects it for good.
type Handler func(ctx context.Context, d amqp.Delivery) error

type Consumer struct {
	ch     *amqp.Channel
	queue  string
	logger observability.Logger
}

// NewConsumer declares a durable queue bound to the seating exchange with
// each of the given routing keys ("#" for every event).
func NewConsumer(conn *amqp.Connection, queue string, logger observability.Logger, bindings ...string) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := setup(ch, queue, bindings); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Consumer{ch: ch, queue: queue, logger: logger}, nil
}

func setup(ch *amqp.Channel, queue string, bindings []string) error {
	if err := declareExchange(ch); err != nil {
		return errors.Wrap(err, "exchange declare")
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return errors.Wrap(err, "set qos")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "queue declare")
	}
	if len(bindings) == 0 {
		bindings = []string{"#"}
	}
	for _, key := range bindings {
		if err := ch.QueueBind(queue, key, Exchange, false, nil); err != nil {
			return errors.Wrapf(err, "bind %s to %s", queue, key)
		}
	}
	return nil
}

// Consume delivers messages to h until ctx is cancelled or the channel
// closes. It returns nil only on cancellation.
func (c *Consumer) Consume(ctx context.Context, h Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "queue consume")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			Dispatch(ctx, d, h, c.logger)
		}
	}
}

// Dispatch runs h for d and acknowledges, requeues or rejects it.
func Dispatch(ctx context.Context, d amqp.Delivery, h Handler, logger observability.Logger) {
	err := h(ctx, d)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	entry := logger.WithFields(map[string]interface{}{
		"routing_key": d.RoutingKey,
		"message_id":  d.MessageId,
		"redelivered": d.Redelivered,
	}).WithError(err)
	if errors.Is(err, ErrTransient) {
		entry.Warn("handle message failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	entry.Error("handle message failed")
	_ = d.Nack(false, false)
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
