package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/show-seat-reservations/internal/adapters/crdb"
	"github.com/robertarktes/show-seat-reservations/internal/adapters/rabbit"
	"github.com/robertarktes/show-seat-reservations/internal/clock"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	records   []crdb.OutboxRecord
	published map[uuid.UUID]time.Time
	listErr   error
}

func newFakeStore(records ...crdb.OutboxRecord) *fakeStore {
	return &fakeStore{records: records, published: make(map[uuid.UUID]time.Time)}
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *fakeStore) GetUnpublishedOutbox(_ context.Context, limit int) ([]crdb.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []crdb.OutboxRecord
	for _, r := range s.records {
		if _, done := s.published[r.ID]; !done && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published[id] = at
	return nil
}

type fakeBroker struct {
	mu       sync.Mutex
	msgs     []amqp.Publishing
	keys     []string
	failures int
	failFor  string
}

func (b *fakeBroker) Publish(_ context.Context, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 || key == b.failFor {
		if b.failures > 0 {
			b.failures--
		}
		return errors.New("channel closed")
	}
	b.msgs = append(b.msgs, msg)
	b.keys = append(b.keys, key)
	return nil
}

var now = time.Date(2026, 1, 16, 14, 0, 0, 0, time.UTC)

func record(eventType string, age time.Duration) crdb.OutboxRecord {
	return crdb.OutboxRecord{
		ID:          uuid.New(),
		AggregateID: uuid.New(),
		EventType:   eventType,
		Payload:     []byte(`{}`),
		CreatedAt:   now.Add(-age),
		Status:      "NEW",
	}
}

func newTestPublisher(store Store, broker EventPublisher, batch int) *Publisher {
	log, _ := logtest.NewNullLogger()
	p := NewPublisher(store, broker, clock.NewManual(now), observability.NewLogrusLogger(log), batch)
	p.backoff = time.Millisecond
	return p
}

func TestPublishBatch(t *testing.T) {
	t.Run("publishes in order and marks records", func(t *testing.T) {
		held := record(domain.EventSeatsHeld, 3*time.Second)
		confirmed := record(domain.EventBookingConfirmed, time.Second)
		store := newFakeStore(held, confirmed)
		broker := &fakeBroker{}

		n, err := newTestPublisher(store, broker, 10).PublishBatch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{domain.EventSeatsHeld, domain.EventBookingConfirmed}, broker.keys)
		assert.Equal(t, held.ID.String(), broker.msgs[0].MessageId)
		assert.Equal(t, uint8(amqp.Persistent), broker.msgs[0].DeliveryMode)
		assert.Equal(t, held.AggregateID.String(), broker.msgs[0].Headers[rabbit.AggregateHeader])
		assert.Len(t, store.published, 2)
	})

	t.Run("respects the batch size", func(t *testing.T) {
		store := newFakeStore(record("a", 3), record("b", 2), record("c", 1))
		broker := &fakeBroker{}
		p := newTestPublisher(store, broker, 2)

		n, err := p.PublishBatch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = p.PublishBatch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("retries transient broker failures", func(t *testing.T) {
		store := newFakeStore(record(domain.EventSeatsReleased, time.Second))
		broker := &fakeBroker{failures: 2}

		n, err := newTestPublisher(store, broker, 10).PublishBatch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("stops at a record the broker refuses", func(t *testing.T) {
		first := record(domain.EventSeatsHeld, 3*time.Second)
		stuck := record(domain.EventBookingConfirmed, 2*time.Second)
		last := record(domain.EventSeatsReleased, time.Second)
		store := newFakeStore(first, stuck, last)
		broker := &fakeBroker{failFor: domain.EventBookingConfirmed}

		n, err := newTestPublisher(store, broker, 10).PublishBatch(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, n)
		assert.Contains(t, store.published, first.ID)
		assert.NotContains(t, store.published, stuck.ID)
		assert.NotContains(t, store.published, last.ID)
	})

	t.Run("store failure publishes nothing", func(t *testing.T) {
		store := newFakeStore(record("a", 1))
		store.listErr = errors.New("connection reset")
		broker := &fakeBroker{}

		_, err := newTestPublisher(store, broker, 10).PublishBatch(context.Background())
		require.Error(t, err)
		assert.Empty(t, broker.msgs)
	})
}
