package sweeper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/show-seat-reservations/internal/clock"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
	"github.com/robertarktes/show-seat-reservations/internal/reservation"
	"github.com/robertarktes/show-seat-reservations/internal/sweeper"
	"github.com/robertarktes/show-seat-reservations/internal/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 1, 16, 14, 0, 0, 0, time.UTC)

type recordingInvalidator struct {
	mu    sync.Mutex
	shows []uuid.UUID
	err   error
}

func (r *recordingInvalidator) InvalidateAvailability(_ context.Context, showID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shows = append(r.shows, showID)
	return r.err
}

func (r *recordingInvalidator) calls() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.shows...)
}

func ptr[T any](v T) *T { return &v }

func TestSweep(t *testing.T) {
	t.Run("releases lapsed holds only", func(t *testing.T) {
		ledger := testutil.NewMemLedger()
		clk := clock.NewManual(start)
		log, _ := logtest.NewNullLogger()
		inv := &recordingInvalidator{}
		sw := sweeper.New(ledger, clk, observability.NewLogrusLogger(log), inv)

		show, seats := ledger.AddShow("Inception", "A", 4)
		lapsed := seats[0]
		lapsed.Holder = ptr("alice")
		lapsed.HoldExpiry = ptr(start.Add(-time.Second))
		ledger.PutSeat(lapsed)

		live := seats[1]
		live.Holder = ptr("bob")
		live.HoldExpiry = ptr(start.Add(time.Minute))
		ledger.PutSeat(live)

		booked := seats[2]
		booked.Holder = ptr("carol")
		booked.BookingID = ptr(uuid.New())
		ledger.PutSeat(booked)

		n, err := sw.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got := ledger.Seat(lapsed.ID)
		assert.Nil(t, got.Holder)
		assert.Nil(t, got.HoldExpiry)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, domain.SeatAvailable, got.StatusAt(start))

		assert.Equal(t, "bob", *ledger.Seat(live.ID).Holder)
		assert.Equal(t, "carol", *ledger.Seat(booked.ID).Holder)
		assert.Equal(t, domain.SeatBooked, ledger.Seat(booked.ID).StatusAt(start))

		events := ledger.Events()
		require.Len(t, events, 1)
		assert.Equal(t, domain.EventSeatsReleased, events[0].Type)
		assert.Equal(t, show.ID, events[0].AggregateID)
		assert.Equal(t, []uuid.UUID{show.ID}, inv.calls())
	})

	t.Run("is idempotent", func(t *testing.T) {
		ledger := testutil.NewMemLedger()
		log, _ := logtest.NewNullLogger()
		sw := sweeper.New(ledger, clock.NewManual(start), observability.NewLogrusLogger(log), nil)

		_, seats := ledger.AddShow("Inception", "A", 1)
		s := seats[0]
		s.Holder = ptr("alice")
		s.HoldExpiry = ptr(start.Add(-time.Minute))
		ledger.PutSeat(s)

		n, err := sw.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = sw.Sweep(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Len(t, ledger.Events(), 1)
	})

	t.Run("hold expiring exactly now is kept", func(t *testing.T) {
		ledger := testutil.NewMemLedger()
		log, _ := logtest.NewNullLogger()
		sw := sweeper.New(ledger, clock.NewManual(start), observability.NewLogrusLogger(log), nil)

		_, seats := ledger.AddShow("Inception", "A", 1)
		s := seats[0]
		s.Holder = ptr("alice")
		s.HoldExpiry = ptr(start)
		ledger.PutSeat(s)

		n, err := sw.Sweep(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.NotNil(t, ledger.Seat(s.ID).Holder)
	})

	t.Run("cache invalidation failure does not fail the sweep", func(t *testing.T) {
		ledger := testutil.NewMemLedger()
		log, hook := logtest.NewNullLogger()
		inv := &recordingInvalidator{err: errors.New("redis down")}
		sw := sweeper.New(ledger, clock.NewManual(start), observability.NewLogrusLogger(log), inv)

		_, seats := ledger.AddShow("Inception", "A", 1)
		s := seats[0]
		s.Holder = ptr("alice")
		s.HoldExpiry = ptr(start.Add(-time.Minute))
		ledger.PutSeat(s)

		n, err := sw.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		var warned bool
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel {
				warned = true
			}
		}
		assert.True(t, warned)
	})

	t.Run("failure rolls back", func(t *testing.T) {
		ledger := testutil.NewMemLedger()
		log, _ := logtest.NewNullLogger()
		sw := sweeper.New(ledger, clock.NewManual(start), observability.NewLogrusLogger(log), nil)

		_, seats := ledger.AddShow("Inception", "A", 1)
		s := seats[0]
		s.Holder = ptr("alice")
		s.HoldExpiry = ptr(start.Add(-time.Minute))
		ledger.PutSeat(s)
		ledger.FailOn("AppendEvent", errors.New("outbox unavailable"))

		_, err := sw.Sweep(context.Background())
		require.Error(t, err)
		assert.Equal(t, "alice", *ledger.Seat(s.ID).Holder)
	})
}

func TestRun_KeepsGoingAfterFailure(t *testing.T) {
	ledger := testutil.NewMemLedger()
	log, hook := logtest.NewNullLogger()
	sw := sweeper.New(ledger, clock.NewManual(start), observability.NewLogrusLogger(log), nil)
	ledger.FailOn("SweepExpired", errors.New("connection reset"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	failures := func() int {
		n := 0
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.ErrorLevel && e.Message == "expiry sweep failed" {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return failures() >= 2 }, 2*time.Second, 5*time.Millisecond)

	ledger.FailOn("SweepExpired", nil)
	_, seats := ledger.AddShow("Inception", "A", 1)
	s := seats[0]
	s.Holder = ptr("alice")
	s.HoldExpiry = ptr(start.Add(-time.Minute))
	ledger.PutSeat(s)

	require.Eventually(t, func() bool { return ledger.Seat(s.ID).Holder == nil }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestSweep_FreesSeatForAnotherHolder(t *testing.T) {
	ledger := testutil.NewMemLedger()
	clk := clock.NewManual(start)
	log, _ := logtest.NewNullLogger()
	logger := observability.NewLogrusLogger(log)
	eng := reservation.NewEngine(ledger, clk, reservation.WithLogger(logger))
	sw := sweeper.New(ledger, clk, logger, nil)
	ctx := context.Background()

	show, seats := ledger.AddShow("Inception", "A", 2)
	_, err := eng.Hold(ctx, show.ID, []uuid.UUID{seats[0].ID}, "alice")
	require.NoError(t, err)

	clk.Advance(2*time.Minute + time.Second)
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = eng.Confirm(ctx, show.ID, "alice")
	assert.True(t, errors.Is(err, domain.ErrConflict))

	_, err = eng.Hold(ctx, show.ID, []uuid.UUID{seats[0].ID}, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", *ledger.Seat(seats[0].ID).Holder)
}
