package reservation_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/show-seat-reservations/internal/clock"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
	"github.com/robertarktes/show-seat-reservations/internal/reservation"
	"github.com/robertarktes/show-seat-reservations/internal/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 1, 16, 14, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*reservation.Engine, *testutil.MemLedger, *clock.Manual) {
	t.Helper()
	ledger := testutil.NewMemLedger()
	clk := clock.NewManual(start)
	log, _ := logtest.NewNullLogger()
	eng := reservation.NewEngine(ledger, clk,
		reservation.WithHoldTTL(2*time.Minute),
		reservation.WithLogger(observability.NewLogrusLogger(log)),
	)
	return eng, ledger, clk
}

func ids(seats ...domain.Seat) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(seats))
	for _, s := range seats {
		out = append(out, s.ID)
	}
	return out
}

func TestHold(t *testing.T) {
	t.Run("holds all requested seats", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 10)

		res, err := eng.Hold(context.Background(), show.ID, ids(seats[0], seats[1]), "alice")
		require.NoError(t, err)
		assert.Equal(t, "Seats held successfully.", res.Message)
		assert.Equal(t, start.Add(2*time.Minute), res.ExpiresAt)

		for _, s := range seats[:2] {
			got := ledger.Seat(s.ID)
			require.NotNil(t, got.Holder)
			assert.Equal(t, "alice", *got.Holder)
			assert.Equal(t, domain.SeatHeld, got.StatusAt(start))
			assert.Equal(t, int64(1), got.Version)
		}
		assert.Equal(t, domain.SeatAvailable, ledger.Seat(seats[2].ID).StatusAt(start))

		events := ledger.Events()
		require.Len(t, events, 1)
		assert.Equal(t, domain.EventSeatsHeld, events[0].Type)
	})

	t.Run("locks seats in canonical order", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 6)
		requested := []uuid.UUID{seats[5].ID, seats[0].ID, seats[3].ID, seats[1].ID}

		_, err := eng.Hold(context.Background(), show.ID, requested, "alice")
		require.NoError(t, err)

		log := ledger.LockLog()
		require.Len(t, log, 1)
		require.Len(t, log[0], len(requested))
		for i := 1; i < len(log[0]); i++ {
			assert.Negative(t, bytes.Compare(log[0][i-1][:], log[0][i][:]))
		}
	})

	t.Run("same holder refreshes expiry", func(t *testing.T) {
		eng, ledger, clk := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 3)
		ctx := context.Background()

		first, err := eng.Hold(ctx, show.ID, ids(seats[0]), "alice")
		require.NoError(t, err)

		clk.Advance(90 * time.Second)
		second, err := eng.Hold(ctx, show.ID, ids(seats[0]), "alice")
		require.NoError(t, err)

		assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
		assert.Equal(t, second.ExpiresAt, *ledger.Seat(seats[0].ID).HoldExpiry)
	})

	t.Run("conflicts with another holder", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 3)
		ctx := context.Background()

		_, err := eng.Hold(ctx, show.ID, ids(seats[0]), "alice")
		require.NoError(t, err)

		_, err = eng.Hold(ctx, show.ID, ids(seats[0]), "bob")
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrConflict))

		var seatErr *domain.SeatConflictError
		require.True(t, errors.As(err, &seatErr))
		assert.Equal(t, "A1", seatErr.Seat)
		assert.Equal(t, seats[0].ID, seatErr.SeatID)
		assert.Equal(t, "alice", *ledger.Seat(seats[0].ID).Holder)
	})

	t.Run("lapsed hold of another holder can be taken", func(t *testing.T) {
		eng, ledger, clk := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 3)
		ctx := context.Background()

		_, err := eng.Hold(ctx, show.ID, ids(seats[0]), "alice")
		require.NoError(t, err)

		clk.Advance(3 * time.Minute)
		_, err = eng.Hold(ctx, show.ID, ids(seats[0]), "bob")
		require.NoError(t, err)
		assert.Equal(t, "bob", *ledger.Seat(seats[0].ID).Holder)
	})

	t.Run("booked seat conflicts", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 3)
		ctx := context.Background()

		_, err := eng.Hold(ctx, show.ID, ids(seats[0]), "alice")
		require.NoError(t, err)
		_, err = eng.Confirm(ctx, show.ID, "alice")
		require.NoError(t, err)

		_, err = eng.Hold(ctx, show.ID, ids(seats[0]), "alice")
		assert.True(t, errors.Is(err, domain.ErrConflict))
	})

	t.Run("all or nothing", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 3)
		ctx := context.Background()

		_, err := eng.Hold(ctx, show.ID, ids(seats[1]), "bob")
		require.NoError(t, err)

		_, err = eng.Hold(ctx, show.ID, ids(seats[0], seats[1], seats[2]), "alice")
		require.True(t, errors.Is(err, domain.ErrConflict))

		assert.Nil(t, ledger.Seat(seats[0].ID).Holder)
		assert.Nil(t, ledger.Seat(seats[2].ID).Holder)
		assert.Equal(t, "bob", *ledger.Seat(seats[1].ID).Holder)
		assert.Len(t, ledger.Events(), 1)
	})

	t.Run("unknown seat is not found", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 3)
		_, otherSeats := ledger.AddShow("Tenet", "B", 1)

		_, err := eng.Hold(context.Background(), show.ID, []uuid.UUID{seats[0].ID, uuid.New()}, "alice")
		assert.True(t, errors.Is(err, domain.ErrNotFound))

		_, err = eng.Hold(context.Background(), show.ID, ids(otherSeats[0]), "alice")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.Nil(t, ledger.Seat(seats[0].ID).Holder)
	})

	t.Run("rejects invalid input before opening a transaction", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 3)
		ledger.FailOn("WithTx", errors.New("must not be called"))

		_, err := eng.Hold(context.Background(), show.ID, nil, "alice")
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		_, err = eng.Hold(context.Background(), show.ID, ids(seats[0]), "   ")
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		_, err = eng.Hold(context.Background(), show.ID, ids(seats[0], seats[0]), "alice")
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})

	t.Run("version mismatch is a conflict", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 1)
		ledger.AfterFetch = func([]uuid.UUID) {
			s := ledger.Seat(seats[0].ID)
			s.Version = 42
			ledger.PutSeat(s)
		}

		_, err := eng.Hold(context.Background(), show.ID, ids(seats[0]), "alice")
		assert.True(t, errors.Is(err, domain.ErrConflict))
		assert.True(t, errors.Is(err, domain.ErrVersionMismatch))
	})

	t.Run("infrastructure failure is internal and rolls back", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 2)
		ledger.FailOn("AppendEvent", errors.New("outbox unavailable"))

		_, err := eng.Hold(context.Background(), show.ID, ids(seats...), "alice")
		require.Error(t, err)
		assert.False(t, errors.Is(err, domain.ErrConflict))
		assert.False(t, errors.Is(err, domain.ErrNotFound))
		assert.Nil(t, ledger.Seat(seats[0].ID).Holder)
	})

	t.Run("lock timeout is a retryable conflict", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 1)
		ledger.FailOn("LockAndFetch", domain.Retryable(errors.New("lock wait timeout")))

		_, err := eng.Hold(context.Background(), show.ID, ids(seats[0]), "alice")
		assert.True(t, errors.Is(err, domain.ErrConflict))
		assert.True(t, domain.IsRetryable(err))
	})
}

func TestConfirm(t *testing.T) {
	t.Run("books every held seat", func(t *testing.T) {
		eng, ledger, clk := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 10)
		ctx := context.Background()

		_, err := eng.Hold(ctx, show.ID, ids(seats[1], seats[0]), "alice")
		require.NoError(t, err)
		clk.Advance(30 * time.Second)

		booking, err := eng.Confirm(ctx, show.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, show.ID, booking.ShowID)
		assert.Equal(t, "alice", booking.HolderID)
		assert.Equal(t, start.Add(30*time.Second), booking.ConfirmedAt)
		require.Len(t, booking.Seats, 2)

		for _, s := range seats[:2] {
			got := ledger.Seat(s.ID)
			require.NotNil(t, got.BookingID)
			assert.Equal(t, booking.ID, *got.BookingID)
			assert.Nil(t, got.HoldExpiry)
			assert.Equal(t, domain.SeatBooked, got.StatusAt(clk.Now()))
		}
		require.Len(t, ledger.Bookings(), 1)

		events := ledger.Events()
		require.Len(t, events, 2)
		assert.Equal(t, domain.EventBookingConfirmed, events[1].Type)
	})

	t.Run("nothing held", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, _ := ledger.AddShow("Inception", "A", 3)

		_, err := eng.Confirm(context.Background(), show.ID, "alice")
		assert.True(t, errors.Is(err, domain.ErrConflict))
		assert.Empty(t, ledger.Bookings())
	})

	t.Run("unknown show", func(t *testing.T) {
		eng, _, _ := newEngine(t)
		_, err := eng.Confirm(context.Background(), uuid.New(), "alice")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("blank holder", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, _ := ledger.AddShow("Inception", "A", 3)
		_, err := eng.Confirm(context.Background(), show.ID, "")
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})

	t.Run("expired hold creates no booking", func(t *testing.T) {
		eng, ledger, clk := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 3)
		ctx := context.Background()

		_, err := eng.Hold(ctx, show.ID, ids(seats[0]), "alice")
		require.NoError(t, err)
		clk.Advance(2*time.Minute + time.Second)

		_, err = eng.Confirm(ctx, show.ID, "alice")
		assert.True(t, errors.Is(err, domain.ErrConflict))
		assert.Empty(t, ledger.Bookings())
		assert.Nil(t, ledger.Seat(seats[0].ID).BookingID)
	})

	t.Run("seat taken over between snapshot and lock", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 2)
		ctx := context.Background()

		_, err := eng.Hold(ctx, show.ID, ids(seats...), "alice")
		require.NoError(t, err)

		ledger.BeforeLock = func([]uuid.UUID) {
			s := ledger.Seat(seats[1].ID)
			bob := "bob"
			s.Holder = &bob
			ledger.PutSeat(s)
		}
		_, err = eng.Confirm(ctx, show.ID, "alice")
		require.True(t, errors.Is(err, domain.ErrConflict))

		var seatErr *domain.SeatConflictError
		require.True(t, errors.As(err, &seatErr))
		assert.Equal(t, "A2", seatErr.Seat)
		assert.Empty(t, ledger.Bookings())
		assert.Nil(t, ledger.Seat(seats[0].ID).BookingID)
	})

	t.Run("concurrent double submit books once", func(t *testing.T) {
		eng, ledger, _ := newEngine(t)
		show, seats := ledger.AddShow("Inception", "A", 4)
		ctx := context.Background()

		_, err := eng.Hold(ctx, show.ID, ids(seats...), "alice")
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]error, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = eng.Confirm(ctx, show.ID, "alice")
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range results {
			if err == nil {
				ok++
				continue
			}
			assert.True(t, errors.Is(err, domain.ErrConflict), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, ok)
		assert.Len(t, ledger.Bookings(), 1)
	})
}

func TestHold_ConcurrentSameSeat(t *testing.T) {
	eng, ledger, _ := newEngine(t)
	show, seats := ledger.AddShow("Inception", "A", 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, holder := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, holder string) {
			defer wg.Done()
			_, errs[i] = eng.Hold(context.Background(), show.ID, ids(seats[0]), holder)
		}(i, holder)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(err, domain.ErrConflict))
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestHold_DisjointSeatsDoNotBlock(t *testing.T) {
	eng, ledger, _ := newEngine(t)
	show, seats := ledger.AddShow("Inception", "A", 2)

	parked := make(chan struct{})
	release := make(chan struct{})
	ledger.AfterFetch = func(locked []uuid.UUID) {
		if locked[0] == seats[0].ID {
			close(parked)
			<-release
		}
	}

	first := make(chan error, 1)
	go func() {
		_, err := eng.Hold(context.Background(), show.ID, ids(seats[0]), "alice")
		first <- err
	}()
	<-parked

	second := make(chan error, 1)
	go func() {
		_, err := eng.Hold(context.Background(), show.ID, ids(seats[1]), "bob")
		second <- err
	}()

	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("hold on a disjoint seat waited for another transaction's lock")
	}
	close(release)
	require.NoError(t, <-first)

	assert.Equal(t, "alice", *ledger.Seat(seats[0].ID).Holder)
	assert.Equal(t, "bob", *ledger.Seat(seats[1].ID).Holder)
}

func TestHold_OverlappingStressDoesNotDeadlock(t *testing.T) {
	eng, ledger, _ := newEngine(t)
	show, seats := ledger.AddShow("Inception", "A", 12)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every request overlaps its neighbours and lists seats in a
			// different order.
			a, b, c := seats[i%12], seats[(i+5)%12], seats[(i+7)%12]
			req := []uuid.UUID{c.ID, a.ID, b.ID}
			if i%2 == 0 {
				req = []uuid.UUID{b.ID, c.ID, a.ID}
			}
			_, err := eng.Hold(context.Background(), show.ID, req, fmt.Sprintf("user-%d", i))
			if err != nil && !errors.Is(err, domain.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent holds did not finish; lock ordering is broken")
	}
}

func TestEngine_LogsOutcome(t *testing.T) {
	ledger := testutil.NewMemLedger()
	log, hook := logtest.NewNullLogger()
	eng := reservation.NewEngine(ledger, clock.NewManual(start), reservation.WithLogger(observability.NewLogrusLogger(log)))
	show, seats := ledger.AddShow("Inception", "A", 1)

	_, err := eng.Hold(context.Background(), show.ID, ids(seats[0]), "alice")
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "seats held", entry.Message)
	assert.Equal(t, "alice", entry.Data["holder"])
}
