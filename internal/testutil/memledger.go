package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
)

// MemLedger is an in-memory seat ledger for unit tests. It mirrors the SQL
// ledger's semantics: per-row exclusive locks held until the transaction
// ends, writes buffered until commit, version stamps bumped on every write.
type MemLedger struct {
	mu       sync.Mutex
	shows    map[uuid.UUID]domain.Show
	seats    map[uuid.UUID]domain.Seat
	bookings map[uuid.UUID]domain.Booking
	events   []domain.Event
	rowLocks map[uuid.UUID]*sync.Mutex
	failures map[string]error
	lockLog  [][]uuid.UUID

	// BeforeLock, when set, runs after a transaction has taken its row locks
	// and before it reads the rows.
	BeforeLock func(seatIDs []uuid.UUID)
	// AfterFetch, when set, runs after LockAndFetch has read the rows.
	AfterFetch func(seatIDs []uuid.UUID)
}

type memTxKey struct{}

type memTx struct {
	locked   map[uuid.UUID]*sync.Mutex
	seats    map[uuid.UUID]domain.Seat
	bookings []domain.Booking
	events   []domain.Event
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		shows:    make(map[uuid.UUID]domain.Show),
		seats:    make(map[uuid.UUID]domain.Seat),
		bookings: make(map[uuid.UUID]domain.Booking),
		rowLocks: make(map[uuid.UUID]*sync.Mutex),
		failures: make(map[string]error),
	}
}

// AddShow creates a show with seats row+1..row+n and returns them in order.
func (l *MemLedger) AddShow(title, row string, n int) (domain.Show, []domain.Seat) {
	l.mu.Lock()
	defer l.mu.Unlock()

	show := domain.Show{ID: uuid.New(), Title: title, StartTime: time.Now().Add(2 * time.Hour).UTC(), TotalSeats: n}
	l.shows[show.ID] = show
	seats := make([]domain.Seat, 0, n)
	for i := 1; i <= n; i++ {
		seat := domain.Seat{ID: uuid.New(), ShowID: show.ID, Row: row, Number: i}
		l.seats[seat.ID] = seat
		seats = append(seats, seat)
	}
	return show, seats
}

func (l *MemLedger) CreateShow(_ context.Context, title string, startTime time.Time, specs []domain.SeatSpec) (domain.Show, error) {
	if err := l.failure("CreateShow"); err != nil {
		return domain.Show{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	show := domain.Show{ID: uuid.New(), Title: title, StartTime: startTime.UTC(), TotalSeats: len(specs)}
	l.shows[show.ID] = show
	for _, spec := range specs {
		seat := domain.Seat{ID: uuid.New(), ShowID: show.ID, Row: spec.Row, Number: spec.Number}
		l.seats[seat.ID] = seat
	}
	return show, nil
}

func (l *MemLedger) CountShows(_ context.Context) (int, error) {
	if err := l.failure("CountShows"); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.shows), nil
}

// FailOn makes the named ledger method return err until cleared with nil.
func (l *MemLedger) FailOn(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failures, method)
		return
	}
	l.failures[method] = err
}

func (l *MemLedger) Seat(id uuid.UUID) domain.Seat {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seats[id]
}

// PutSeat overwrites a committed seat row, bypassing locks and versions.
func (l *MemLedger) PutSeat(seat domain.Seat) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seats[seat.ID] = seat
}

func (l *MemLedger) Bookings() []domain.Booking {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Booking, 0, len(l.bookings))
	for _, b := range l.bookings {
		out = append(out, b)
	}
	return out
}

func (l *MemLedger) Events() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Event(nil), l.events...)
}

// LockLog returns the seat id sequences passed to LockAndFetch.
func (l *MemLedger) LockLog() [][]uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]uuid.UUID(nil), l.lockLog...)
}

func (l *MemLedger) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}
	if err := l.failure("WithTx"); err != nil {
		return err
	}

	tx := &memTx{locked: make(map[uuid.UUID]*sync.Mutex), seats: make(map[uuid.UUID]domain.Seat)}
	defer func() {
		for _, m := range tx.locked {
			m.Unlock()
		}
	}()

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, seat := range tx.seats {
		l.seats[id] = seat
	}
	for _, b := range tx.bookings {
		l.bookings[b.ID] = b
	}
	l.events = append(l.events, tx.events...)
	return nil
}

func (l *MemLedger) ShowExists(_ context.Context, showID uuid.UUID) (bool, error) {
	if err := l.failure("ShowExists"); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.shows[showID]
	return ok, nil
}

func (l *MemLedger) HeldSeatIDs(_ context.Context, showID uuid.UUID, holder string) ([]uuid.UUID, error) {
	if err := l.failure("HeldSeatIDs"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []uuid.UUID
	for _, s := range l.seats {
		if s.ShowID == showID && s.Holder != nil && *s.Holder == holder && s.BookingID == nil {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

func (l *MemLedger) LockAndFetch(ctx context.Context, showID uuid.UUID, seatIDs []uuid.UUID) ([]domain.Seat, error) {
	tx, err := l.tx(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.failure("LockAndFetch"); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.lockLog = append(l.lockLog, append([]uuid.UUID(nil), seatIDs...))
	l.mu.Unlock()

	for _, id := range seatIDs {
		l.lockRow(tx, id)
	}
	if l.BeforeLock != nil {
		l.BeforeLock(seatIDs)
	}

	l.mu.Lock()
	out := make([]domain.Seat, 0, len(seatIDs))
	for _, id := range seatIDs {
		seat, ok := tx.seats[id]
		if !ok {
			seat, ok = l.seats[id]
		}
		if ok && seat.ShowID == showID {
			out = append(out, seat)
		}
	}
	l.mu.Unlock()

	if l.AfterFetch != nil {
		l.AfterFetch(seatIDs)
	}
	return out, nil
}

func (l *MemLedger) BatchUpdateHold(ctx context.Context, seats []domain.Seat, holder string, expiry time.Time) error {
	return l.write(ctx, "BatchUpdateHold", seats, func(s *domain.Seat) {
		h := holder
		e := expiry
		s.Holder = &h
		s.HoldExpiry = &e
	})
}

func (l *MemLedger) BatchConfirm(ctx context.Context, seats []domain.Seat, bookingID uuid.UUID) error {
	return l.write(ctx, "BatchConfirm", seats, func(s *domain.Seat) {
		id := bookingID
		s.BookingID = &id
		s.HoldExpiry = nil
	})
}

func (l *MemLedger) CreateBooking(ctx context.Context, booking domain.Booking) error {
	tx, err := l.tx(ctx)
	if err != nil {
		return err
	}
	if err := l.failure("CreateBooking"); err != nil {
		return err
	}
	booking.Seats = nil
	tx.bookings = append(tx.bookings, booking)
	return nil
}

func (l *MemLedger) AppendEvent(ctx context.Context, event domain.Event) error {
	tx, err := l.tx(ctx)
	if err != nil {
		return err
	}
	if err := l.failure("AppendEvent"); err != nil {
		return err
	}
	tx.events = append(tx.events, event)
	return nil
}

// SweepExpired locks every candidate row in canonical order, like the
// row-level locks an UPDATE takes.
func (l *MemLedger) SweepExpired(ctx context.Context, now time.Time) ([]domain.Seat, error) {
	tx, err := l.tx(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.failure("SweepExpired"); err != nil {
		return nil, err
	}

	l.mu.Lock()
	ids := make([]uuid.UUID, 0, len(l.seats))
	for id := range l.seats {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	var released []domain.Seat
	for _, id := range domain.SortIDs(ids) {
		l.mu.Lock()
		candidate := l.seats[id]
		l.mu.Unlock()
		if !expired(candidate, now) {
			continue
		}

		l.lockRow(tx, id)
		l.mu.Lock()
		seat := l.seats[id]
		l.mu.Unlock()
		if !expired(seat, now) {
			continue
		}
		seat.Holder = nil
		seat.HoldExpiry = nil
		seat.Version++
		tx.seats[id] = seat
		released = append(released, seat)
	}
	return released, nil
}

func (l *MemLedger) ListShows(_ context.Context) ([]domain.Show, error) {
	if err := l.failure("ListShows"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Show, 0, len(l.shows))
	for _, s := range l.shows {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (l *MemLedger) ListSeats(_ context.Context, showID uuid.UUID) ([]domain.Seat, error) {
	if err := l.failure("ListSeats"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.shows[showID]; !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "show %s", showID)
	}
	var out []domain.Seat
	for _, s := range l.seats {
		if s.ShowID == showID {
			out = append(out, s)
		}
	}
	sortSeats(out)
	return out, nil
}

func (l *MemLedger) GetBooking(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bookings[id]
	if !ok {
		return domain.Booking{}, errors.Wrapf(domain.ErrNotFound, "booking %s", id)
	}
	return b, nil
}

func (l *MemLedger) SeatsByBooking(_ context.Context, bookingID uuid.UUID) ([]domain.Seat, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Seat
	for _, s := range l.seats {
		if s.BookingID != nil && *s.BookingID == bookingID {
			out = append(out, s)
		}
	}
	sortSeats(out)
	return out, nil
}

func (l *MemLedger) write(ctx context.Context, method string, seats []domain.Seat, apply func(*domain.Seat)) error {
	tx, err := l.tx(ctx)
	if err != nil {
		return err
	}
	if err := l.failure(method); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, in := range seats {
		if _, ok := tx.locked[in.ID]; !ok {
			return errors.Newf("%s: seat %s written without a row lock", method, in.ID)
		}
		current, ok := tx.seats[in.ID]
		if !ok {
			current = l.seats[in.ID]
		}
		if current.Version != in.Version {
			return errors.Mark(errors.Wrapf(domain.ErrVersionMismatch, "seat %s", in.ID), domain.ErrConflict)
		}
		apply(&current)
		current.Version++
		tx.seats[in.ID] = current
	}
	return nil
}

func (l *MemLedger) lockRow(tx *memTx, id uuid.UUID) {
	if _, held := tx.locked[id]; held {
		return
	}
	l.mu.Lock()
	m, ok := l.rowLocks[id]
	if !ok {
		m = &sync.Mutex{}
		l.rowLocks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	tx.locked[id] = m
}

func (l *MemLedger) tx(ctx context.Context) (*memTx, error) {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return nil, errors.New("memledger: no transaction in context")
	}
	return tx, nil
}

func (l *MemLedger) failure(method string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[method]
}

func expired(s domain.Seat, now time.Time) bool {
	return s.HoldExpiry != nil && s.HoldExpiry.Before(now) && s.BookingID == nil
}

func sortSeats(seats []domain.Seat) {
	sort.Slice(seats, func(i, j int) bool {
		if seats[i].Row != seats[j].Row {
			return seats[i].Row < seats[j].Row
		}
		return seats[i].Number < seats[j].Number
	})
}
