package query

import (
	"context"

	"github.com/google/uuid"
	"github.com/robertarktes/show-seat-reservations/internal/clock"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
)

// Reader is the read-only, unlocked side of the seat ledger.
type Reader interface {
	ListShows(ctx context.Context) ([]domain.Show, error)
	ListSeats(ctx context.Context, showID uuid.UUID) ([]domain.Seat, error)
	GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error)
	SeatsByBooking(ctx context.Context, bookingID uuid.UUID) ([]domain.Seat, error)
}

// SeatCache holds raw seat rows per show for a short time. Every
// invalidation starts a new generation; SetSeats under an older generation
// than the current one leaves nothing a later GetSeats would return.
type SeatCache interface {
	GetSeats(ctx context.Context, showID uuid.UUID) (seats []domain.Seat, gen int64, ok bool, err error)
	SetSeats(ctx context.Context, showID uuid.UUID, gen int64, seats []domain.Seat) error
	InvalidateAvailability(ctx context.Context, showID uuid.UUID) error
}

// Service answers availability and booking lookups. Status is always derived
// from the rows at read time, whether they came from the cache or the ledger.
type Service struct {
	reader Reader
	cache  SeatCache
	clock  clock.Clock
	logger observability.Logger
}

// NewService builds the read side. cache may be nil.
func NewService(reader Reader, cache SeatCache, clk clock.Clock, logger observability.Logger) *Service {
	return &Service{reader: reader, cache: cache, clock: clk, logger: logger}
}

func (s *Service) ListShows(ctx context.Context) ([]domain.Show, error) {
	shows, err := s.reader.ListShows(ctx)
	if err != nil {
		return nil, err
	}
	if shows == nil {
		shows = []domain.Show{}
	}
	return shows, nil
}

// ListAvailability returns every seat of the show, ordered by row then
// number, with its status at the current instant.
func (s *Service) ListAvailability(ctx context.Context, showID uuid.UUID) ([]domain.SeatView, error) {
	seats, err := s.seats(ctx, showID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	views := make([]domain.SeatView, 0, len(seats))
	for _, seat := range seats {
		views = append(views, domain.NewSeatView(seat, now))
	}
	return views, nil
}

// GetBooking returns the booking with the seats that link to it.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	booking, err := s.reader.GetBooking(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	seats, err := s.reader.SeatsByBooking(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	now := s.clock.Now()
	booking.Seats = make([]domain.SeatView, 0, len(seats))
	for _, seat := range seats {
		booking.Seats = append(booking.Seats, domain.NewSeatView(seat, now))
	}
	return booking, nil
}

// Invalidate drops cached availability after the show's seats changed. A
// cache failure is logged; the entry expires on its own.
func (s *Service) Invalidate(ctx context.Context, showID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateAvailability(ctx, showID); err != nil {
		s.logger.WithField("show_id", showID).WithError(err).Warn("failed to invalidate availability cache")
	}
}

func (s *Service) seats(ctx context.Context, showID uuid.UUID) ([]domain.Seat, error) {
	var (
		gen       int64
		cacheable bool
	)
	if s.cache != nil {
		seats, g, ok, err := s.cache.GetSeats(ctx, showID)
		switch {
		case err != nil:
			s.logger.WithField("show_id", showID).WithError(err).Warn("availability cache read failed")
		case ok:
			return seats, nil
		default:
			gen, cacheable = g, true
		}
	}

	seats, err := s.reader.ListSeats(ctx, showID)
	if err != nil {
		return nil, err
	}
	if cacheable {
		if err := s.cache.SetSeats(ctx, showID, gen, seats); err != nil {
			s.logger.WithField("show_id", showID).WithError(err).Warn("availability cache write failed")
		}
	}
	return seats, nil
}
