package reservation

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/show-seat-reservations/internal/clock"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultHoldTTL = 2 * time.Minute

// Engine implements hold and confirm on top of a Ledger. It keeps no state
// between calls; concurrent callers and other engine instances coordinate
// only through the ledger's row locks.
type Engine struct {
	ledger  Ledger
	clock   clock.Clock
	holdTTL time.Duration
	logger  observability.Logger
	tracer  trace.Tracer
}

type Option func(*Engine)

func WithHoldTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.holdTTL = d
		}
	}
}

func WithLogger(l observability.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(ledger Ledger, clk clock.Clock, opts ...Option) *Engine {
	e := &Engine{
		ledger:  ledger,
		clock:   clk,
		holdTTL: DefaultHoldTTL,
		logger:  observability.NewLogger(),
		tracer:  otel.Tracer("reservation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type HoldResult struct {
	Message   string
	ExpiresAt time.Time
	SeatIDs   []uuid.UUID
}

// Hold claims every seat in seatIDs for holderID or none of them. Seats
// already held by the same holder have their expiry refreshed.
func (e *Engine) Hold(ctx context.Context, showID uuid.UUID, seatIDs []uuid.UUID, holderID string) (res HoldResult, err error) {
	ctx, span := e.tracer.Start(ctx, "reservation.Hold", trace.WithAttributes(
		attribute.String("show.id", showID.String()),
		attribute.Int("seats.count", len(seatIDs)),
	))
	defer func() {
		finish(span, err)
		observability.HoldsTotal.WithLabelValues(outcome(err)).Inc()
	}()

	if err := validateHold(seatIDs, holderID); err != nil {
		return HoldResult{}, err
	}

	sorted := domain.SortIDs(seatIDs)
	var expiry time.Time

	err = e.ledger.WithTx(ctx, func(txCtx context.Context) error {
		seats, err := e.ledger.LockAndFetch(txCtx, showID, sorted)
		if err != nil {
			return err
		}
		if len(seats) != len(sorted) {
			return errors.Wrapf(domain.ErrNotFound, "%d of %d seats do not exist for show %s",
				len(sorted)-len(seats), len(sorted), showID)
		}

		now := e.clock.Now()
		for _, seat := range seats {
			if seat.BookingID != nil {
				return domain.NewSeatConflict(seat, "is already booked")
			}
			if seat.StatusAt(now) == domain.SeatHeld && !seat.HeldBy(holderID, now) {
				return domain.NewSeatConflict(seat, "is held by another user")
			}
		}

		expiry = now.Add(e.holdTTL)
		if err := e.ledger.BatchUpdateHold(txCtx, seats, holderID, expiry); err != nil {
			return err
		}

		ev, err := domain.NewEvent(domain.EventSeatsHeld, showID, domain.SeatsHeldPayload{
			ShowID:    showID,
			HolderID:  holderID,
			SeatIDs:   sorted,
			ExpiresAt: expiry,
		}, now)
		if err != nil {
			return err
		}
		return e.ledger.AppendEvent(txCtx, ev)
	})
	if err != nil {
		e.logger.WithFields(map[string]interface{}{
			"show_id": showID,
			"holder":  holderID,
			"seats":   len(seatIDs),
		}).WithError(err).Info("hold rejected")
		return HoldResult{}, wrapInternal(err, "hold seats")
	}

	e.logger.WithFields(map[string]interface{}{
		"show_id":    showID,
		"holder":     holderID,
		"seats":      len(sorted),
		"expires_at": expiry,
	}).Info("seats held")

	return HoldResult{
		Message:   "Seats held successfully.",
		ExpiresAt: expiry,
		SeatIDs:   sorted,
	}, nil
}

// Confirm turns every seat holderID currently holds on the show into one
// booking. It fails without side effects when any of those seats lapsed,
// changed hands or got booked after the snapshot was taken.
func (e *Engine) Confirm(ctx context.Context, showID uuid.UUID, holderID string) (booking domain.Booking, err error) {
	ctx, span := e.tracer.Start(ctx, "reservation.Confirm", trace.WithAttributes(
		attribute.String("show.id", showID.String()),
	))
	defer func() {
		finish(span, err)
		observability.ConfirmsTotal.WithLabelValues(outcome(err)).Inc()
	}()

	if strings.TrimSpace(holderID) == "" {
		return domain.Booking{}, errors.Wrap(domain.ErrInvalidInput, "holder id is required")
	}

	exists, err := e.ledger.ShowExists(ctx, showID)
	if err != nil {
		return domain.Booking{}, wrapInternal(err, "look up show")
	}
	if !exists {
		return domain.Booking{}, errors.Wrapf(domain.ErrNotFound, "show %s", showID)
	}

	snapshot, err := e.ledger.HeldSeatIDs(ctx, showID, holderID)
	if err != nil {
		return domain.Booking{}, wrapInternal(err, "list held seats")
	}
	if len(snapshot) == 0 {
		return domain.Booking{}, errors.Wrapf(domain.ErrConflict, "no held seats to confirm for %q", holderID)
	}
	sorted := domain.SortIDs(snapshot)

	err = e.ledger.WithTx(ctx, func(txCtx context.Context) error {
		seats, err := e.ledger.LockAndFetch(txCtx, showID, sorted)
		if err != nil {
			return err
		}
		if len(seats) != len(sorted) {
			return errors.Wrap(domain.ErrConflict, "held seats changed before they could be locked")
		}

		now := e.clock.Now()
		for _, seat := range seats {
			switch {
			case seat.BookingID != nil:
				return domain.NewSeatConflict(seat, "is already booked")
			case seat.Holder == nil || *seat.Holder != holderID:
				return domain.NewSeatConflict(seat, "is no longer held by this user")
			case seat.HoldExpiry == nil || !seat.HoldExpiry.After(now):
				return domain.NewSeatConflict(seat, "hold has expired")
			}
		}

		booking = domain.NewBooking(showID, holderID, now)
		if err := e.ledger.CreateBooking(txCtx, booking); err != nil {
			return err
		}
		if err := e.ledger.BatchConfirm(txCtx, seats, booking.ID); err != nil {
			return err
		}

		ev, err := domain.NewEvent(domain.EventBookingConfirmed, booking.ID, domain.BookingConfirmedPayload{
			BookingID:   booking.ID,
			ShowID:      showID,
			HolderID:    holderID,
			SeatIDs:     sorted,
			ConfirmedAt: now,
		}, now)
		if err != nil {
			return err
		}
		if err := e.ledger.AppendEvent(txCtx, ev); err != nil {
			return err
		}

		booking.Seats = make([]domain.SeatView, 0, len(seats))
		for _, seat := range seats {
			booking.Seats = append(booking.Seats, domain.SeatView{
				ID:     seat.ID,
				Row:    seat.Row,
				Number: seat.Number,
				Status: domain.SeatBooked,
			})
		}
		return nil
	})
	if err != nil {
		e.logger.WithFields(map[string]interface{}{
			"show_id": showID,
			"holder":  holderID,
		}).WithError(err).Info("confirm rejected")
		return domain.Booking{}, wrapInternal(err, "confirm booking")
	}

	e.logger.WithFields(map[string]interface{}{
		"show_id":    showID,
		"holder":     holderID,
		"booking_id": booking.ID,
		"seats":      len(booking.Seats),
	}).Info("booking confirmed")
	return booking, nil
}

func validateHold(seatIDs []uuid.UUID, holderID string) error {
	if len(seatIDs) == 0 {
		return errors.Wrap(domain.ErrInvalidInput, "at least one seat is required")
	}
	if strings.TrimSpace(holderID) == "" {
		return errors.Wrap(domain.ErrInvalidInput, "holder id is required")
	}
	seen := make(map[uuid.UUID]struct{}, len(seatIDs))
	for _, id := range seatIDs {
		if _, dup := seen[id]; dup {
			return errors.Wrapf(domain.ErrInvalidInput, "seat %s requested twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// wrapInternal leaves classified errors alone so callers can still match them,
// and adds context to everything else.
func wrapInternal(err error, msg string) error {
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidInput) {
		return err
	}
	return errors.Wrap(err, msg)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case domain.IsRetryable(err):
		return "retry"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
