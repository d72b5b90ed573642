package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/show-seat-reservations/internal/clock"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultInterval = 5 * time.Second

// Store is the part of the seat ledger the sweep needs.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	// SweepExpired clears holder and hold expiry of every unbooked seat whose
	// hold lapsed before now, in a single statement, and returns those seats.
	SweepExpired(ctx context.Context, now time.Time) ([]domain.Seat, error)
	AppendEvent(ctx context.Context, event domain.Event) error
}

// Invalidator drops cached availability for a show after seats change.
type Invalidator interface {
	InvalidateAvailability(ctx context.Context, showID uuid.UUID) error
}

type Sweeper struct {
	store       Store
	clock       clock.Clock
	logger      observability.Logger
	invalidator Invalidator
}

func New(store Store, clk clock.Clock, logger observability.Logger, invalidator Invalidator) *Sweeper {
	return &Sweeper{store: store, clock: clk, logger: logger, invalidator: invalidator}
}

// Run sweeps on every tick until ctx is cancelled. A failed cycle is logged
// and does not stop later ones.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.WithField("interval", interval.String()).Info("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				observability.SweepFailuresTotal.Inc()
				s.logger.WithError(err).Error("expiry sweep failed")
			}
		}
	}
}

// Sweep runs one cycle and returns the number of seats released.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("sweeper").Start(ctx, "sweeper.Sweep")
	defer span.End()

	now := s.clock.Now()
	byShow := make(map[uuid.UUID][]uuid.UUID)

	err := s.store.WithTx(ctx, func(txCtx context.Context) error {
		released, err := s.store.SweepExpired(txCtx, now)
		if err != nil {
			return err
		}
		clear(byShow)
		for _, seat := range released {
			byShow[seat.ShowID] = append(byShow[seat.ShowID], seat.ID)
		}
		for showID, seatIDs := range byShow {
			ev, err := domain.NewEvent(domain.EventSeatsReleased, showID, domain.SeatsReleasedPayload{
				ShowID:  showID,
				SeatIDs: domain.SortIDs(seatIDs),
			}, now)
			if err != nil {
				return err
			}
			if err := s.store.AppendEvent(txCtx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	count := 0
	for showID, seatIDs := range byShow {
		count += len(seatIDs)
		if s.invalidator == nil {
			continue
		}
		if err := s.invalidator.InvalidateAvailability(ctx, showID); err != nil {
			s.logger.WithField("show_id", showID).WithError(err).Warn("failed to invalidate availability cache")
		}
	}

	span.SetAttributes(attribute.Int("seats.released", count))
	if count > 0 {
		observability.SeatsReleasedTotal.Add(float64(count))
		s.logger.WithFields(map[string]interface{}{
			"released": count,
			"shows":    len(byShow),
		}).Info("released expired seat holds")
	}
	return count, nil
}
