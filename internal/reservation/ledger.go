package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
)

// Ledger is the seat store the engine coordinates through. Every method that
// receives a context returned by WithTx runs inside that transaction; row
// locks taken by LockAndFetch are held until the transaction ends.
type Ledger interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	ShowExists(ctx context.Context, showID uuid.UUID) (bool, error)
	// HeldSeatIDs is an unlocked snapshot of the seats holder has claimed on
	// the show and that are not booked yet.
	HeldSeatIDs(ctx context.Context, showID uuid.UUID, holder string) ([]uuid.UUID, error)

	// LockAndFetch takes exclusive row locks on the given seats of the show,
	// in the order given, blocking until they are available. Ids that do not
	// resolve are absent from the result.
	LockAndFetch(ctx context.Context, showID uuid.UUID, seatIDs []uuid.UUID) ([]domain.Seat, error)
	BatchUpdateHold(ctx context.Context, seats []domain.Seat, holder string, expiry time.Time) error
	CreateBooking(ctx context.Context, booking domain.Booking) error
	BatchConfirm(ctx context.Context, seats []domain.Seat, bookingID uuid.UUID) error

	AppendEvent(ctx context.Context, event domain.Event) error
}
