package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
)

const seatColumns = `id, show_id, row_label, seat_number, holder, hold_expiry, booking_id, version`

func (r *Repository) ShowExists(ctx context.Context, showID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM shows WHERE id = $1)`, showID).Scan(&exists)
	return exists, err
}

// HeldSeatIDs reads, without locking, the seats holder has claimed on the
// show that are not booked yet. Lapsed holds are included.
func (r *Repository) HeldSeatIDs(ctx context.Context, showID uuid.UUID, holder string) ([]uuid.UUID, error) {
	rows, err := r.db(ctx).Query(ctx, `
		SELECT id FROM seats
		WHERE show_id = $1 AND holder = $2 AND booking_id IS NULL
	`, showID, holder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LockAndFetch takes exclusive row locks on the given seats of the show, in
// id order, and returns the rows that exist. The locks are held until the
// surrounding transaction ends.
func (r *Repository) LockAndFetch(ctx context.Context, showID uuid.UUID, seatIDs []uuid.UUID) ([]domain.Seat, error) {
	tx, err := mustTx(ctx, "LockAndFetch")
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
		SELECT `+seatColumns+`
		FROM seats
		WHERE show_id = $1 AND id = ANY($2::UUID[])
		ORDER BY id
		FOR UPDATE
	`, showID, seatIDs)
	if err != nil {
		return nil, err
	}
	return scanSeats(rows)
}

func (r *Repository) BatchUpdateHold(ctx context.Context, seats []domain.Seat, holder string, expiry time.Time) error {
	tx, err := mustTx(ctx, "BatchUpdateHold")
	if err != nil {
		return err
	}
	ids, versions := stamps(seats)
	tag, err := tx.Exec(ctx, `
		UPDATE seats AS s
		SET holder = $1, hold_expiry = $2, version = s.version + 1
		FROM unnest($3::UUID[], $4::INT8[]) AS v(id, version)
		WHERE s.id = v.id AND s.version = v.version
	`, holder, expiry, ids, versions)
	if err != nil {
		return err
	}
	return checkVersions(tag.RowsAffected(), len(seats))
}

// BatchConfirm links the seats to the booking and clears their hold expiry.
// The holder is kept as a record of who booked the seat.
func (r *Repository) BatchConfirm(ctx context.Context, seats []domain.Seat, bookingID uuid.UUID) error {
	tx, err := mustTx(ctx, "BatchConfirm")
	if err != nil {
		return err
	}
	ids, versions := stamps(seats)
	tag, err := tx.Exec(ctx, `
		UPDATE seats AS s
		SET booking_id = $1, hold_expiry = NULL, version = s.version + 1
		FROM unnest($2::UUID[], $3::INT8[]) AS v(id, version)
		WHERE s.id = v.id AND s.version = v.version
	`, bookingID, ids, versions)
	if err != nil {
		return err
	}
	return checkVersions(tag.RowsAffected(), len(seats))
}

func (r *Repository) CreateBooking(ctx context.Context, booking domain.Booking) error {
	tx, err := mustTx(ctx, "CreateBooking")
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO bookings (id, show_id, holder_id, confirmed_at)
		VALUES ($1, $2, $3, $4)
	`, booking.ID, booking.ShowID, booking.HolderID, booking.ConfirmedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrConflict, "booking %s already exists", booking.ID)
	}
	return err
}

// SweepExpired releases every unbooked seat whose hold lapsed before now in
// one statement and returns the released rows.
func (r *Repository) SweepExpired(ctx context.Context, now time.Time) ([]domain.Seat, error) {
	rows, err := r.db(ctx).Query(ctx, `
		UPDATE seats
		SET holder = NULL, hold_expiry = NULL, version = version + 1
		WHERE hold_expiry IS NOT NULL AND hold_expiry < $1 AND booking_id IS NULL
		RETURNING `+seatColumns, now)
	if err != nil {
		return nil, err
	}
	return scanSeats(rows)
}

func scanSeats(rows pgx.Rows) ([]domain.Seat, error) {
	defer rows.Close()
	var seats []domain.Seat
	for rows.Next() {
		var s domain.Seat
		if err := rows.Scan(&s.ID, &s.ShowID, &s.Row, &s.Number, &s.Holder, &s.HoldExpiry, &s.BookingID, &s.Version); err != nil {
			return nil, err
		}
		seats = append(seats, s)
	}
	return seats, rows.Err()
}

func stamps(seats []domain.Seat) ([]uuid.UUID, []int64) {
	ids := make([]uuid.UUID, len(seats))
	versions := make([]int64, len(seats))
	for i, s := range seats {
		ids[i] = s.ID
		versions[i] = s.Version
	}
	return ids, versions
}

func checkVersions(affected int64, want int) error {
	if affected != int64(want) {
		return errors.Mark(
			errors.Wrapf(domain.ErrVersionMismatch, "%d of %d seats changed since they were read", int64(want)-affected, want),
			domain.ErrConflict,
		)
	}
	return nil
}
