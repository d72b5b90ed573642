package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
)

// CreateShow inserts a show and its seats in one transaction.
func (r *Repository) CreateShow(ctx context.Context, title string, startTime time.Time, seats []domain.SeatSpec) (domain.Show, error) {
	show := domain.Show{
		ID:         uuid.New(),
		Title:      title,
		StartTime:  startTime.UTC(),
		TotalSeats: len(seats),
	}

	err := r.WithTx(ctx, func(txCtx context.Context) error {
		tx, err := mustTx(txCtx, "CreateShow")
		if err != nil {
			return err
		}
		if _, err := tx.Exec(txCtx, `
			INSERT INTO shows (id, title, start_time, total_seats)
			VALUES ($1, $2, $3, $4)
		`, show.ID, show.Title, show.StartTime, show.TotalSeats); err != nil {
			return err
		}

		if len(seats) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, spec := range seats {
			batch.Queue(`
				INSERT INTO seats (id, show_id, row_label, seat_number)
				VALUES ($1, $2, $3, $4)
			`, uuid.New(), show.ID, spec.Row, spec.Number)
		}
		if err := tx.SendBatch(txCtx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return errors.Wrap(domain.ErrInvalidInput, "duplicate seat in show layout")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Show{}, err
	}
	return show, nil
}

func (r *Repository) CountShows(ctx context.Context) (int, error) {
	var n int
	err := r.db(ctx).QueryRow(ctx, `SELECT count(*) FROM shows`).Scan(&n)
	return n, err
}

func (r *Repository) ListShows(ctx context.Context) ([]domain.Show, error) {
	rows, err := r.db(ctx).Query(ctx, `
		SELECT id, title, start_time, total_seats
		FROM shows ORDER BY start_time, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shows []domain.Show
	for rows.Next() {
		var s domain.Show
		if err := rows.Scan(&s.ID, &s.Title, &s.StartTime, &s.TotalSeats); err != nil {
			return nil, err
		}
		shows = append(shows, s)
	}
	return shows, rows.Err()
}

// ListSeats returns every seat of the show ordered by row, then number.
func (r *Repository) ListSeats(ctx context.Context, showID uuid.UUID) ([]domain.Seat, error) {
	exists, err := r.ShowExists(ctx, showID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrapf(domain.ErrNotFound, "show %s", showID)
	}

	rows, err := r.db(ctx).Query(ctx, `
		SELECT `+seatColumns+`
		FROM seats WHERE show_id = $1
		ORDER BY row_label, seat_number
	`, showID)
	if err != nil {
		return nil, err
	}
	return scanSeats(rows)
}

func (r *Repository) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	var b domain.Booking
	err := r.db(ctx).QueryRow(ctx, `
		SELECT id, show_id, holder_id, confirmed_at
		FROM bookings WHERE id = $1
	`, id).Scan(&b.ID, &b.ShowID, &b.HolderID, &b.ConfirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Booking{}, errors.Wrapf(domain.ErrNotFound, "booking %s", id)
	}
	if err != nil {
		return domain.Booking{}, err
	}
	return b, nil
}

// SeatsByBooking follows the seat to booking link backwards.
func (r *Repository) SeatsByBooking(ctx context.Context, bookingID uuid.UUID) ([]domain.Seat, error) {
	rows, err := r.db(ctx).Query(ctx, `
		SELECT `+seatColumns+`
		FROM seats WHERE booking_id = $1
		ORDER BY row_label, seat_number
	`, bookingID)
	if err != nil {
		return nil, err
	}
	return scanSeats(rows)
}
