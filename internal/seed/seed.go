package seed

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
)

const (
	DemoTitle = "Inception"
	DemoRow   = "A"
	DemoSeats = 10
	demoLead  = 2 * time.Hour
)

type ShowCreator interface {
	CountShows(ctx context.Context) (int, error)
	CreateShow(ctx context.Context, title string, startTime time.Time, seats []domain.SeatSpec) (domain.Show, error)
}

// Demo creates a single show with seats A1..A10 starting two hours from now,
// but only into an empty ledger. It reports whether a show was created.
func Demo(ctx context.Context, store ShowCreator, now time.Time, logger observability.Logger) (bool, error) {
	n, err := store.CountShows(ctx)
	if err != nil {
		return false, errors.Wrap(err, "count shows")
	}
	if n > 0 {
		return false, nil
	}

	specs := make([]domain.SeatSpec, 0, DemoSeats)
	for i := 1; i <= DemoSeats; i++ {
		specs = append(specs, domain.SeatSpec{Row: DemoRow, Number: i})
	}
	show, err := store.CreateShow(ctx, DemoTitle, now.Add(demoLead), specs)
	if err != nil {
		return false, errors.Wrap(err, "create demo show")
	}
	logger.WithFields(map[string]interface{}{
		"show_id": show.ID,
		"seats":   show.TotalSeats,
	}).Info("demo show seeded")
	return true, nil
}
