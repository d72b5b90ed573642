package domain

import (
	"time"

	"github.com/google/uuid"
)

type Show struct {
	ID         uuid.UUID `json:"id"`
	Title      string    `json:"title"`
	StartTime  time.Time `json:"start_time"`
	TotalSeats int       `json:"total_seats"`
}

// SeatSpec describes a seat to create together with its show.
type SeatSpec struct {
	Row    string
	Number int
}
