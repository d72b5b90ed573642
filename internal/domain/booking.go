package domain

import (
	"time"

	"github.com/google/uuid"
)

// Booking is the permanent record created by a successful confirm. Seats are
// linked to it from the seat side only; Seats is filled in by callers that
// read it back and is never persisted.
type Booking struct {
	ID          uuid.UUID  `json:"id"`
	ShowID      uuid.UUID  `json:"show_id"`
	HolderID    string     `json:"holder_id"`
	ConfirmedAt time.Time  `json:"confirmed_at"`
	Seats       []SeatView `json:"seats,omitempty"`
}

func NewBooking(showID uuid.UUID, holderID string, now time.Time) Booking {
	return Booking{
		ID:          uuid.New(),
		ShowID:      showID,
		HolderID:    holderID,
		ConfirmedAt: now,
	}
}
