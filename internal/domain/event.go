package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventSeatsHeld        = "seats.held"
	EventBookingConfirmed = "booking.confirmed"
	EventSeatsReleased    = "seats.released"
)

// Event is a state change recorded in the outbox in the same transaction
// that produced it.
type Event struct {
	ID          uuid.UUID
	Type        string
	AggregateID uuid.UUID
	Payload     []byte
	OccurredAt  time.Time
}

type SeatsHeldPayload struct {
	ShowID    uuid.UUID   `json:"show_id"`
	HolderID  string      `json:"holder_id"`
	SeatIDs   []uuid.UUID `json:"seat_ids"`
	ExpiresAt time.Time   `json:"expires_at"`
}

type BookingConfirmedPayload struct {
	BookingID   uuid.UUID   `json:"booking_id"`
	ShowID      uuid.UUID   `json:"show_id"`
	HolderID    string      `json:"holder_id"`
	SeatIDs     []uuid.UUID `json:"seat_ids"`
	ConfirmedAt time.Time   `json:"confirmed_at"`
}

type SeatsReleasedPayload struct {
	ShowID  uuid.UUID   `json:"show_id"`
	SeatIDs []uuid.UUID `json:"seat_ids"`
}

func NewEvent(eventType string, aggregateID uuid.UUID, payload any, now time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:          uuid.New(),
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     data,
		OccurredAt:  now,
	}, nil
}
