package domain

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type SeatStatus string

const (
	SeatAvailable SeatStatus = "AVAILABLE"
	SeatHeld      SeatStatus = "HELD"
	SeatBooked    SeatStatus = "BOOKED"
)

// Seat is a row of the seat ledger. Holder, HoldExpiry and BookingID are the
// mutable reservation fields; Version is bumped by the ledger on every write.
type Seat struct {
	ID         uuid.UUID
	ShowID     uuid.UUID
	Row        string
	Number     int
	Holder     *string
	HoldExpiry *time.Time
	BookingID  *uuid.UUID
	Version    int64
}

// StatusAt derives the seat status at the given instant. A booked seat is
// never reported as held.
func (s Seat) StatusAt(now time.Time) SeatStatus {
	if s.BookingID != nil {
		return SeatBooked
	}
	if s.HoldExpiry != nil && s.HoldExpiry.After(now) {
		return SeatHeld
	}
	return SeatAvailable
}

// HeldBy reports whether the seat carries an unlapsed hold for holder.
func (s Seat) HeldBy(holder string, now time.Time) bool {
	return s.StatusAt(now) == SeatHeld && s.Holder != nil && *s.Holder == holder
}

func (s Seat) Label() string {
	return fmt.Sprintf("%s%d", s.Row, s.Number)
}

// SortIDs orders seat ids ascending by their byte representation, the same
// order the datastore uses for uuid columns. Every multi-row lock is taken in
// this order.
func SortIDs(ids []uuid.UUID) []uuid.UUID {
	sorted := make([]uuid.UUID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	return sorted
}

// SeatView is the read-side projection returned by availability queries.
type SeatView struct {
	ID         uuid.UUID  `json:"id"`
	Row        string     `json:"row"`
	Number     int        `json:"number"`
	Status     SeatStatus `json:"status"`
	HoldExpiry *time.Time `json:"hold_expiry,omitempty"`
}

func NewSeatView(s Seat, now time.Time) SeatView {
	v := SeatView{ID: s.ID, Row: s.Row, Number: s.Number, Status: s.StatusAt(now)}
	if v.Status == SeatHeld {
		v.HoldExpiry = s.HoldExpiry
	}
	return v
}
