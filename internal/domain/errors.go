package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	// ErrLockTimeout marks conflicts caused by lock waits, deadlock aborts or
	// serialization failures. They are always also ErrConflict and are safe
	// for the caller to retry.
	ErrLockTimeout     = errors.New("lock wait timeout")
	ErrVersionMismatch = errors.New("seat version mismatch")
)

// SeatConflictError names the seat that made an operation fail.
type SeatConflictError struct {
	SeatID uuid.UUID
	Seat   string
	Reason string
}

func (e *SeatConflictError) Error() string {
	return fmt.Sprintf("seat %s %s", e.Seat, e.Reason)
}

func (e *SeatConflictError) Unwrap() error { return ErrConflict }

func NewSeatConflict(s Seat, reason string) error {
	return &SeatConflictError{SeatID: s.ID, Seat: s.Label(), Reason: reason}
}

// Retryable wraps err so it reports both ErrLockTimeout and ErrConflict.
func Retryable(err error) error {
	return errors.Mark(errors.Mark(err, ErrLockTimeout), ErrConflict)
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
