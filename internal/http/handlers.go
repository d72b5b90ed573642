package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
	"github.com/robertarktes/show-seat-reservations/internal/reservation"
)

// Reserver is the write side: hold and confirm.
type Reserver interface {
	Hold(ctx context.Context, showID uuid.UUID, seatIDs []uuid.UUID, holderID string) (reservation.HoldResult, error)
	Confirm(ctx context.Context, showID uuid.UUID, holderID string) (domain.Booking, error)
}

type Queries interface {
	ListShows(ctx context.Context) ([]domain.Show, error)
	ListAvailability(ctx context.Context, showID uuid.UUID) ([]domain.SeatView, error)
	GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error)
	Invalidate(ctx context.Context, showID uuid.UUID)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	engine  Reserver
	queries Queries
	db      Pinger
}

func NewHandlers(engine Reserver, queries Queries, db Pinger) *Handlers {
	return &Handlers{engine: engine, queries: queries, db: db}
}

type holdRequest struct {
	SeatIDs  []string `json:"seat_ids"`
	HolderID string   `json:"holder_id"`
}

type holdResponse struct {
	Message   string      `json:"message"`
	ExpiresAt time.Time   `json:"expires_at"`
	SeatIDs   []uuid.UUID `json:"seat_ids"`
}

type confirmRequest struct {
	HolderID string `json:"holder_id"`
}

func (h *Handlers) ListShows(w http.ResponseWriter, r *http.Request) {
	shows, err := h.queries.ListShows(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shows)
}

func (h *Handlers) Availability(w http.ResponseWriter, r *http.Request) {
	showID, err := pathUUID(r, "showID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	seats, err := h.queries.ListAvailability(r.Context(), showID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seats)
}

func (h *Handlers) Hold(w http.ResponseWriter, r *http.Request) {
	showID, err := pathUUID(r, "showID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req holdRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	seatIDs, err := parseHold(req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.engine.Hold(r.Context(), showID, seatIDs, strings.TrimSpace(req.HolderID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.queries.Invalidate(r.Context(), showID)

	writeJSON(w, http.StatusOK, holdResponse{
		Message:   res.Message,
		ExpiresAt: res.ExpiresAt,
		SeatIDs:   res.SeatIDs,
	})
}

func (h *Handlers) Confirm(w http.ResponseWriter, r *http.Request) {
	showID, err := pathUUID(r, "showID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req confirmRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	holder := strings.TrimSpace(req.HolderID)
	if holder == "" {
		writeError(w, r, errors.Wrap(domain.ErrInvalidInput, "holder_id is required"))
		return
	}

	booking, err := h.engine.Confirm(r.Context(), showID, holder)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.queries.Invalidate(r.Context(), showID)

	w.Header().Set("Location", "/v1/bookings/"+booking.ID.String())
	writeJSON(w, http.StatusCreated, booking)
}

func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "bookingID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	booking, err := h.queries.GetBooking(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		LoggerFrom(r.Context()).WithError(err).Warn("readiness check failed")
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func parseHold(req holdRequest) ([]uuid.UUID, error) {
	if len(req.SeatIDs) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "seat_ids must not be empty")
	}
	if strings.TrimSpace(req.HolderID) == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "holder_id is required")
	}
	ids := make([]uuid.UUID, 0, len(req.SeatIDs))
	seen := make(map[uuid.UUID]struct{}, len(req.SeatIDs))
	for _, raw := range req.SeatIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "seat id %q is not a uuid", raw)
		}
		if _, dup := seen[id]; dup {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "seat %s listed twice", id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func pathUUID(r *http.Request, param string) (uuid.UUID, error) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Wrapf(domain.ErrInvalidInput, "%s %q is not a uuid", param, raw)
	}
	return id, nil
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(domain.ErrInvalidInput, "malformed request body: %v", err)
	}
	return nil
}
