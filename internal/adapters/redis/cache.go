package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
)

const DefaultAvailabilityTTL = 2 * time.Second

// Cache keeps short-lived copies of a show's seat rows. It stores the raw
// rows, never a derived status, so a cached entry read after a hold lapsed
// still reports the seat as available.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultAvailabilityTTL
	}
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func availabilityKey(showID uuid.UUID) string {
	return "avail:" + showID.String()
}

func generationKey(showID uuid.UUID) string {
	return "avail:gen:" + showID.String()
}

// generationTTL outlives any cached entry by far; a generation that expires
// restarts at zero, which only turns live entries into misses.
const generationTTL = 24 * time.Hour

type cachedSeat struct {
	ID         uuid.UUID  `json:"id"`
	Row        string     `json:"row"`
	Number     int        `json:"number"`
	Holder     *string    `json:"holder,omitempty"`
	HoldExpiry *time.Time `json:"hold_expiry,omitempty"`
	BookingID  *uuid.UUID `json:"booking_id,omitempty"`
	Version    int64      `json:"version"`
}

type cachedAvailability struct {
	Generation int64        `json:"gen"`
	Seats      []cachedSeat `json:"seats"`
}

// GetSeats returns the cached seat rows of the show together with the
// show's current cache generation. An entry written under an older
// generation is a miss. On a miss, pass gen to SetSeats after reading the
// ledger so that an invalidation in between wins.
func (c *Cache) GetSeats(ctx context.Context, showID uuid.UUID) (seats []domain.Seat, gen int64, ok bool, err error) {
	vals, err := c.client.MGet(ctx, availabilityKey(showID), generationKey(showID)).Result()
	if err != nil {
		return nil, 0, false, err
	}
	if raw, isStr := vals[1].(string); isStr {
		if gen, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, 0, false, errors.Wrapf(err, "parse cache generation for show %s", showID)
		}
	}
	raw, isStr := vals[0].(string)
	if !isStr {
		return nil, gen, false, nil
	}

	var cached cachedAvailability
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return nil, gen, false, errors.Wrapf(err, "decode cached availability for show %s", showID)
	}
	if cached.Generation != gen {
		return nil, gen, false, nil
	}
	seats = make([]domain.Seat, 0, len(cached.Seats))
	for _, s := range cached.Seats {
		seats = append(seats, domain.Seat{
			ID:         s.ID,
			ShowID:     showID,
			Row:        s.Row,
			Number:     s.Number,
			Holder:     s.Holder,
			HoldExpiry: s.HoldExpiry,
			BookingID:  s.BookingID,
			Version:    s.Version,
		})
	}
	return seats, gen, true, nil
}

// SetSeats caches the rows read from the ledger under gen, the generation
// GetSeats reported before the read.
func (c *Cache) SetSeats(ctx context.Context, showID uuid.UUID, gen int64, seats []domain.Seat) error {
	cached := cachedAvailability{Generation: gen, Seats: make([]cachedSeat, 0, len(seats))}
	for _, s := range seats {
		cached.Seats = append(cached.Seats, cachedSeat{
			ID:         s.ID,
			Row:        s.Row,
			Number:     s.Number,
			Holder:     s.Holder,
			HoldExpiry: s.HoldExpiry,
			BookingID:  s.BookingID,
			Version:    s.Version,
		})
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, availabilityKey(showID), data, c.ttl).Err()
}

// InvalidateAvailability bumps the show's generation, which also voids any
// entry a concurrent reader is about to write, and drops the current entry.
func (c *Cache) InvalidateAvailability(ctx context.Context, showID uuid.UUID) error {
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(showID))
		pipe.Expire(ctx, generationKey(showID), generationTTL)
		pipe.Del(ctx, availabilityKey(showID))
		return nil
	})
	return err
}
