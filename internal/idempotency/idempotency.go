package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/show-seat-reservations/internal/adapters/redis"
)

const (
	DefaultTTL = time.Hour
	// inFlightTTL bounds how long a crashed request keeps its key busy.
	inFlightTTL = 30 * time.Second
)

// Store replays the first response recorded under an Idempotency-Key.
// Begin and Finish bracket the request that produces it, so a second request
// with the same key is turned away while the first is still running.
type Store interface {
	Get(ctx context.Context, key string) (*Response, error)
	Set(ctx context.Context, key string, resp Response) error
	Begin(ctx context.Context, key string) (bool, error)
	Finish(ctx context.Context, key string) error
}

type Idempotency struct {
	redis *redisadapter.Idempotency
	ttl   time.Duration
}

func NewIdempotency(redis *redisadapter.Idempotency, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Idempotency{redis: redis, ttl: ttl}
}

type Response struct {
	Status int
	Result []byte
}

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	stored, err := i.redis.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "idempotency lookup")
	}
	if stored == nil {
		return nil, nil
	}
	return &Response{Status: stored.Status, Result: stored.Result}, nil
}

// Set records resp for key. A response already recorded by a concurrent
// request with the same key wins and is left untouched.
func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	_, err := i.redis.Set(ctx, key, redisadapter.IdempResponse{Status: resp.Status, Result: resp.Result}, i.ttl)
	if err != nil {
		return errors.Wrap(err, "idempotency store")
	}
	return nil
}

// Begin claims key for the calling request. It reports false when another
// request with the same key is in flight.
func (i *Idempotency) Begin(ctx context.Context, key string) (bool, error) {
	ok, err := i.redis.Lock(ctx, key, inFlightTTL)
	if err != nil {
		return false, errors.Wrap(err, "idempotency begin")
	}
	return ok, nil
}

func (i *Idempotency) Finish(ctx context.Context, key string) error {
	if err := i.redis.Unlock(ctx, key); err != nil {
		return errors.Wrap(err, "idempotency finish")
	}
	return nil
}
