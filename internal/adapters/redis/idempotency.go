package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

type IdempResponse struct {
	Status int    `json:"status"`
	Result []byte `json:"result"`
}

func idempKey(key string) string {
	return "idemp:" + key
}

func idempLockKey(key string) string {
	return "idemp:lock:" + key
}

// Get returns the stored response for key, or nil when there is none.
func (i *Idempotency) Get(ctx context.Context, key string) (*IdempResponse, error) {
	val, err := i.client.Get(ctx, idempKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp IdempResponse
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, errors.Wrapf(err, "decode idempotent response %q", key)
	}
	return &resp, nil
}

// Set stores resp unless a response for key already exists. It reports
// whether this call stored it.
func (i *Idempotency) Set(ctx context.Context, key string, resp IdempResponse, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return false, err
	}
	return i.client.SetNX(ctx, idempKey(key), data, ttl).Result()
}

// Lock marks key as being processed. It reports false when another request
// already holds the mark; the mark lapses after ttl if never unlocked.
func (i *Idempotency) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return i.client.SetNX(ctx, idempLockKey(key), "1", ttl).Result()
}

func (i *Idempotency) Unlock(ctx context.Context, key string) error {
	return i.client.Del(ctx, idempLockKey(key)).Err()
}
