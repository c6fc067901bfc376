package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "idempotency:checkout:"

type redisState struct {
	Status string `json:"status"`
}

// Redis is a Store shared by every checkout instance behind the same Redis.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) key(k string) string {
	return keyPrefix + k
}

func (r *Redis) Reserve(ctx context.Context, key string) (bool, error) {
	k := r.key(key)
	processing, _ := json.Marshal(redisState{Status: statusProcessing})

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		data, err := r.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			_, err := r.client.SetArgs(ctx, k, processing, redis.SetArgs{Mode: "NX", TTL: r.ttl}).Result()
			if errors.Is(err, redis.Nil) {
				// lost the race to another instance, look again
				continue
			}
			if err != nil {
				return false, fmt.Errorf("redis set: %w", err)
			}
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("redis get: %w", err)
		}

		var state redisState
		if err := json.Unmarshal(data, &state); err != nil {
			return false, fmt.Errorf("redis unmarshal: %w", err)
		}
		switch state.Status {
		case statusSuccess:
			return true, nil
		case statusProcessing:
			return false, ErrInProgress
		default:
			if err := r.client.Set(ctx, k, processing, r.ttl).Err(); err != nil {
				return false, fmt.Errorf("redis set: %w", err)
			}
			return false, nil
		}
	}
}

func (r *Redis) MarkSuccess(ctx context.Context, key string) error {
	raw, err := json.Marshal(redisState{Status: statusSuccess})
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(key), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) MarkFailure(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
