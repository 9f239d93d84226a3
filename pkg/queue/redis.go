package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyvo/appbuilder/pkg/builder"
)

const defaultPendingKey = "appbuilder:pending"

// RedisSlot keeps the pending request in a Redis list that never holds more
// than one element.
type RedisSlot struct {
	redis   *redis.Client
	key     string
	timeout time.Duration
}

func NewRedisSlot(redisURL string) (*RedisSlot, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisSlotFromClient(client, defaultPendingKey), nil
}

// NewRedisSlotFromClient wraps an existing client. key defaults to
// "appbuilder:pending".
func NewRedisSlotFromClient(client *redis.Client, key string) *RedisSlot {
	if key == "" {
		key = defaultPendingKey
	}
	return &RedisSlot{redis: client, key: key, timeout: 5 * time.Second}
}

func (s *RedisSlot) Put(ctx context.Context, req builder.BuildRequest) (bool, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return false, err
	}

	var del *redis.IntCmd
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key)
		pipe.RPush(ctx, s.key, data)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store pending request: %w", err)
	}
	return del.Val() > 0, nil
}

func (s *RedisSlot) Take(ctx context.Context) (builder.BuildRequest, error) {
	for {
		// Blocking pop with timeout so a cancelled context is noticed.
		result, err := s.redis.BLPop(ctx, s.timeout, s.key).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return builder.BuildRequest{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return builder.BuildRequest{}, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return builder.BuildRequest{}, ErrClosed
			}
			return builder.BuildRequest{}, err
		}

		var req builder.BuildRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			return builder.BuildRequest{}, fmt.Errorf("decode pending request: %w", err)
		}
		return req, nil
	}
}

// Pending reports whether a request is waiting.
func (s *RedisSlot) Pending(ctx context.Context) (bool, error) {
	n, err := s.redis.LLen(ctx, s.key).Result()
	return n > 0, err
}

func (s *RedisSlot) Close() error {
	return s.redis.Close()
}
