package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisSlot(t *testing.T) *RedisSlot {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisSlotFromClient(client, "test:pending")
	s.timeout = 100 * time.Millisecond
	return s
}

func TestRedisSlotKeepsOnlyLatest(t *testing.T) {
	s := newTestRedisSlot(t)
	ctx := context.Background()

	superseded, err := s.Put(ctx, req("a"))
	require.NoError(t, err)
	require.False(t, superseded)

	superseded, err = s.Put(ctx, req("b"))
	require.NoError(t, err)
	require.True(t, superseded)

	n, err := s.redis.LLen(ctx, "test:pending").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := s.Take(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", got.Branch)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.False(t, pending)
}

func TestRedisSlotTakeHonoursContext(t *testing.T) {
	s := newTestRedisSlot(t)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := s.Take(ctx)
	require.Error(t, err)
	require.Error(t, ctx.Err())
}

func TestRedisSlotWithCoordinator(t *testing.T) {
	c := NewCoordinator(newTestRedisSlot(t))
	ctx := context.Background()

	require.NoError(t, c.Enqueue(ctx, req("one")))
	require.NoError(t, c.Enqueue(ctx, req("two")))

	got, err := c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "two", got.Branch)
}
