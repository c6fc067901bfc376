package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	key := "sess-" + uuid.NewString() + ":key-1"

	done, err := s.Reserve(ctx, key)
	require.NoError(t, err)
	require.False(t, done)

	_, err = s.Reserve(ctx, key)
	require.ErrorIs(t, err, ErrInProgress)

	require.NoError(t, s.MarkSuccess(ctx, key))
	done, err = s.Reserve(ctx, key)
	require.NoError(t, err)
	require.True(t, done)

	other := "sess-" + uuid.NewString() + ":key-2"
	_, err = s.Reserve(ctx, other)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailure(ctx, other))

	// a failed request can be retried with the same key
	done, err = s.Reserve(ctx, other)
	require.NoError(t, err)
	require.False(t, done)
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory(time.Minute))
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := m.Reserve(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, m.MarkSuccess(ctx, "k"))

	now = now.Add(2 * time.Minute)
	done, err := m.Reserve(ctx, "k")
	require.NoError(t, err)
	require.False(t, done)
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory(0).Reserve(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())

	exerciseStore(t, NewRedis(client, time.Minute))
}
