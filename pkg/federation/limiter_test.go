package federation

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLimiter()
	now := time.Unix(0, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "n2", 3)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "n2", 3)
	assert.False(t, ok, "hourly budget spent")

	ok, _ = l.Allow(ctx, "n3", 3)
	assert.True(t, ok, "budgets are per node")

	now = now.Add(21 * time.Minute)
	ok, _ = l.Allow(ctx, "n2", 3)
	assert.True(t, ok, "a token refills every 20 minutes at 3/hour")

	ok, _ = l.Allow(ctx, "n4", 0)
	assert.False(t, ok)
}

// TestRedisLimiter_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisLimiter_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	l := NewRedisLimiter(client)
	l.prefix = "arbiter:test:limit:" + time.Now().Format("150405.000000") + ":"

	ok, err := l.Allow(ctx, "n2", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "n2", 2)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "n2", 2)
	assert.False(t, ok)
}
