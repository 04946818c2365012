package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker_ExclusiveUntilUnlocked(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLocker(rdb)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "c-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("campaign:chunk:c-1"))

	_, ok, err = l.TryLock(ctx, "c-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = l.TryLock(ctx, "c-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "locks are per campaign")

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("campaign:chunk:c-1"))

	_, ok, err = l.TryLock(ctx, "c-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_ExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLocker(rdb)
	ctx := context.Background()

	stale, ok, err := l.TryLock(ctx, "c-1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = l.TryLock(ctx, "c-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale(ctx))
	assert.True(t, mr.Exists("campaign:chunk:c-1"), "stale unlock must not drop the new holder's lock")
}

func TestProcessNextChunk_WithRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := newHarness(t, WithLocker(NewRedisLocker(rdb)))
	c := h.started(t, "ws-1", 25, Settings{ConcurrencyLimit: 10})

	responses := h.drain(t, c.ID, 10)
	assert.Equal(t, StopCompleted, responses[len(responses)-1].StopReason)
	assert.Len(t, h.provider.Calls(), 25)
	assert.False(t, mr.Exists("campaign:chunk:"+c.ID))
}
