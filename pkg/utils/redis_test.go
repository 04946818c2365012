package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, RedisConfig) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, RedisConfig{Addr: mr.Addr()}
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	_, err := OpenRedis(context.Background(), RedisConfig{})
	assert.Error(t, err)
}

func TestLease_ExclusiveUntilReleased(t *testing.T) {
	_, cfg := newTestRedis(t)
	ctx := context.Background()
	rdb, err := OpenRedis(ctx, cfg)
	require.NoError(t, err)
	defer rdb.Close()

	ok, err := AcquireLease(ctx, rdb, "lease:c1", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = AcquireLease(ctx, rdb, "lease:c1", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must be rejected")

	released, err := ReleaseLease(ctx, rdb, "lease:c1", "b")
	require.NoError(t, err)
	assert.False(t, released, "non-owner cannot release")

	released, err = ReleaseLease(ctx, rdb, "lease:c1", "a")
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = AcquireLease(ctx, rdb, "lease:c1", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLease_ExpiresAfterTTL(t *testing.T) {
	mr, cfg := newTestRedis(t)
	ctx := context.Background()
	rdb, err := OpenRedis(ctx, cfg)
	require.NoError(t, err)
	defer rdb.Close()

	ok, err := AcquireLease(ctx, rdb, "lease:c2", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = AcquireLease(ctx, rdb, "lease:c2", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease must be takeable")
}

func TestLease_ValidatesArguments(t *testing.T) {
	_, cfg := newTestRedis(t)
	ctx := context.Background()
	rdb, err := OpenRedis(ctx, cfg)
	require.NoError(t, err)
	defer rdb.Close()

	_, err = AcquireLease(ctx, rdb, "", "a", time.Second)
	assert.Error(t, err)
	_, err = AcquireLease(ctx, rdb, "k", "a", 0)
	assert.Error(t, err)
	_, err = AcquireLease(ctx, nil, "k", "a", time.Second)
	assert.Error(t, err)
}
