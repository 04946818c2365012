package campaign

import (
	"context"
	"time"

	"voice-campaigns/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is an optional cross-process gate taken before the database chunk
// lease. The database lease stays authoritative; the lock only keeps
// contending invocations off the database.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// RedisLocker implements Locker with SET NX PX and an owner-checked release.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: "campaign:chunk:"}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	full := l.prefix + key
	token := uuid.NewString()
	ok, err := utils.AcquireLease(ctx, l.rdb, full, token, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return func(ctx context.Context) error {
		_, err := utils.ReleaseLease(ctx, l.rdb, full, token)
		return err
	}, true, nil
}
