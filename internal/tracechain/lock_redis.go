package tracechain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock key only if it still holds our token, so an
// expired lock re-acquired by another replica is never released by us.
// KEYS[1] = lock key, ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every replica pointed at the same Redis.
// Each lock is a SET NX key with a TTL so a crashed holder cannot wedge a batch.
type RedisLocker struct {
	client    redis.UniversalClient
	ttl       time.Duration
	retry     time.Duration
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed holder
// can keep a batch locked; it must exceed the longest expected append.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		client:    client,
		ttl:       ttl,
		retry:     25 * time.Millisecond,
		keyPrefix: "tracechain:lock:",
		logger:    logger,
	}
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, batchID string) (func(), error) {
	key := l.keyPrefix + batchID
	token, err := newLockToken()
	if err != nil {
		return nil, err
	}

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(l.retry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return func() {
		// Release must run even if the request context was cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("release redis batch lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func newLockToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
