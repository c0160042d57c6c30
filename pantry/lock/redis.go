// pantry/lock/redis.go
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker with Redis SET NX, for installs where more
// than one host may run the manager against a shared configuration tree.
type RedisLocker struct {
	client  *redis.Client
	prefix  string
	ownerID string
	mu      sync.Mutex
	held    map[string]bool
}

// ConnectRedis opens a Redis connection from a URL and pings it.
//
// URL formats:
//
//	redis://localhost:6379
//	redis://:password@localhost:6379/0
//	rediss://localhost:6379 (TLS)
func ConnectRedis(ctx context.Context, url string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lock: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("lock: redis ping: %w", err)
	}
	return client, nil
}

// NewRedisLocker creates a Redis based locker. Prefix defaults to "sslm-lock:".
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "sslm-lock:"
	}
	return &RedisLocker{
		client:  client,
		prefix:  prefix,
		ownerID: generateOwnerID(),
		held:    make(map[string]bool),
	}
}

func generateOwnerID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Acquire attempts to acquire a lock.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, l.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: failed to acquire lock: %w", err)
	}
	if ok {
		l.mu.Lock()
		l.held[key] = true
		l.mu.Unlock()
	}
	return ok, nil
}

// releaseScript deletes the key only when we own it.
const releaseScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// Release releases a lock.
func (l *RedisLocker) Release(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Eval(ctx, releaseScript, []string{l.prefix + key}, l.ownerID).Int64()
	if err != nil {
		return false, fmt.Errorf("lock: failed to release lock: %w", err)
	}

	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()

	return n == 1, nil
}

// IsHeld returns true if we currently hold the lock.
func (l *RedisLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	value, err := l.client.Get(ctx, l.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock: get: %w", err)
	}
	return value == l.ownerID, nil
}
