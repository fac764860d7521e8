// Package lock provides short-lived mutual exclusion for background passes that
// must not overlap across replicas.
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

// ErrNotHeld is returned when releasing a lock whose token no longer matches.
var ErrNotHeld = errors.New("lock not held")

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out non-blocking locks keyed by name.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error)
}

// New returns a Redis-backed locker when client is non-nil and a process-local
// locker otherwise.
func New(client *redis.Client) Locker {
	if client == nil {
		return NewLocal()
	}
	return NewRedis(client)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a compare-and-delete release.
type RedisLocker struct {
	client *redis.Client
}

// NewRedis constructs a RedisLocker.
func NewRedis(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// TryAcquire attempts to take key for ttl. It never waits.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLock{client: l.client, key: key, token: token}, true, nil
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// LocalLocker implements Locker inside a single process. TTLs are honoured so a
// lost release does not wedge the key forever.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocal constructs a LocalLocker.
func NewLocal() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

// TryAcquire attempts to take key for ttl. It never waits.
func (l *LocalLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.held[key]; ok && now.Before(entry.expires) {
		return nil, false, nil
	}
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLock{owner: l, key: key, token: token}, true, nil
}

type localLock struct {
	owner *LocalLocker
	key   string
	token string
}

func (l *localLock) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()

	entry, ok := l.owner.held[l.key]
	if !ok || entry.token != l.token {
		return ErrNotHeld
	}
	delete(l.owner.held, l.key)
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
