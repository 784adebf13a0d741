// Package lock keeps two sync runs of the same tenant from overlapping.
//
// RedisLocker coordinates across processes with SET NX and an owner-checked
// release. LocalLocker does the same inside one process and is used when no
// Redis address is configured.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by TryLock when another owner holds the key
var ErrLockHeld = errors.New("lock already held")

// DefaultTTL bounds how long a crashed owner can keep a tenant locked
const DefaultTTL = 30 * time.Minute

// Lease is a held lock
type Lease interface {
	Key() string
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker hands out leases
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// TenantKey returns the lock key of a tenant's sync
func TenantKey(tenantID string) string {
	return "budgetsync:lock:tenant:" + tenantID
}

const (
	releaseScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript  = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// RedisLocker acquires locks in Redis
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker creates a locker over a Redis client
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// TryLock acquires key once, without waiting
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "acquire lock %s", key)
	}
	if !ok {
		return nil, errors.Wrapf(ErrLockHeld, "key %s", key)
	}
	return &redisLease{client: l.client, key: key, token: token}, nil
}

// Ping checks the Redis connection
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *redisLease) Key() string {
	return l.key
}

// Release deletes the key only if this lease still owns it
func (l *redisLease) Release(ctx context.Context) error {
	result, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Result()
	if err != nil {
		return errors.Wrapf(err, "release lock %s", l.key)
	}
	if result == int64(0) {
		return fmt.Errorf("release failed, lock %s expired or is held by another owner", l.key)
	}
	return nil
}

// Extend pushes the expiry out if this lease still owns the key
func (l *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return errors.Wrapf(err, "extend lock %s", l.key)
	}
	if result == int64(0) {
		return fmt.Errorf("extend failed, lock %s expired or is held by another owner", l.key)
	}
	return nil
}

// LocalLocker is an in-process Locker
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]localEntry),
		clock: time.Now,
	}
}

// TryLock acquires key once, without waiting. An expired holder is replaced.
func (l *LocalLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if entry, ok := l.held[key]; ok && now.Before(entry.expires) {
		return nil, errors.Wrapf(ErrLockHeld, "key %s", key)
	}

	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{locker: l, key: key, token: token}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  string
}

func (l *localLease) Key() string {
	return l.key
}

func (l *localLease) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()

	entry, ok := l.locker.held[l.key]
	if !ok || entry.token != l.token {
		return fmt.Errorf("release failed, lock %s expired or is held by another owner", l.key)
	}
	delete(l.locker.held, l.key)
	return nil
}

func (l *localLease) Extend(ctx context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()

	entry, ok := l.locker.held[l.key]
	if !ok || entry.token != l.token {
		return fmt.Errorf("extend failed, lock %s expired or is held by another owner", l.key)
	}
	entry.expires = l.locker.clock().Add(ttl)
	l.locker.held[l.key] = entry
	return nil
}
