// Package locks provides Redis-backed exclusive locks. The run orchestrator
// uses one lock per run so overlapping wake-ups never process the same run
// concurrently.
package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/toolplane/toolplane/core/infra/redisutil"
)

const defaultTTL = 30 * time.Second

// Store acquires and releases named exclusive locks.
type Store struct {
	client *redis.Client
}

// NewStore constructs a Redis-backed lock store from a redis:// URL.
func NewStore(url string) (*Store, error) {
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client, sharing its connection pool.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close shuts down the Redis client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Acquire attempts to take the lock for owner. It returns false without error
// when another owner currently holds it.
func (s *Store) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return false, fmt.Errorf("resource and owner required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	res, err := s.client.Eval(ctx, acquireScript, []string{lockKey(resource)},
		owner,
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release drops the lock if owner still holds it. Releasing a lock held by
// someone else is a no-op so an expired holder cannot clobber a new one.
func (s *Store) Release(ctx context.Context, resource, owner string) error {
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return fmt.Errorf("resource and owner required")
	}
	return s.client.Eval(ctx, releaseScript, []string{lockKey(resource)}, owner).Err()
}

// Renew extends the TTL while owner still holds the lock.
func (s *Store) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return false, fmt.Errorf("resource and owner required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	res, err := s.client.Eval(ctx, renewScript, []string{lockKey(resource)},
		owner,
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Holder returns the current lock owner, or "" when the lock is free.
func (s *Store) Holder(ctx context.Context, resource string) (string, error) {
	val, err := s.client.Get(ctx, lockKey(strings.TrimSpace(resource))).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func lockKey(resource string) string {
	return "lock:" + resource
}

const acquireScript = `
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
local current = redis.call("GET", key)
if not current then
  redis.call("SET", key, owner, "PX", ttl)
  return 1
end
if current == owner then
  redis.call("PEXPIRE", key, ttl)
  return 1
end
return 0
`

const releaseScript = `
local key = KEYS[1]
local owner = ARGV[1]
if redis.call("GET", key) == owner then
  redis.call("DEL", key)
end
return 0
`

const renewScript = `
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
if redis.call("GET", key) == owner then
  redis.call("PEXPIRE", key, ttl)
  return 1
end
return 0
`
