package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seiforesti/data-wave-sub007/model"
)

// Locks are hashes with fields holder, resource_type, acquired_at and
// expires_at (unix millis). Every mutation runs as a script so the
// check-and-set is atomic across replicas. A lock whose expires_at is not
// after the caller's now is treated as absent even before Redis evicts it.
var acquireScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'holder', 'expires_at')
local live = cur[1] and tonumber(cur[2]) > tonumber(ARGV[5])
if live and cur[1] ~= ARGV[1] then
  local v = redis.call('HMGET', KEYS[1], 'holder', 'resource_type', 'acquired_at', 'expires_at')
  return {0, v[1], v[2], v[3], v[4]}
end
if live then
  redis.call('HSET', KEYS[1], 'expires_at', ARGV[4])
else
  redis.call('DEL', KEYS[1])
  redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'resource_type', ARGV[2], 'acquired_at', ARGV[3], 'expires_at', ARGV[4])
end
redis.call('PEXPIRE', KEYS[1], ARGV[6])
redis.call('SADD', KEYS[2], ARGV[7])
local v = redis.call('HMGET', KEYS[1], 'holder', 'resource_type', 'acquired_at', 'expires_at')
return {1, v[1], v[2], v[3], v[4]}
`)

var releaseScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'holder', 'expires_at')
if cur[1] == ARGV[1] and tonumber(cur[2]) > tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[3])
  return 1
end
return 0
`)

var renewScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'holder', 'expires_at')
if cur[1] ~= ARGV[1] or tonumber(cur[2]) <= tonumber(ARGV[2]) then
  return {0}
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
local v = redis.call('HMGET', KEYS[1], 'holder', 'resource_type', 'acquired_at', 'expires_at')
return {1, v[1], v[2], v[3], v[4]}
`)

// RedisLockStore is a LockStore shared between replicas through Redis.
type RedisLockStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLockStore creates a Redis-backed lock store. Keys are namespaced
// under prefix.
func NewRedisLockStore(client redis.Cmdable, prefix string) *RedisLockStore {
	if prefix == "" {
		prefix = "orchestrator"
	}
	return &RedisLockStore{client: client, prefix: prefix}
}

func (s *RedisLockStore) lockKey(sessionID, resourceID string) string {
	return fmt.Sprintf("%s:lock:%s:%s", s.prefix, sessionID, resourceID)
}

func (s *RedisLockStore) indexKey(sessionID string) string {
	return fmt.Sprintf("%s:session-locks:%s", s.prefix, sessionID)
}

// Acquire implements LockStore.
func (s *RedisLockStore) Acquire(ctx context.Context, lock model.ResourceLock, now time.Time) (model.ResourceLock, bool, error) {
	res, err := acquireScript.Run(ctx, s.client,
		[]string{s.lockKey(lock.SessionID, lock.ResourceID), s.indexKey(lock.SessionID)},
		lock.HolderID,
		lock.ResourceType,
		lock.AcquiredAt.UnixMilli(),
		lock.ExpiresAt.UnixMilli(),
		now.UnixMilli(),
		ttlMillis(lock.ExpiresAt, now),
		lock.ResourceID,
	).Slice()
	if err != nil {
		return model.ResourceLock{}, false, fmt.Errorf("redis acquire %q: %w", lock.ResourceID, err)
	}
	granted, current, err := decodeScriptLock(res, lock.SessionID, lock.ResourceID)
	if err != nil {
		return model.ResourceLock{}, false, err
	}
	return current, granted, nil
}

// Release implements LockStore.
func (s *RedisLockStore) Release(ctx context.Context, sessionID, resourceID, holderID string, now time.Time) error {
	n, err := releaseScript.Run(ctx, s.client,
		[]string{s.lockKey(sessionID, resourceID), s.indexKey(sessionID)},
		holderID, now.UnixMilli(), resourceID,
	).Int()
	if err != nil {
		return fmt.Errorf("redis release %q: %w", resourceID, err)
	}
	if n == 0 {
		return model.NewNotLockHolderError(resourceID, holderID)
	}
	return nil
}

// Renew implements LockStore.
func (s *RedisLockStore) Renew(ctx context.Context, sessionID, resourceID, holderID string, expiresAt, now time.Time) (model.ResourceLock, error) {
	res, err := renewScript.Run(ctx, s.client,
		[]string{s.lockKey(sessionID, resourceID)},
		holderID, now.UnixMilli(), expiresAt.UnixMilli(), ttlMillis(expiresAt, now),
	).Slice()
	if err != nil {
		return model.ResourceLock{}, fmt.Errorf("redis renew %q: %w", resourceID, err)
	}
	ok, lock, err := decodeScriptLock(res, sessionID, resourceID)
	if err != nil {
		return model.ResourceLock{}, err
	}
	if !ok {
		return model.ResourceLock{}, model.NewNotLockHolderError(resourceID, holderID)
	}
	return lock, nil
}

// Get implements LockStore.
func (s *RedisLockStore) Get(ctx context.Context, sessionID, resourceID string, now time.Time) (model.ResourceLock, bool, error) {
	vals, err := s.client.HMGet(ctx, s.lockKey(sessionID, resourceID), "holder", "resource_type", "acquired_at", "expires_at").Result()
	if err != nil {
		return model.ResourceLock{}, false, fmt.Errorf("redis get lock %q: %w", resourceID, err)
	}
	if vals[0] == nil {
		return model.ResourceLock{}, false, nil
	}
	lock, err := decodeLockFields(vals, sessionID, resourceID)
	if err != nil {
		return model.ResourceLock{}, false, err
	}
	if !lock.Live(now) {
		return model.ResourceLock{}, false, nil
	}
	return lock, true, nil
}

// List implements LockStore. Index members whose lock has been evicted are
// pruned as a side effect.
func (s *RedisLockStore) List(ctx context.Context, sessionID string, now time.Time) ([]model.ResourceLock, error) {
	members, err := s.client.SMembers(ctx, s.indexKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list locks %q: %w", sessionID, err)
	}
	var result []model.ResourceLock
	for _, resourceID := range members {
		lock, ok, err := s.Get(ctx, sessionID, resourceID, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		result = append(result, lock)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ResourceID < result[j].ResourceID })
	return result, nil
}

// ReleaseSession implements LockStore.
func (s *RedisLockStore) ReleaseSession(ctx context.Context, sessionID string) (int, error) {
	members, err := s.client.SMembers(ctx, s.indexKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis release session %q: %w", sessionID, err)
	}
	if len(members) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(members))
	for _, resourceID := range members {
		keys = append(keys, s.lockKey(sessionID, resourceID))
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis release session %q: %w", sessionID, err)
	}
	if err := s.client.Del(ctx, s.indexKey(sessionID)).Err(); err != nil {
		return int(n), fmt.Errorf("redis drop index %q: %w", sessionID, err)
	}
	return int(n), nil
}

// ReleaseHolder implements LockStore.
func (s *RedisLockStore) ReleaseHolder(ctx context.Context, sessionID, holderID string) (int, error) {
	members, err := s.client.SMembers(ctx, s.indexKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis release holder %q: %w", holderID, err)
	}
	released := 0
	for _, resourceID := range members {
		// now=0 matches any stored lock of this holder, expired or not.
		n, err := releaseScript.Run(ctx, s.client,
			[]string{s.lockKey(sessionID, resourceID), s.indexKey(sessionID)},
			holderID, 0, resourceID,
		).Int()
		if err != nil {
			return released, fmt.Errorf("redis release %q: %w", resourceID, err)
		}
		released += n
	}
	return released, nil
}

// Sweep implements LockStore. Redis evicts lock keys on its own, so this
// only removes entries that are logically expired at now and prunes
// dangling index members.
func (s *RedisLockStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+":session-locks:*", 100).Iterator()
	for iter.Next(ctx) {
		index := iter.Val()
		sessionID := index[len(s.prefix+":session-locks:"):]
		members, err := s.client.SMembers(ctx, index).Result()
		if err != nil {
			return removed, fmt.Errorf("redis sweep %q: %w", sessionID, err)
		}
		for _, resourceID := range members {
			key := s.lockKey(sessionID, resourceID)
			expires, err := s.client.HGet(ctx, key, "expires_at").Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return removed, fmt.Errorf("redis sweep %q: %w", key, err)
			}
			if err == nil && expires > now.UnixMilli() {
				continue
			}
			if err == nil {
				if err := s.client.Del(ctx, key).Err(); err != nil {
					return removed, fmt.Errorf("redis sweep %q: %w", key, err)
				}
				removed++
			}
			s.client.SRem(ctx, index, resourceID)
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis sweep scan: %w", err)
	}
	return removed, nil
}

// HealthCheck implements LockStore.
func (s *RedisLockStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func ttlMillis(expiresAt, now time.Time) int64 {
	ms := expiresAt.Sub(now).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

// decodeScriptLock reads a {granted, holder, resource_type, acquired_at,
// expires_at} script reply.
func decodeScriptLock(res []any, sessionID, resourceID string) (bool, model.ResourceLock, error) {
	if len(res) == 0 {
		return false, model.ResourceLock{}, fmt.Errorf("redis lock %q: empty script reply", resourceID)
	}
	granted, _ := res[0].(int64)
	if len(res) < 5 {
		return granted == 1, model.ResourceLock{}, nil
	}
	lock, err := decodeLockFields(res[1:5], sessionID, resourceID)
	if err != nil {
		return false, model.ResourceLock{}, err
	}
	return granted == 1, lock, nil
}

func decodeLockFields(vals []any, sessionID, resourceID string) (model.ResourceLock, error) {
	str := func(v any) string {
		s, _ := v.(string)
		return s
	}
	acquired, err := strconv.ParseInt(str(vals[2]), 10, 64)
	if err != nil {
		return model.ResourceLock{}, fmt.Errorf("redis lock %q: acquired_at: %w", resourceID, err)
	}
	expires, err := strconv.ParseInt(str(vals[3]), 10, 64)
	if err != nil {
		return model.ResourceLock{}, fmt.Errorf("redis lock %q: expires_at: %w", resourceID, err)
	}
	return model.ResourceLock{
		ResourceID:   resourceID,
		SessionID:    sessionID,
		HolderID:     str(vals[0]),
		ResourceType: str(vals[1]),
		AcquiredAt:   time.UnixMilli(acquired).UTC(),
		ExpiresAt:    time.UnixMilli(expires).UTC(),
	}, nil
}
