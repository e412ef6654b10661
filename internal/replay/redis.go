// ABOUTME: Redis-backed replay store shared by every gateway replica.
// ABOUTME: Entries are JSON values under a key prefix with a native redis TTL.

package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "replay:"

// releaseScript deletes a key only while it still holds the caller's pending marker.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local e = cjson.decode(v)
if e.pending and e.fingerprint == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps replay entries in redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the entry for key. Redis expires keys itself.
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decoding replay entry: %w", err)
	}
	if e.Expired(time.Now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Put writes e only if the key is free or holds the same fingerprint.
func (s *RedisStore) Put(ctx context.Context, key string, e Entry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding replay entry: %w", err)
	}
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	ok, err := s.client.SetNX(ctx, redisKeyPrefix+key, val, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return nil
	}

	existing, found, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if found && existing.Fingerprint != e.Fingerprint {
		return fmt.Errorf("%w: key %s", ErrConflict, key)
	}
	return s.client.Set(ctx, redisKeyPrefix+key, val, ttl).Err()
}

// Reserve claims key with the pending marker e through SETNX, so only one replica
// executes a given replay key at a time.
func (s *RedisStore) Reserve(ctx context.Context, key string, e Entry) (Entry, bool, error) {
	val, err := json.Marshal(e)
	if err != nil {
		return Entry{}, false, fmt.Errorf("encoding replay marker: %w", err)
	}
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return Entry{}, false, fmt.Errorf("replay marker for %s already expired", key)
	}

	// The holder may expire between SETNX and GET; one more claim covers that gap.
	for range 2 {
		ok, err := s.client.SetNX(ctx, redisKeyPrefix+key, val, ttl).Result()
		if err != nil {
			return Entry{}, false, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return Entry{}, true, nil
		}
		existing, found, err := s.Get(ctx, key)
		if err != nil {
			return Entry{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}
	return Entry{}, false, fmt.Errorf("redis reserve %s: key churned while claiming", key)
}

// Release deletes key if it still holds the pending marker for fingerprint.
func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	if err := releaseScript.Run(ctx, s.client, []string{redisKeyPrefix + key}, fingerprint).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Ping checks redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
