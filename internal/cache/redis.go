package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/edgeroute/internal/logging"
)

const defaultRedisTimeout = 100 * time.Millisecond

// RedisStore is a Redis-backed Store shared by every router instance.
// Entries are gob encoded under prefix+key and carry no TTL.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// NewRedisStore creates a Redis store. prefix namespaces the keys, e.g.
// "edgeroute:cache:".
func NewRedisStore(client redis.UniversalClient, prefix string, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &RedisStore{client: client, prefix: prefix, timeout: timeout}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache get %s: %w", key, err)
	}

	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		// A corrupt entry is a miss; the next render overwrites it.
		logging.Warn("Redis cache decode failed, treating as miss",
			zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	return &entry, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return fmt.Errorf("redis cache encode %s: %w", key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(ctx, s.prefix+key, buf.Bytes(), 0).Err(); err != nil {
		return fmt.Errorf("redis cache set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *RedisStore) Stats() StoreStats {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var count int
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			logging.Warn("Redis cache stats scan failed", zap.Error(err))
			return StoreStats{}
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return StoreStats{Size: count}
}

// RedisTagStore stores the last invalidation time of each tag as unix
// milliseconds under prefix+tag.
type RedisTagStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// NewRedisTagStore creates a Redis tag store.
func NewRedisTagStore(client redis.UniversalClient, prefix string, timeout time.Duration) *RedisTagStore {
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &RedisTagStore{client: client, prefix: prefix, timeout: timeout}
}

func (s *RedisTagStore) HasBeenInvalidatedSince(ctx context.Context, tags []string, since time.Time) (bool, error) {
	if len(tags) == 0 {
		return false, nil
	}
	keys := make([]string, len(tags))
	for i, t := range tags {
		keys[i] = s.prefix + t
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return false, fmt.Errorf("redis tag lookup: %w", err)
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		if time.UnixMilli(ms).After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *RedisTagStore) Invalidate(ctx context.Context, tags []string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	pipe := s.client.Pipeline()
	for _, t := range tags {
		pipe.Set(ctx, s.prefix+t, at.UnixMilli(), 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}
