package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares minified assets between server instances through Redis
type RedisStore struct {
	client  *redis.Client
	prefix  string
	maxSize int64
}

// RedisStoreConfig holds configuration for the Redis store
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key prefix for all entries
	MaxSize  int64  // Maximum size of a stored body (default: 10MB)
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 * 1024 * 1024
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "cdnswitch:minify:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client:  client,
		prefix:  cfg.Prefix,
		maxSize: cfg.MaxSize,
	}, nil
}

// Get reads body and metadata for key in one round trip
func (rs *RedisStore) Get(ctx context.Context, key string) (io.ReadCloser, *Meta, bool, error) {
	pipe := rs.client.Pipeline()
	dataCmd := pipe.Get(ctx, rs.dataKey(key))
	metaCmd := pipe.Get(ctx, rs.metaKey(key))

	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("failed to get from Redis: %w", err)
	}

	metaBytes, err := metaCmd.Bytes()
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to get metadata: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, false, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	if meta.IsExpired() {
		rs.Delete(ctx, key)
		return nil, nil, false, nil
	}

	dataBytes, err := dataCmd.Bytes()
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to get data: %w", err)
	}

	return io.NopCloser(bytes.NewReader(dataBytes)), &meta, true, nil
}

// Put stores body and metadata with the entry's TTL as the Redis expiry
func (rs *RedisStore) Put(ctx context.Context, key string, body io.Reader, meta *Meta) error {
	dataBytes, err := io.ReadAll(io.LimitReader(body, rs.maxSize+1))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(dataBytes)) > rs.maxSize {
		return fmt.Errorf("asset exceeds maximum size: %d > %d", len(dataBytes), rs.maxSize)
	}

	stored := *meta
	stored.Size = int64(len(dataBytes))

	metaBytes, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	ttl := stored.TTL
	if ttl <= 0 {
		ttl = 0 // keep until purged
	}

	pipe := rs.client.Pipeline()
	pipe.Set(ctx, rs.dataKey(key), dataBytes, ttl)
	pipe.Set(ctx, rs.metaKey(key), metaBytes, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store in Redis: %w", err)
	}
	return nil
}

// Delete removes key
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, rs.dataKey(key), rs.metaKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete from Redis: %w", err)
	}
	return nil
}

// Purge removes every key under the store prefix
func (rs *RedisStore) Purge(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := rs.client.Scan(ctx, cursor, rs.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan Redis keys: %w", err)
		}

		if len(keys) > 0 {
			if err := rs.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete Redis keys: %w", err)
			}
		}

		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the Redis connection
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

func (rs *RedisStore) dataKey(key string) string {
	return rs.prefix + key + ":data"
}

func (rs *RedisStore) metaKey(key string) string {
	return rs.prefix + key + ":meta"
}
