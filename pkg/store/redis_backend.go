package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements KV using Redis strings.
// It lets several clients of the same user share their cached conversations.
type RedisKV struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is prepended to every key (default: "personachat:").
	Prefix string `yaml:"prefix"`
	// TTL expires documents that are not rewritten (0 = never expire).
	TTL time.Duration `yaml:"ttl"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

const defaultRedisPrefix = "personachat:"

// NewRedisKV connects to Redis and verifies the connection.
func NewRedisKV(cfg RedisConfig) (*RedisKV, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisKVFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisKVFromClient wraps an existing client.
// This is useful for testing with miniredis.
func NewRedisKVFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisKV {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisKV{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (b *RedisKV) key(k string) string {
	return b.prefix + k
}

func (b *RedisKV) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Get returns the value stored under key.
func (b *RedisKV) Get(ctx context.Context, key string) (string, error) {
	if b.isClosed() {
		return "", ErrClosed
	}

	v, err := b.client.Get(ctx, b.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// Set stores value under key, refreshing the TTL when configured.
func (b *RedisKV) Set(ctx context.Context, key, value string) error {
	if b.isClosed() {
		return ErrClosed
	}

	if err := b.client.Set(ctx, b.key(key), value, b.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool.
func (b *RedisKV) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

// Ping checks if the Redis connection is alive.
func (b *RedisKV) Ping(ctx context.Context) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.client.Ping(ctx).Err()
}
