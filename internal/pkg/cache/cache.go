package cache

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/wholestack/jukebox/internal/pkg/env"
)

// ErrNotFound reports absence of a key or hash field. Callers rely on the
// distinction between absence (a normal terminal state) and a transient
// store failure, so redis.Nil is never surfaced directly.
var ErrNotFound = errors.New("cache: not found")

var (
	client *redis.Client
	ctx    = context.Background()
)

// SetupCache initializes the connection to the Redis/Dragonfly server
func SetupCache() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       0, // use default DB
	})

	// Test the connection
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Printf("Warning: Could not connect to cache: %v", err)
	} else {
		log.Printf("Successfully connected to cache: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// KV wraps the Redis client behind the operation set the domain services
// consume. Services take narrow interfaces satisfied by this type so tests
// can swap in in-memory fakes.
type KV struct {
	client *redis.Client
}

// NewKV returns a KV bound to the shared client.
func NewKV() *KV {
	return &KV{client: GetClient()}
}

// Get retrieves a scalar value by key.
func (k *KV) Get(ctx context.Context, key string) (string, error) {
	val, err := k.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// Set stores a scalar value. A zero ttl means no expiry.
func (k *KV) Set(ctx context.Context, key, value string) error {
	return k.client.Set(ctx, key, value, 0).Err()
}

// Delete removes a key and reports whether it existed. The reply count is
// the arbiter for the settlement race: exactly one caller sees true.
func (k *KV) Delete(ctx context.Context, key string) (bool, error) {
	n, err := k.client.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HGet retrieves a hash field.
func (k *KV) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := k.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// HSet stores a hash field.
func (k *KV) HSet(ctx context.Context, key, field, value string) error {
	return k.client.HSet(ctx, key, field, value).Err()
}

// HDelete removes a hash field.
func (k *KV) HDelete(ctx context.Context, key, field string) error {
	return k.client.HDel(ctx, key, field).Err()
}

// LPush prepends a value to a list.
func (k *KV) LPush(ctx context.Context, key, value string) error {
	return k.client.LPush(ctx, key, value).Err()
}

// RPop removes and returns the last list element.
func (k *KV) RPop(ctx context.Context, key string) (string, error) {
	val, err := k.client.RPop(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// LIndex returns the list element at index.
func (k *KV) LIndex(ctx context.Context, key string, index int64) (string, error) {
	val, err := k.client.LIndex(ctx, key, index).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// LLen returns the length of a list.
func (k *KV) LLen(ctx context.Context, key string) (int64, error) {
	return k.client.LLen(ctx, key).Result()
}

// ScanKeys iterates all keys matching pattern and returns them.
func (k *KV) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := k.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
