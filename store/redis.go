package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript atomically increments a counter and starts its window on the first hit.
// A counter that somehow lost its expiry gets one again so it cannot live forever.
// Returns [count, pttl] where pttl is the remaining window in milliseconds.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// decrScript decrements a live counter without recreating a missing key or going below zero.
var decrScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
    return 0
end
if tonumber(v) > 0 then
    return redis.call('DECR', KEYS[1])
end
return 0
`)

// Redis is a Redis-backed fixed-window Store.
// The INCR, PEXPIRE and PTTL steps run inside a Lua script so that concurrent
// callers, including other instances, never interleave on the same key.
type Redis struct {
	client     *redis.Client
	prefix     string
	window     time.Duration
	ownsClient bool
}

// RedisConfig holds configuration for a Redis-backed store.
//
// All fields should be populated explicitly by your application code from environment
// variables, config files, or other sources. Never reads environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys to namespace rate limit data (default: "ratelimit:")
	Prefix string

	// Window is the fixed window length for every counter in this store.
	Window time.Duration

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration
}

// NewRedis creates a Redis store with its own client.
// Validates the connection with a ping before returning. Returns an error if
// the connection cannot be established within 5 seconds.
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Prefix == "" {
		config.Prefix = "ratelimit:"
	}
	if config.Window <= 0 {
		return nil, fmt.Errorf("redis store window must be positive, got %s", config.Window)
	}

	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client:     client,
		prefix:     config.Prefix,
		window:     config.Window,
		ownsClient: true,
	}, nil
}

// NewRedisWithClient creates a Redis store on top of an existing client.
// The client is shared, so Close on the returned store leaves it open.
func NewRedisWithClient(client *redis.Client, prefix string, window time.Duration) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		window: window,
	}
}

// RedisFactory returns a Factory that creates one store per policy on a shared client.
// Keys are namespaced as "<prefix><domain>:<key>".
func RedisFactory(client *redis.Client, prefix string) Factory {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return func(domain string, window time.Duration) (Store, error) {
		if window <= 0 {
			return nil, fmt.Errorf("redis store window must be positive, got %s", window)
		}
		return NewRedisWithClient(client, prefix+domain+":", window), nil
	}
}

// Increment atomically increments the counter for the given key using a Lua script.
func (r *Redis) Increment(ctx context.Context, key string) (int64, time.Time, error) {
	fullKey := r.prefix + key

	result, err := incrScript.Run(ctx, r.client, []string{fullKey}, r.window.Milliseconds()).Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis increment failed: %w", err)
	}

	if len(result) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected result length: got %d, want 2", len(result))
	}

	count, ok := result[0].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unexpected type for count: %T", result[0])
	}

	ttlMillis, ok := result[1].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unexpected type for ttl: %T", result[1])
	}

	return count, time.Now().Add(time.Duration(ttlMillis) * time.Millisecond), nil
}

// Decrement refunds one request for the given key if its window is still live.
func (r *Redis) Decrement(ctx context.Context, key string) error {
	if err := decrScript.Run(ctx, r.client, []string{r.prefix + key}).Err(); err != nil {
		return fmt.Errorf("redis decrement failed: %w", err)
	}
	return nil
}

// Get retrieves the current count for the given key without incrementing.
// Returns 0 if the key doesn't exist or has expired.
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

// Reset removes the counter for the given key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// Close releases the Redis client connection when the store created it.
func (r *Redis) Close() error {
	if !r.ownsClient {
		return nil
	}
	return r.client.Close()
}
