package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKey = "ib:reconcile:lease"
	defaultRedisTTL = 10 * time.Minute
)

// releaseScript deletes the key only while it still carries our token, so
// a holder whose lease expired cannot free a successor's lease.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local ok, info = pcall(cjson.decode, v)
if ok and info["token"] == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOption is a functional option for configuring the Redis lease.
type RedisOption func(*Redis)

// WithKey sets the Redis key holding the lease.
func WithKey(key string) RedisOption {
	return func(l *Redis) {
		if key != "" {
			l.key = key
		}
	}
}

// WithTTL sets how long an unreleased lease survives its holder.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *Redis) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// Redis is a lease shared by every instance pointed at the same Redis.
// The TTL must exceed the longest tick.
type Redis struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedis connects to redisURL (e.g. "redis://localhost:6379/0").
func NewRedis(ctx context.Context, redisURL string, opts ...RedisOption) (*Redis, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("lease.redis_url is required for a redis lease")
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisWithClient(client, opts...), nil
}

// NewRedisWithClient builds a lease over an existing client.
func NewRedisWithClient(client redis.UniversalClient, opts ...RedisOption) *Redis {
	l := &Redis{client: client, key: defaultRedisKey, ttl: defaultRedisTTL}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Redis) Name() string { return "redis:" + l.key }

// Acquire sets the key with NX and the lease TTL.
func (l *Redis) Acquire(ctx context.Context) (Release, error) {
	info := newInfo(uuid.NewString())
	payload, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	ok, err := l.client.SetNX(ctx, l.key, payload, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire redis lease: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, info.Token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("release redis lease: %w", err)
		}
		return nil
	}, nil
}

// Holder returns the current holder, or nil when the lease is free.
func (l *Redis) Holder(ctx context.Context) (*Info, error) {
	raw, err := l.client.Get(ctx, l.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("parse redis lease: %w", err)
	}
	return &info, nil
}

// Close closes the Redis client.
func (l *Redis) Close() error {
	return l.client.Close()
}
