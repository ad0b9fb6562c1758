// Package redis implements a tick lease shared across processes through Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/article-batch-orchestrator/internal/id/uuid"
)

// DefaultPrefix namespaces lease keys.
const DefaultPrefix = "orchestrator:lease:"

// releaseScript deletes the key only while it still holds the caller's token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Config configures the Redis connection.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// Lease grants named leases stored as Redis keys with a PX expiry.
type Lease struct {
	client  goredis.Cmdable
	prefix  string
	newUUID func() (string, error)
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Lease, *goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil, errors.New("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg.Prefix), client, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.Cmdable, prefix string) *Lease {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Lease{client: client, prefix: prefix, newUUID: uuid.New().NewToken}
}

// TryAcquire takes the named lease for ttl when no other holder has it.
func (l *Lease) TryAcquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, errors.New("lease ttl must be positive")
	}
	token, err := l.newUUID()
	if err != nil {
		return "", false, err
	}
	ok, err := l.client.SetNX(ctx, l.prefix+name, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx failure: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lease if token still holds it.
func (l *Lease) Release(ctx context.Context, name, token string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.prefix + name}, token).Err(); err != nil {
		return fmt.Errorf("redis release failure: %w", err)
	}
	return nil
}
