// Package cache holds short-lived read caches. Keys are namespaced and each
// namespace carries a generation number; bumping it invalidates every key
// written under the previous generation without scanning.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/garnizeh/insightpipe/internal/config"
)

// NamespaceInsights holds cached insight listings.
const NamespaceInsights = "insights"

type Cache interface {
	Get(ctx context.Context, ns, key string) ([]byte, bool, error)
	Set(ctx context.Context, ns, key string, val []byte) error
	Invalidate(ctx context.Context, ns string) error
}

type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to cfg.Addr and pings it.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{client: rdb, ttl: ttl}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) generation(ctx context.Context, ns string) (string, error) {
	v, err := r.client.Get(ctx, "gen:"+ns).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return v, err
}

func (r *Redis) key(ctx context.Context, ns, key string) (string, error) {
	gen, err := r.generation(ctx, ns)
	if err != nil {
		return "", err
	}
	return ns + ":" + gen + ":" + key, nil
}

func (r *Redis) Get(ctx context.Context, ns, key string) ([]byte, bool, error) {
	k, err := r.key(ctx, ns, key)
	if err != nil {
		return nil, false, err
	}
	b, err := r.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, ns, key string, val []byte) error {
	k, err := r.key(ctx, ns, key)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, k, val, r.ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context, ns string) error {
	return r.client.Incr(ctx, "gen:"+ns).Err()
}

// Generation exposes the current generation, mainly for diagnostics.
func (r *Redis) Generation(ctx context.Context, ns string) (int64, error) {
	g, err := r.generation(ctx, ns)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(g, 10, 64)
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string, string) ([]byte, bool, error) { return nil, false, nil }
func (Noop) Set(context.Context, string, string, []byte) error         { return nil }
func (Noop) Invalidate(context.Context, string) error                  { return nil }
