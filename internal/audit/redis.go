package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"firestige.xyz/dropsock/internal/config"
)

// Redis appends records to one capped list per context. The newest record is
// at the head of the list.
type Redis struct {
	client     *redis.Client
	prefix     string
	maxEntries int64
	ttl        time.Duration
}

var _ Journal = (*Redis)(nil)

// NewRedis connects to the configured server and checks it answers.
func NewRedis(cfg config.AuditConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	limit := cfg.MaxEntries
	if limit <= 0 {
		limit = 10000
	}
	return &Redis{
		client:     rdb,
		prefix:     cfg.KeyPrefix,
		maxEntries: limit,
		ttl:        cfg.TTL,
	}, nil
}

func (r *Redis) key(name string) string {
	return r.prefix + name
}

// Append implements Journal.
func (r *Redis) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	key := r.key(rec.Context)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, r.maxEntries-1)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append failed: %w", err)
	}
	return nil
}

// Recent returns up to n records of the named context, newest first.
func (r *Redis) Recent(ctx context.Context, name string, n int64) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	vals, err := r.client.LRange(ctx, r.key(name), 0, n-1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis range failed: %w", err)
	}
	out := make([]Record, 0, len(vals))
	for _, v := range vals {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close implements Journal.
func (r *Redis) Close() error {
	return r.client.Close()
}
