package fx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

const snapshotKey = "ordertruth:fx:last_good"

// RedisSnapshot keeps the last good table in Redis so a fresh process can
// still convert when every rate source is down.
type RedisSnapshot struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// RedisConfig defines connection parameters for Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisSnapshot connects lazily; no I/O happens until Save or Load.
func NewRedisSnapshot(cfg RedisConfig, ttl time.Duration) *RedisSnapshot {
	return &RedisSnapshot{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		key: snapshotKey,
		ttl: ttl,
	}
}

// Save implements Snapshot.
func (r *RedisSnapshot) Save(ctx context.Context, t *Table) error {
	data, err := json.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "fx: marshal snapshot")
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return eris.Wrap(err, "fx: redis set snapshot")
	}
	return nil
}

// Load implements Snapshot. A missing key yields (nil, nil).
func (r *RedisSnapshot) Load(ctx context.Context) (*Table, error) {
	res, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, eris.Wrap(err, "fx: redis get snapshot")
	}
	var t Table
	if err := json.Unmarshal(res, &t); err != nil {
		return nil, eris.Wrap(err, "fx: unmarshal snapshot")
	}
	return &t, nil
}

// Close releases the Redis connection pool.
func (r *RedisSnapshot) Close() error {
	return r.client.Close()
}
