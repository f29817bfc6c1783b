package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores entries as JSON strings. Every write sets the key TTL to the
// sweep horizon, so Sweep has nothing left to do.
type Redis struct {
	rdb     redis.UniversalClient
	prefix  string
	horizon time.Duration
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Horizon  time.Duration
}

func NewRedis(opts RedisOptions) *Redis {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	return NewRedisFromClient(rdb, opts.Prefix, opts.Horizon)
}

func NewRedisFromClient(rdb redis.UniversalClient, prefix string, horizon time.Duration) *Redis {
	if prefix == "" {
		prefix = "chirpwatch:cache:"
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Redis{rdb: rdb, prefix: prefix, horizon: horizon}
}

func (d *Redis) key(cat Category, key string) string {
	return d.prefix + string(cat) + ":" + key
}

// Ping checks connectivity.
func (d *Redis) Ping(ctx context.Context) error { return d.rdb.Ping(ctx).Err() }

func (d *Redis) Load(ctx context.Context, cat Category, key string) (*Entry, bool, error) {
	raw, err := d.rdb.Get(ctx, d.key(cat, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

func (d *Redis) Store(ctx context.Context, cat Category, key string, e *Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return d.rdb.Set(ctx, d.key(cat, key), payload, d.horizon).Err()
}

func (d *Redis) Delete(ctx context.Context, cat Category, key string) error {
	if cat != "" && key != "" {
		return d.rdb.Del(ctx, d.key(cat, key)).Err()
	}
	pattern := d.prefix + "*"
	if cat != "" {
		pattern = d.prefix + string(cat) + ":*"
	}
	iter := d.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := d.rdb.Del(ctx, batch...).Err()
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 200 {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return flush()
}

func (d *Redis) Sweep(ctx context.Context, cutoff time.Time) (int, error) { return 0, nil }

func (d *Redis) Close() error { return d.rdb.Close() }
