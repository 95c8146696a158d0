package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-dms-letters/internal/repository"
)

// UserSource is the authoritative user lookup.
type UserSource interface {
	Exists(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*repository.User, error)
}

// CachedUserDirectory reads users through a Redis cache. Only found users are
// cached; Redis errors fall back to the source.
type CachedUserDirectory struct {
	source UserSource
	rdb    *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewCachedUserDirectory creates a directory. A nil rdb disables caching.
func NewCachedUserDirectory(source UserSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedUserDirectory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedUserDirectory{source: source, rdb: rdb, ttl: ttl, log: log}
}

func userCacheKey(id string) string {
	return "dms:user:" + id
}

// Exists reports whether a user with id exists.
func (d *CachedUserDirectory) Exists(ctx context.Context, id string) (bool, error) {
	if u := d.cached(ctx, id); u != nil {
		return true, nil
	}
	return d.source.Exists(ctx, id)
}

// Get returns the user, or a NOT_FOUND error.
func (d *CachedUserDirectory) Get(ctx context.Context, id string) (*repository.User, error) {
	if u := d.cached(ctx, id); u != nil {
		return u, nil
	}

	u, err := d.source.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d.store(ctx, u)
	return u, nil
}

// invalidate drops a cached user.
func (d *CachedUserDirectory) invalidate(ctx context.Context, id string) {
	if d.rdb == nil {
		return
	}
	if err := d.rdb.Del(ctx, userCacheKey(id)).Err(); err != nil {
		d.log.Warn().Err(err).Str("user_id", id).Msg("user cache: delete failed")
	}
}

func (d *CachedUserDirectory) cached(ctx context.Context, id string) *repository.User {
	if d.rdb == nil {
		return nil
	}

	raw, err := d.rdb.Get(ctx, userCacheKey(id)).Bytes()
	if err != nil {
		if !stderrors.Is(err, redis.Nil) {
			d.log.Warn().Err(err).Str("user_id", id).Msg("user cache: read failed")
		}
		return nil
	}

	var u repository.User
	if err := json.Unmarshal(raw, &u); err != nil {
		d.log.Warn().Err(err).Str("user_id", id).Msg("user cache: corrupt entry")
		d.invalidate(ctx, id)
		return nil
	}
	return &u
}

func (d *CachedUserDirectory) store(ctx context.Context, u *repository.User) {
	if d.rdb == nil {
		return
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := d.rdb.Set(ctx, userCacheKey(u.ID), raw, d.ttl).Err(); err != nil {
		d.log.Warn().Err(err).Str("user_id", u.ID).Msg("user cache: write failed")
	}
}

// NewRedisClient creates a client and pings it. It returns nil when the
// server is unreachable so callers run without a cache.
func NewRedisClient(ctx context.Context, addr, password string, db int, log zerolog.Logger) *redis.Client {
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis unavailable, user cache disabled")
		_ = rdb.Close()
		return nil
	}
	return rdb
}
