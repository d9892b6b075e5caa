package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "faucet:cooldown:"
	redisPendingPrefix = "pending:"
)

// releaseScript deletes a key only while it still holds the caller's marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisStore keeps cooldowns as keys whose TTL is the remaining window, so
// expiry is left to Redis. The value is either a pending marker or the claim
// time in unix milliseconds.
type redisStore struct {
	client         *redis.Client
	reservationTTL time.Duration
}

type redisConfig struct {
	Addr     string
	Password string
	DB       int
}

func openRedisStore(ctx context.Context, cfg redisConfig, reservationTTL time.Duration) (*redisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisStore(client, reservationTTL), nil
}

func newRedisStore(client *redis.Client, reservationTTL time.Duration) *redisStore {
	return &redisStore{client: client, reservationTTL: reservationTTL}
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func redisKey(kind Kind, key string) string {
	return redisKeyPrefix + string(kind) + ":" + key
}

func (s *redisStore) Reserve(ctx context.Context, kind Kind, key string, now time.Time, _ time.Duration) (Reservation, error) {
	k := redisKey(kind, key)
	token := redisPendingPrefix + uuid.NewString()
	// a key can expire between SETNX and GET; one retry covers that
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, k, token, s.reservationTTL).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("reserve %s: %w", k, err)
		}
		if ok {
			return Reservation{Kind: kind, Key: key, Token: token}, nil
		}
		val, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, fmt.Errorf("read %s: %w", k, err)
		}
		return Reservation{}, cooldownFromRedis(kind, key, val, now)
	}
	return Reservation{}, &CooldownError{Kind: kind, Key: key, Since: now, Pending: true}
}

func cooldownFromRedis(kind Kind, key, val string, now time.Time) *CooldownError {
	if strings.HasPrefix(val, redisPendingPrefix) {
		return &CooldownError{Kind: kind, Key: key, Since: now, Pending: true}
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// unreadable value still blocks until its TTL runs out
		return &CooldownError{Kind: kind, Key: key, Since: now}
	}
	return &CooldownError{Kind: kind, Key: key, Since: time.UnixMilli(ms)}
}

func (s *redisStore) Commit(ctx context.Context, r Reservation, at time.Time, window time.Duration) error {
	k := redisKey(r.Kind, r.Key)
	if err := s.client.Set(ctx, k, strconv.FormatInt(at.UnixMilli(), 10), window).Err(); err != nil {
		return fmt.Errorf("commit %s: %w", k, err)
	}
	return nil
}

func (s *redisStore) Release(ctx context.Context, r Reservation) error {
	k := redisKey(r.Kind, r.Key)
	if err := releaseScript.Run(ctx, s.client, []string{k}, r.Token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", k, err)
	}
	return nil
}
