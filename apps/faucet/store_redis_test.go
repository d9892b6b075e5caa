package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redisStore) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := newRedisStore(client, time.Minute)
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func TestRedisStore_ReserveCommit(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())
	window := 24 * time.Hour

	r, err := s.Reserve(ctx, KindAccount, "0.0.1", now, window)
	require.NoError(t, err)

	_, err = s.Reserve(ctx, KindAccount, "0.0.1", now, window)
	var ce *CooldownError
	require.ErrorAs(t, err, &ce)
	require.True(t, ce.Pending)

	require.NoError(t, s.Commit(ctx, r, now, window))
	require.Equal(t, window, mr.TTL(redisKey(KindAccount, "0.0.1")))

	_, err = s.Reserve(ctx, KindAccount, "0.0.1", now, window)
	require.ErrorAs(t, err, &ce)
	require.False(t, ce.Pending)
	require.True(t, ce.Since.Equal(now))

	mr.FastForward(window)
	_, err = s.Reserve(ctx, KindAccount, "0.0.1", now.Add(window), window)
	require.NoError(t, err)
}

func TestRedisStore_Release(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	r, err := s.Reserve(ctx, KindOrigin, "1.2.3.4", now, time.Hour)
	require.NoError(t, err)

	// a foreign marker leaves the key alone
	require.NoError(t, s.Release(ctx, Reservation{Kind: KindOrigin, Key: "1.2.3.4", Token: "pending:other"}))
	require.True(t, mr.Exists(redisKey(KindOrigin, "1.2.3.4")))

	require.NoError(t, s.Release(ctx, r))
	require.False(t, mr.Exists(redisKey(KindOrigin, "1.2.3.4")))

	_, err = s.Reserve(ctx, KindOrigin, "1.2.3.4", now, time.Hour)
	require.NoError(t, err)
}

func TestRedisStore_StaleReservationExpires(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.Reserve(ctx, KindAccount, "0.0.7", now, time.Hour)
	require.NoError(t, err)
	mr.FastForward(time.Minute)

	_, err = s.Reserve(ctx, KindAccount, "0.0.7", now, time.Hour)
	require.NoError(t, err)
}

func TestRedisStore_WithLimiter(t *testing.T) {
	_, s := newTestRedis(t)
	l := newLimiter(s, 24*time.Hour, discardLogger())
	ctx := context.Background()
	now := time.Now()

	h, err := l.Reserve(ctx, "0.0.1", "1.2.3.4", now)
	require.NoError(t, err)
	require.NoError(t, h.Commit(ctx, now))

	_, err = l.Reserve(ctx, "0.0.2", "1.2.3.4", now)
	var ce *CooldownError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindOrigin, ce.Kind)

	_, err = l.Reserve(ctx, "0.0.2", "5.6.7.8", now)
	require.NoError(t, err)
}
