package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestPostgres needs a disposable database in FAUCET_TEST_DATABASE_URL.
func newTestPostgres(t *testing.T) *postgresStore {
	t.Helper()
	url := os.Getenv("FAUCET_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FAUCET_TEST_DATABASE_URL not set")
	}
	s, err := newPostgresStore(context.Background(), url, time.Minute)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPostgresStore_ReserveCommitRelease(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	window := 24 * time.Hour
	key := "0.0." + uuid.NewString()

	r, err := s.Reserve(ctx, KindAccount, key, now, window)
	require.NoError(t, err)
	require.Equal(t, key, r.Key)

	_, err = s.Reserve(ctx, KindAccount, key, now, window)
	var ce *CooldownError
	require.ErrorAs(t, err, &ce)
	require.True(t, ce.Pending)

	require.NoError(t, s.Release(ctx, r))
	r, err = s.Reserve(ctx, KindAccount, key, now, window)
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx, r, now, window))
	_, err = s.Reserve(ctx, KindAccount, key, now.Add(time.Hour), window)
	require.ErrorAs(t, err, &ce)
	require.False(t, ce.Pending)
	require.True(t, ce.Since.Equal(now))

	_, err = s.Reserve(ctx, KindAccount, key, now.Add(window), window)
	require.NoError(t, err)
}

func TestPostgresStore_Prune(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	key := "9.9.9." + uuid.NewString()[:8]

	r, err := s.Reserve(ctx, KindOrigin, key, now.Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, r, now.Add(-2*time.Hour), time.Hour))

	removed, err := s.Prune(ctx, now, time.Hour)
	require.NoError(t, err)
	require.GreaterOrEqual(t, removed, 1)

	_, err = s.Reserve(ctx, KindOrigin, key, now, time.Hour)
	require.NoError(t, err)
}

func TestOpenStore(t *testing.T) {
	cfg := defaultConfig()
	s, closeStore, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closeStore()
	_, ok := s.(pruner)
	require.True(t, ok, "memory store needs the sweeper")

	cfg.Store = "etcd"
	_, _, err = openStore(context.Background(), cfg)
	require.Error(t, err)
}
