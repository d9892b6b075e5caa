package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresStore keeps cooldowns in faucet_cooldowns so they survive restarts.
// A row with a non-NULL reservation is an in-flight claim.
type postgresStore struct {
	pool           *pgxpool.Pool
	reservationTTL time.Duration
}

func newPostgresStore(ctx context.Context, connStr string, reservationTTL time.Duration) (*postgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS faucet_cooldowns (
			kind TEXT NOT NULL,
			key TEXT NOT NULL,
			claimed_at TIMESTAMPTZ NOT NULL,
			reservation TEXT,
			PRIMARY KEY (kind, key)
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &postgresStore{pool: pool, reservationTTL: reservationTTL}, nil
}

func (p *postgresStore) Close() {
	p.pool.Close()
}

// Reserve inserts a pending row, or takes over an existing row only when it
// has stopped blocking. No row back means the key is still held.
func (p *postgresStore) Reserve(ctx context.Context, kind Kind, key string, now time.Time, window time.Duration) (Reservation, error) {
	token := uuid.NewString()
	var got string
	err := p.pool.QueryRow(ctx,
		`INSERT INTO faucet_cooldowns (kind, key, claimed_at, reservation)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (kind, key) DO UPDATE
		 SET claimed_at = EXCLUDED.claimed_at, reservation = EXCLUDED.reservation
		 WHERE (faucet_cooldowns.reservation IS NULL AND faucet_cooldowns.claimed_at <= $5)
		    OR (faucet_cooldowns.reservation IS NOT NULL AND faucet_cooldowns.claimed_at <= $6)
		 RETURNING reservation`,
		string(kind), key, now, token, now.Add(-window), now.Add(-p.reservationTTL),
	).Scan(&got)
	if err == nil {
		return Reservation{Kind: kind, Key: key, Token: got}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, fmt.Errorf("reserve %s %s: %w", kind, key, err)
	}

	var (
		since   time.Time
		pending bool
	)
	err = p.pool.QueryRow(ctx,
		`SELECT claimed_at, reservation IS NOT NULL FROM faucet_cooldowns WHERE kind = $1 AND key = $2`,
		string(kind), key,
	).Scan(&since, &pending)
	if errors.Is(err, pgx.ErrNoRows) {
		// released between the two statements; treat as in flight
		return Reservation{}, &CooldownError{Kind: kind, Key: key, Since: now, Pending: true}
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("read %s %s: %w", kind, key, err)
	}
	return Reservation{}, &CooldownError{Kind: kind, Key: key, Since: since, Pending: pending}
}

func (p *postgresStore) Commit(ctx context.Context, r Reservation, at time.Time, _ time.Duration) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO faucet_cooldowns (kind, key, claimed_at, reservation)
		 VALUES ($1, $2, $3, NULL)
		 ON CONFLICT (kind, key) DO UPDATE SET claimed_at = EXCLUDED.claimed_at, reservation = NULL`,
		string(r.Kind), r.Key, at,
	)
	return err
}

func (p *postgresStore) Release(ctx context.Context, r Reservation) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM faucet_cooldowns WHERE kind = $1 AND key = $2 AND reservation = $3`,
		string(r.Kind), r.Key, r.Token,
	)
	return err
}

func (p *postgresStore) Prune(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM faucet_cooldowns
		 WHERE (reservation IS NULL AND claimed_at <= $1)
		    OR (reservation IS NOT NULL AND claimed_at <= $2)`,
		now.Add(-window), now.Add(-p.reservationTTL),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
