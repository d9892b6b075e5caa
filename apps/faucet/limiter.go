package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Kind separates the two cooldown key spaces.
type Kind string

const (
	KindAccount Kind = "account"
	KindOrigin  Kind = "origin"
)

// ErrCooldownActive is matched by every *CooldownError.
var ErrCooldownActive = errors.New("cooldown active")

// CooldownError reports a key that is still inside its window, or held by
// another in-flight claim.
type CooldownError struct {
	Kind    Kind
	Key     string
	Since   time.Time
	Pending bool
}

func (e *CooldownError) Error() string {
	if e.Pending {
		return fmt.Sprintf("%s %q has a claim in progress", e.Kind, e.Key)
	}
	return fmt.Sprintf("%s %q claimed at %s", e.Kind, e.Key, e.Since.UTC().Format(time.RFC3339))
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }

// pendingRetryAfter is the wait suggested for a key held by an in-flight
// claim, which frees the key within seconds if it fails.
const pendingRetryAfter = 5 * time.Second

// RetryAfter is how long until the key becomes eligible, never less than one second.
func (e *CooldownError) RetryAfter(now time.Time, window time.Duration) time.Duration {
	if e.Pending {
		return pendingRetryAfter
	}
	d := window - now.Sub(e.Since)
	if d < time.Second {
		return time.Second
	}
	return d
}

// Reservation is an in-flight hold on one key.
type Reservation struct {
	Kind  Kind
	Key   string
	Token string
}

// Store keeps last-claim timestamps. Reserve must check and mark a key
// atomically; a live reservation blocks the key like a committed record.
type Store interface {
	Reserve(ctx context.Context, kind Kind, key string, now time.Time, window time.Duration) (Reservation, error)
	Commit(ctx context.Context, r Reservation, at time.Time, window time.Duration) error
	Release(ctx context.Context, r Reservation) error
}

// pruner is implemented by stores that do not expire records on their own.
type pruner interface {
	Prune(ctx context.Context, now time.Time, window time.Duration) (int, error)
}

// Limiter enforces one claim per account and per origin within window.
type Limiter struct {
	store  Store
	window time.Duration
	log    *slog.Logger
}

func newLimiter(store Store, window time.Duration, log *slog.Logger) *Limiter {
	return &Limiter{store: store, window: window, log: log}
}

// Hold covers both keys of one claim from the cooldown check until the
// transfer outcome is known.
type Hold struct {
	l       *Limiter
	account Reservation
	origin  Reservation
}

// Reserve checks the account key first, then the origin key. On a blocked
// origin the account reservation is handed back before returning.
func (l *Limiter) Reserve(ctx context.Context, account, origin string, now time.Time) (*Hold, error) {
	acct, err := l.store.Reserve(ctx, KindAccount, account, now, l.window)
	if err != nil {
		return nil, err
	}
	orig, err := l.store.Reserve(ctx, KindOrigin, origin, now, l.window)
	if err != nil {
		l.release(ctx, acct)
		return nil, err
	}
	return &Hold{l: l, account: acct, origin: orig}, nil
}

// Commit turns both reservations into cooldown records stamped at.
func (h *Hold) Commit(ctx context.Context, at time.Time) error {
	return errors.Join(
		h.l.store.Commit(ctx, h.account, at, h.l.window),
		h.l.store.Commit(ctx, h.origin, at, h.l.window),
	)
}

// Release drops both reservations, leaving the keys as they were before.
func (h *Hold) Release(ctx context.Context) {
	h.l.release(ctx, h.origin)
	h.l.release(ctx, h.account)
}

func (l *Limiter) release(ctx context.Context, r Reservation) {
	if err := l.store.Release(context.WithoutCancel(ctx), r); err != nil {
		// the reservation TTL frees the key eventually
		l.log.Warn("release reservation", "kind", r.Kind, "key", r.Key, "err", err)
	}
}
