package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeLedger is a ClientFactory whose clients record calls instead of
// talking to a network.
type fakeLedger struct {
	mu sync.Mutex

	newClientErr    error
	associateErr    error
	associateStatus string
	transferErr     error
	transferStatus  string
	// gate, when set, blocks every transfer until it is closed or ctx ends.
	gate chan struct{}

	clients      int
	associations int
	transfers    int
	lastTo       string
	lastUnits    int64
	lastToken    string
}

func (f *fakeLedger) NewClient(ctx context.Context) (LedgerClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newClientErr != nil {
		return nil, f.newClientErr
	}
	f.clients++
	return &fakeClient{l: f}, nil
}

func (f *fakeLedger) counts() (clients, associations, transfers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients, f.associations, f.transfers
}

type fakeClient struct {
	l *fakeLedger
}

func (c *fakeClient) AssociateToken(ctx context.Context, account, tokenID string) (Receipt, error) {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	c.l.associations++
	if c.l.associateErr != nil {
		return Receipt{}, c.l.associateErr
	}
	status := c.l.associateStatus
	if status == "" {
		status = "SUCCESS"
	}
	return Receipt{Status: status, TransactionID: "0.0.2@1700000000.000000001"}, nil
}

func (c *fakeClient) TransferHbar(ctx context.Context, to string, tinybars int64) (Receipt, error) {
	return c.transfer(ctx, "", to, tinybars)
}

func (c *fakeClient) TransferToken(ctx context.Context, tokenID, to string, units int64) (Receipt, error) {
	return c.transfer(ctx, tokenID, to, units)
}

func (c *fakeClient) transfer(ctx context.Context, tokenID, to string, units int64) (Receipt, error) {
	c.l.mu.Lock()
	gate := c.l.gate
	c.l.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
	}

	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	if c.l.transferErr != nil {
		return Receipt{}, c.l.transferErr
	}
	c.l.transfers++
	c.l.lastTo, c.l.lastUnits, c.l.lastToken = to, units, tokenID
	status := c.l.transferStatus
	if status == "" {
		status = "SUCCESS"
	}
	return Receipt{
		Status:        status,
		TransactionID: fmt.Sprintf("0.0.2@1700000000.%09d", c.l.transfers),
	}, nil
}

func (c *fakeClient) Close() error { return nil }

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// spyStore counts calls reaching the wrapped store. reserveErr and commitErr,
// when set, replace the wrapped result.
type spyStore struct {
	Store
	mu         sync.Mutex
	calls      int
	reserveErr error
	commitErr  error
}

func (s *spyStore) touched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *spyStore) hit() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *spyStore) Reserve(ctx context.Context, kind Kind, key string, now time.Time, window time.Duration) (Reservation, error) {
	s.hit()
	if s.reserveErr != nil {
		return Reservation{}, s.reserveErr
	}
	return s.Store.Reserve(ctx, kind, key, now, window)
}

func (s *spyStore) Commit(ctx context.Context, r Reservation, at time.Time, window time.Duration) error {
	s.hit()
	if s.commitErr != nil {
		return s.commitErr
	}
	return s.Store.Commit(ctx, r, at, window)
}

func (s *spyStore) Release(ctx context.Context, r Reservation) error {
	s.hit()
	return s.Store.Release(ctx, r)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testToken = "0.0.8198347"

type testFaucet struct {
	claimer *claimer
	ledger  *fakeLedger
	store   *memoryStore
	spy     *spyStore
	clock   *fakeClock
}

// newTestFaucet wires a strict token faucet over a memory store; mutate
// cfg to vary it.
func newTestFaucet(t *testing.T, mutate func(*claimerConfig)) *testFaucet {
	t.Helper()
	ledger := &fakeLedger{}
	store := newMemoryStore(2 * time.Minute)
	spy := &spyStore{Store: store}
	clock := newFakeClock()
	cfg := claimerConfig{
		Factory:       ledger,
		Limiter:       newLimiter(spy, 24*time.Hour, discardLogger()),
		Asset:         Asset{TokenID: testToken, Units: 10},
		StrictAddress: true,
		LedgerTimeout: time.Second,
		Now:           clock.Now,
		Log:           discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testFaucet{
		claimer: newClaimer(cfg),
		ledger:  ledger,
		store:   store,
		spy:     spy,
		clock:   clock,
	}
}
