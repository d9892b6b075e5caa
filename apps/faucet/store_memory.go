package main

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const memoryShards = 64

type memoryRecord struct {
	at    time.Time
	token string // non-empty while a claim is in flight
}

type memoryShard struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

// memoryStore is the process-local cooldown store. Keys are spread over
// shards by xxhash so unrelated claims rarely share a lock.
type memoryStore struct {
	shards         []*memoryShard
	reservationTTL time.Duration
}

func newMemoryStore(reservationTTL time.Duration) *memoryStore {
	s := &memoryStore{
		shards:         make([]*memoryShard, memoryShards),
		reservationTTL: reservationTTL,
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{records: make(map[string]memoryRecord)}
	}
	return s
}

func memoryKey(kind Kind, key string) string {
	return string(kind) + ":" + key
}

func (s *memoryStore) shard(k string) *memoryShard {
	return s.shards[xxhash.Sum64String(k)%uint64(len(s.shards))]
}

func (s *memoryStore) Reserve(_ context.Context, kind Kind, key string, now time.Time, window time.Duration) (Reservation, error) {
	k := memoryKey(kind, key)
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if rec, ok := sh.records[k]; ok && s.live(rec, now, window) {
		return Reservation{}, &CooldownError{Kind: kind, Key: key, Since: rec.at, Pending: rec.token != ""}
	}
	token := uuid.NewString()
	sh.records[k] = memoryRecord{at: now, token: token}
	return Reservation{Kind: kind, Key: key, Token: token}, nil
}

func (s *memoryStore) Commit(_ context.Context, r Reservation, at time.Time, _ time.Duration) error {
	k := memoryKey(r.Kind, r.Key)
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.records[k] = memoryRecord{at: at}
	return nil
}

// Release deletes the record only if it still carries r's token. Any record
// it replaced had already expired, so deleting restores eligibility.
func (s *memoryStore) Release(_ context.Context, r Reservation) error {
	k := memoryKey(r.Kind, r.Key)
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if rec, ok := sh.records[k]; ok && rec.token == r.Token {
		delete(sh.records, k)
	}
	return nil
}

// Prune evicts records that no longer block anything.
func (s *memoryStore) Prune(_ context.Context, now time.Time, window time.Duration) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, rec := range sh.records {
			if !s.live(rec, now, window) {
				delete(sh.records, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of records held, pending ones included.
func (s *memoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

func (s *memoryStore) live(rec memoryRecord, now time.Time, window time.Duration) bool {
	if rec.token != "" {
		return now.Sub(rec.at) < s.reservationTTL
	}
	return now.Sub(rec.at) < window
}
