/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store holds per-key request counters with window expiry.
// It is the only shared mutable state of the admission control and all mutation
// goes through its atomic operations: callers never read-then-write a counter,
// or a race would let more than the allowed number of requests through.
//
// Implementations must not turn quota decisions into errors; any returned error
// means the backend itself failed and is fatal to the request being served.
type Store interface {
	// Increment accounts a request for the key and returns the total number of hits
	// in the current window together with the time until the window resets.
	// If no live record exists for the key, a fresh window of the passed duration
	// is started with the count of 1. The operation is atomic with respect to
	// concurrent callers sharing the same key: two simultaneous increments never
	// observe the same pre-increment count.
	Increment(ctx context.Context, key string, window time.Duration) (totalHits int, untilReset time.Duration, err error)

	// Decrement decrements the counter of the live record for the key if it exists
	// and the count is positive. It is a no-op when the record has expired or is
	// absent, which makes it idempotent against underflow.
	Decrement(ctx context.Context, key string) error

	// Reset deletes the record for the key.
	Reset(ctx context.Context, key string) error
}

type counterRecord struct {
	count       int
	windowStart time.Time
	windowEnd   time.Time
}

// MemoryStore is an in-process Store implementation: a mutex-guarded map of counter records.
// A single mutex is enough here since key cardinality is bounded by the number of distinct clients.
//
// Expired records are treated as absent on access; they are physically removed lazily on
// the next Increment for the same key, or proactively by DeleteExpired/RunPeriodicCleanup.
// Correctness never depends on the proactive cleanup running.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*counterRecord

	timeNow func() time.Time
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*counterRecord),
		timeNow: time.Now,
	}
}

// Increment implements the Store interface.
func (s *MemoryStore) Increment(
	_ context.Context, key string, window time.Duration,
) (totalHits int, untilReset time.Duration, err error) {
	now := s.timeNow()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && now.Before(rec.windowEnd) {
		rec.count++
		return rec.count, rec.windowEnd.Sub(now), nil
	}

	s.records[key] = &counterRecord{count: 1, windowStart: now, windowEnd: now.Add(window)}
	return 1, window, nil
}

// Decrement implements the Store interface.
// The decrement targets whatever live record exists at the moment of the call:
// if the window rolled over since the corresponding Increment, the fresh record
// is decremented; if no live record exists, nothing happens.
func (s *MemoryStore) Decrement(_ context.Context, key string) error {
	now := s.timeNow()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && now.Before(rec.windowEnd) && rec.count > 0 {
		rec.count--
	}
	return nil
}

// Reset implements the Store interface.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Len returns the number of records in the store, including the expired ones
// that have not been cleaned up yet.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// DeleteExpired removes all expired records and returns the number of removed entries.
func (s *MemoryStore) DeleteExpired() int {
	now := s.timeNow()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, rec := range s.records {
		if !now.Before(rec.windowEnd) {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted
}

// RunPeriodicCleanup runs a cycle of periodic removing of expired records to bound memory.
// It's a blocking call and returns when the passed context is canceled.
func (s *MemoryStore) RunPeriodicCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.DeleteExpired()
		}
	}
}
