// Package otp bridges out-of-band one-time passcodes to sessions waiting
// for input.
//
// A Store holds at most one live code per key; re-arrival overwrites. The
// Bridge layers a per-key critical section on top so "take the code and
// hand it to the driver" is atomic against concurrent pollers and repeated
// notifications: a given code reaches at most one driver, once.
package otp

import (
	"context"
	"sync"
	"time"

	"homerbot/internal/clock"
)

// DefaultTTL is how long a queued code stays deliverable.
const DefaultTTL = 5 * time.Minute

// Entry is one pending passcode.
type Entry struct {
	Key        string
	Code       string
	ReceivedAt time.Time
	ExpiresAt  time.Time
}

// Store is the pending-code map. Implementations must make Put and Take
// individually atomic; cross-call atomicity is the Bridge's job.
type Store interface {
	// Put stores or overwrites the live entry for key.
	Put(ctx context.Context, key, code string, ttl time.Duration) error
	// Take removes and returns the live entry for key. Expired entries are
	// treated as absent (and dropped).
	Take(ctx context.Context, key string) (string, bool, error)
	// Sweep drops every expired entry and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{clk: clk, entries: map[string]Entry{}}
}

func (s *MemoryStore) Put(_ context.Context, key, code string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.clk.Now()
	s.mu.Lock()
	s.entries[key] = Entry{
		Key:        key,
		Code:       code,
		ReceivedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Take(_ context.Context, key string) (string, bool, error) {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	delete(s.entries, key)
	if !now.Before(e.ExpiresAt) {
		// Stale entry: gone, not delivered.
		return "", false, nil
	}
	return e.Code, true, nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.ExpiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

// Len reports the number of stored entries, live or not. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
