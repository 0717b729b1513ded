// Package clock provides injectable time and randomness sources.
//
// Every service that reads the wall clock or rolls dice takes these
// interfaces instead of calling time.Now / math/rand directly, so tests
// can pin "now" and make jitter deterministic.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Clock is a minimal time source.
type Clock interface {
	Now() time.Time
}

// Rand yields uniform random integers in [0, n).
type Rand interface {
	Intn(n int) int
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the real wall clock.
func System() Clock { return systemClock{} }

type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

// NewRand returns a seeded Rand that is safe for concurrent use.
func NewRand(seed int64) Rand {
	return &lockedRand{rng: rand.New(rand.NewSource(seed))}
}

// NewSystemRand returns a Rand seeded from the wall clock.
func NewSystemRand() Rand {
	return NewRand(time.Now().UnixNano())
}

// Fixed is a Clock pinned to a single instant. Tests can advance it.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixed(t time.Time) *Fixed { return &Fixed{t: t} }

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Set pins the clock to a new instant.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}
