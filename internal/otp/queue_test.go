package otp

import (
	"context"
	"testing"
	"time"

	"homerbot/internal/clock"
)

func TestMemoryStorePutTake(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk)
	ctx := context.Background()

	if err := s.Put(ctx, "bank:alice", "1234", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	code, ok, err := s.Take(ctx, "bank:alice")
	if err != nil || !ok || code != "1234" {
		t.Fatalf("take = %q/%v/%v, want 1234/true/nil", code, ok, err)
	}

	// Take is consuming: a second take finds nothing.
	if _, ok, _ := s.Take(ctx, "bank:alice"); ok {
		t.Fatal("second take returned a code")
	}
}

func TestMemoryStoreOverwriteOnReArrival(t *testing.T) {
	clk := clock.NewFixed(time.Now())
	s := NewMemoryStore(clk)
	ctx := context.Background()

	if err := s.Put(ctx, "bank:alice", "1111", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "bank:alice", "2222", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	code, ok, _ := s.Take(ctx, "bank:alice")
	if !ok || code != "2222" {
		t.Fatalf("take = %q/%v, want the newest code 2222", code, ok)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk)
	ctx := context.Background()

	if err := s.Put(ctx, "bank:alice", "1234", 5*time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	clk.Advance(5 * time.Minute)

	if _, ok, _ := s.Take(ctx, "bank:alice"); ok {
		t.Fatal("expired entry delivered")
	}
	if s.Len() != 0 {
		t.Fatal("expired entry not dropped on take")
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk)
	ctx := context.Background()

	_ = s.Put(ctx, "a", "1111", time.Minute)
	_ = s.Put(ctx, "b", "2222", 10*time.Minute)
	clk.Advance(2 * time.Minute)

	removed, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if code, ok, _ := s.Take(ctx, "b"); !ok || code != "2222" {
		t.Fatal("live entry lost in sweep")
	}
}

func TestMemoryStoreDefaultTTL(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk)
	ctx := context.Background()

	_ = s.Put(ctx, "a", "1234", 0) // 0 means DefaultTTL
	clk.Advance(DefaultTTL - time.Second)
	if _, ok, _ := s.Take(ctx, "a"); !ok {
		t.Fatal("entry expired before DefaultTTL")
	}
}
