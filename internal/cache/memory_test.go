package cache

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestMemoryStore_TTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(time.Hour, clock)
	defer s.Close()

	ctx := context.Background()
	key := "models"

	if err := s.Set(ctx, key, []byte("hello"), 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, hit, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !hit {
		t.Fatalf("expected hit immediately after Set")
	}
	if string(got) != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}

	clock.Advance(30 * time.Millisecond)

	_, hit, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after TTL failed: %v", err)
	}
	if hit {
		t.Fatalf("expected miss after TTL expiry")
	}
	if s.Len() != 0 {
		t.Fatalf("expected expired item to be dropped, have %d", s.Len())
	}
}

func TestMemoryStore_SetCopiesValue(t *testing.T) {
	s := NewMemoryStore(time.Hour, nil)
	defer s.Close()

	ctx := context.Background()
	buf := []byte("abc")
	if err := s.Set(ctx, "k", buf, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	buf[0] = 'x'

	got, _, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("store must not alias caller buffer, got %q", got)
	}
}

func TestMemoryStore_NonPositiveTTLDeletes(t *testing.T) {
	s := NewMemoryStore(time.Hour, nil)
	defer s.Close()

	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("v"), time.Minute)
	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, hit, _ := s.Get(ctx, "k"); hit {
		t.Fatalf("expected key to be removed by zero ttl")
	}
}
