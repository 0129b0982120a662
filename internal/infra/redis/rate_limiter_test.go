//go:build !integration

package redis

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeCounter struct {
	counts  map[string]int64
	expires map[string]time.Duration
	err     error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (f *fakeCounter) Ping(ctx context.Context) error { return nil }
func (f *fakeCounter) Close() error { return nil }

func (f *fakeCounter) Incr(ctx context.Context, key string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeCounter) Expire(ctx context.Context, key string, expiration time.Duration) error {
	f.expires[key] = expiration
	return nil
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	fc := newFakeCounter()
	rl := NewRateLimiter(fc)
	ctx := context.Background()
	key := OwnerCommandKey("owner-1", "reprocess")

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key, 3, time.Minute)
		if err != nil || !ok {
			t.Fatalf("call %d should be allowed: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := rl.Allow(ctx, key, 3, time.Minute)
	if err != nil || ok {
		t.Fatalf("4th call should be rejected: ok=%v err=%v", ok, err)
	}
	if fc.expires[key] != time.Minute {
		t.Errorf("window expiry not set on first hit: %v", fc.expires[key])
	}

	other := OwnerCommandKey("owner-2", "reprocess")
	if ok, _ := rl.Allow(ctx, other, 3, time.Minute); !ok {
		t.Errorf("owners must not share a window")
	}
}

func TestRateLimiter_PropagatesBackendErrors(t *testing.T) {
	fc := newFakeCounter()
	fc.err = errors.New("redis down")
	rl := NewRateLimiter(fc)
	if _, err := rl.Allow(context.Background(), "k", 1, time.Second); err == nil {
		t.Fatal("expected backend error")
	}
}
