package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Hour), mr
}

func TestAllowDrainsCapacityThenRejects(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 3, 0)

	for i := 0; i < 3; i++ {
		allowed, _, err := bucket.Allow(ctx, "client-a")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d rejected inside capacity", i)
		}
	}

	allowed, tokens, err := bucket.Allow(ctx, "client-a")
	if err != nil {
		t.Fatalf("allow over capacity: %v", err)
	}
	if allowed {
		t.Fatal("request over capacity was allowed")
	}
	if tokens >= 1 {
		t.Fatalf("tokens %f after drain, want < 1", tokens)
	}
}

func TestAllowIsolatesClients(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 1, 0)

	if allowed, _, _ := bucket.Allow(ctx, "client-a"); !allowed {
		t.Fatal("first request for client-a rejected")
	}
	if allowed, _, _ := bucket.Allow(ctx, "client-a"); allowed {
		t.Fatal("client-a should be drained")
	}
	if allowed, _, _ := bucket.Allow(ctx, "client-b"); !allowed {
		t.Fatal("client-b must have its own bucket")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 1, 1000)

	if allowed, _, _ := bucket.Allow(ctx, "client-a"); !allowed {
		t.Fatal("first request rejected")
	}
	if allowed, _, _ := bucket.Allow(ctx, "client-a"); allowed {
		t.Fatal("bucket should be empty immediately after drain")
	}

	// 1000 tokens/s refills a single-token bucket within a few ms of
	// wall clock, which the script measures itself.
	time.Sleep(20 * time.Millisecond)
	if allowed, _, _ := bucket.Allow(ctx, "client-a"); !allowed {
		t.Fatal("bucket did not refill")
	}
}
