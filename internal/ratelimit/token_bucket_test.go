package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "ds1")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "ds1")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "ds1")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	allowed, _, _ = bucket.Allow(ctx, "ds2")
	if !allowed {
		t.Fatalf("datasets should not share a bucket")
	}
}

func TestTokenBucketTakeAndRefill(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 10, 2)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }

	allowed, left, err := bucket.Take(ctx, "ds1", 8)
	if err != nil || !allowed || left != 2 {
		t.Fatalf("take 8: allowed=%v left=%v err=%v", allowed, left, err)
	}
	if allowed, _, _ := bucket.Take(ctx, "ds1", 3); allowed {
		t.Fatalf("take 3 with 2 left should be rejected")
	}
	if allowed, _, err := bucket.Take(ctx, "ds1", 11); allowed || !errors.Is(err, ErrOverCapacity) {
		t.Fatalf("cost above capacity can never be admitted, got allowed=%v err=%v", allowed, err)
	}

	clock = clock.Add(time.Second)
	allowed, left, _ = bucket.Take(ctx, "ds1", 3)
	if !allowed || left != 1 {
		t.Fatalf("expected refill of 2 tokens, allowed=%v left=%v", allowed, left)
	}
	if !mr.Exists(keyPrefix + "ds1") {
		t.Fatalf("expected bucket key %q", keyPrefix+"ds1")
	}
}

func TestTokenBucketTakeAllChargesAllOrNothing(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 5, 0)

	if rejected, err := bucket.TakeAll(ctx, map[string]int{"ds2": 4}); err != nil || rejected != "" {
		t.Fatalf("take ds2: rejected=%q err=%v", rejected, err)
	}
	rejected, err := bucket.TakeAll(ctx, map[string]int{"ds1": 3, "ds2": 2})
	if err != nil || rejected != "ds2" {
		t.Fatalf("expected ds2 rejected, got %q err=%v", rejected, err)
	}
	// ds1 was not charged by the rejected call
	if allowed, left, _ := bucket.Take(ctx, "ds1", 5); !allowed || left != 0 {
		t.Fatalf("ds1 must keep its full budget, allowed=%v left=%v", allowed, left)
	}

	rejected, err = bucket.TakeAll(ctx, map[string]int{"ds3": 6})
	if !errors.Is(err, ErrOverCapacity) || rejected != "ds3" {
		t.Fatalf("expected ErrOverCapacity for ds3, got %q err=%v", rejected, err)
	}
	if rejected, err := bucket.TakeAll(ctx, nil); err != nil || rejected != "" {
		t.Fatalf("no costs admit trivially, got %q err=%v", rejected, err)
	}
}
