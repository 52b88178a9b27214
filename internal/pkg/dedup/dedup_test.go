package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestDeduplicator_ClaimRelease(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})

	d := NewDeduplicator(rdb, time.Minute)
	ctx := context.Background()

	ok, err := d.Claim(ctx, 42)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !ok {
		t.Fatalf("expected first claim to succeed")
	}

	ok, err = d.Claim(ctx, 42)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("expected second claim to be rejected")
	}

	if ttl := s.TTL(claimKey(42)); ttl != time.Minute {
		t.Fatalf("expected ttl 1m, got %v", ttl)
	}

	if err := d.Release(ctx, 42); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = d.Claim(ctx, 42)
	if err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	if !ok {
		t.Fatalf("expected claim after release to succeed")
	}
}

func TestDeduplicator_Nil(t *testing.T) {
	var d *Deduplicator
	ok, err := d.Claim(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("nil deduplicator should always grant claims, got %v %v", ok, err)
	}
	if err := d.Release(context.Background(), 1); err != nil {
		t.Fatalf("nil release: %v", err)
	}
}
