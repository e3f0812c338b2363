package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLockMutualExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	first := New(client, nil, "dispatch:segment:abc", time.Minute)
	second := New(client, nil, "dispatch:segment:abc", time.Minute)

	ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first Acquire() = %v, %v; want true", ok, err)
	}

	ok, err = second.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire() error: %v", err)
	}
	if ok {
		t.Fatal("second holder acquired a held lock")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("Acquire() after release = %v, %v; want true", ok, err)
	}
}

func TestRedisLockReleaseRequiresOwnership(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	owner := New(client, nil, "dispatch:segment:xyz", time.Minute)
	stranger := New(client, nil, "dispatch:segment:xyz", time.Minute)

	if ok, err := owner.Acquire(ctx); err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v; want true", ok, err)
	}

	// A non-owner release must not free the lock.
	if err := stranger.Release(ctx); err != nil {
		t.Fatalf("stranger Release() error: %v", err)
	}
	if ok, _ := stranger.Acquire(ctx); ok {
		t.Fatal("lock freed by a non-owner release")
	}
}

func TestRedisLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	first := New(client, nil, "dispatch:segment:ttl", time.Second)
	if ok, err := first.Acquire(ctx); err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v; want true", ok, err)
	}

	mr.FastForward(2 * time.Second)

	second := New(client, nil, "dispatch:segment:ttl", time.Second)
	if ok, err := second.Acquire(ctx); err != nil || !ok {
		t.Fatalf("Acquire() after expiry = %v, %v; want true", ok, err)
	}
}
