package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestIdempotency(t *testing.T) (*IdempotencyService, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}
	svc := NewIdempotencyService(client, zap.NewNop())

	return svc, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotency_CheckMissingKey(t *testing.T) {
	svc, _, cleanup := setupTestIdempotency(t)
	defer cleanup()

	result, err := svc.Check(context.Background(), "org-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for missing key, got %+v", result)
	}
}

func TestIdempotency_StoreAndCheck(t *testing.T) {
	svc, _, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()
	stored := &IdempotencyResult{
		NotificationIDs: []string{"a", "b"},
		StatusCode:      201,
	}

	if err := svc.Store(ctx, "org-1", "key-1", stored); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.Check(ctx, "org-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if len(result.NotificationIDs) != 2 || result.NotificationIDs[0] != "a" {
		t.Errorf("unexpected cached IDs: %v", result.NotificationIDs)
	}
	if result.StatusCode != 201 {
		t.Errorf("expected status 201, got %d", result.StatusCode)
	}
	if result.CreatedAt == 0 {
		t.Error("store should backfill CreatedAt")
	}
}

func TestIdempotency_InFlightKeyIsDuplicate(t *testing.T) {
	svc, _, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()

	reserved, err := svc.Reserve(ctx, "org-1", "key-1")
	if err != nil || !reserved {
		t.Fatalf("first reserve should succeed, got (%v, %v)", reserved, err)
	}

	_, err = svc.Check(ctx, "org-1", "key-1")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest for in-flight key, got %v", err)
	}
}

func TestIdempotency_CheckOrReserve(t *testing.T) {
	svc, _, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()

	// First caller reserves.
	result, err := svc.CheckOrReserve(ctx, "org-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected reservation, got cached result %+v", result)
	}

	// Concurrent caller collides with the in-flight request.
	_, err = svc.CheckOrReserve(ctx, "org-1", "key-1")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}

	// After the result is stored, the same key replays it.
	if err := svc.Store(ctx, "org-1", "key-1", &IdempotencyResult{NotificationIDs: []string{"x"}, StatusCode: 201}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	result, err = svc.CheckOrReserve(ctx, "org-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || len(result.NotificationIDs) != 1 {
		t.Fatalf("expected replayed result, got %+v", result)
	}
}

func TestIdempotency_KeysAreOrgScoped(t *testing.T) {
	svc, _, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()

	if err := svc.Store(ctx, "org-1", "shared-key", &IdempotencyResult{StatusCode: 201}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	// The same key under another organization is fresh.
	result, err := svc.Check(ctx, "org-2", "shared-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatal("organizations must not share idempotency keys")
	}
}

func TestIdempotency_ProcessingMarkerExpires(t *testing.T) {
	svc, mr, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()

	if reserved, _ := svc.Reserve(ctx, "org-1", "key-1"); !reserved {
		t.Fatal("reserve should succeed")
	}

	// A crashed producer's lock expires rather than wedging the key.
	mr.FastForward(processingTTL + 1)

	reserved, err := svc.Reserve(ctx, "org-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reserved {
		t.Fatal("expired lock should be reservable again")
	}
}
