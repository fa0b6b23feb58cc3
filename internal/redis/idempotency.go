package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long client-provided Submit idempotency keys are
	// retained. The client controls uniqueness, so a long window gives
	// explicit dedup control across producer restarts.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while a Submit is in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates an idempotency key collision with an in-flight
// Submit.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult stores the cached outcome of an idempotent Submit.
type IdempotencyResult struct {
	NotificationIDs []string `json:"notification_ids"`
	StatusCode      int      `json:"status_code"`
	CreatedAt       int64    `json:"created_at"`
}

// IdempotencyService provides Submit idempotency guarantees using Redis.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(orgID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", orgID, idempotencyKey)
}

// Check retrieves a cached result for an idempotency key. Returns (nil, nil)
// if the key doesn't exist, (result, nil) if found, or ErrDuplicateRequest if
// the key is currently being processed.
func (s *IdempotencyService) Check(ctx context.Context, orgID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(orgID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("organization_id", orgID),
		zap.Int("notification_ids", len(result.NotificationIDs)),
	)

	return &result, nil
}

// Store saves the result of a successfully processed Submit.
func (s *IdempotencyService) Store(ctx context.Context, orgID, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(orgID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires an idempotency lock using SET NX. Returns true if the lock
// was acquired, false if the key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, orgID, idempotencyKey string) (bool, error) {
	key := s.buildKey(orgID, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// CheckOrReserve atomically checks for an existing result or reserves the key.
// Returns the cached result if found, nil if reserved successfully.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, orgID, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, orgID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, orgID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
