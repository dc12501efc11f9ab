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
	// IdempotencyTTL is how long a completed claim result is replayed for a
	// repeated Idempotency-Key. The key is client-chosen, so the window is
	// long enough to cover mobile clients retrying across reconnects.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the reservation held while the first request with
	// a key is still in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means a request with the same idempotency key is still
// being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already in flight")

// ClaimResult is the cached outcome of a slot claim, replayed verbatim when
// the same key arrives again.
type ClaimResult struct {
	Position   int    `json:"position"`
	LeaseID    string `json:"lease_id"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyService deduplicates slot-claim requests by user and
// Idempotency-Key. A retried claim must not grab a second position or
// surface a spurious conflict, so the first attempt's result is cached and
// replayed.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(userID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", userID, idempotencyKey)
}

// Check retrieves a cached claim result. Returns (nil, nil) when the key is
// unknown, and ErrDuplicateRequest when the original request is still being
// processed.
func (s *IdempotencyService) Check(ctx context.Context, userID, idempotencyKey string) (*ClaimResult, error) {
	key := s.buildKey(userID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result ClaimResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal cached claim result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("user_id", userID),
		zap.Int("position", result.Position),
	)

	return &result, nil
}

// Store saves the outcome of a processed claim, replacing the processing
// reservation.
func (s *IdempotencyService) Store(ctx context.Context, userID, idempotencyKey string, result *ClaimResult) error {
	key := s.buildKey(userID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal claim result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires the key with SET NX. Returns false when another request
// already holds it.
func (s *IdempotencyService) Reserve(ctx context.Context, userID, idempotencyKey string) (bool, error) {
	key := s.buildKey(userID, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// Release drops the reservation so a retry with the same key re-executes.
// Callers release after a claim attempt that produced no replayable result;
// leaving the marker in place would reject retries for the rest of
// processingTTL.
func (s *IdempotencyService) Release(ctx context.Context, userID, idempotencyKey string) error {
	key := s.buildKey(userID, idempotencyKey)

	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}

	return nil
}

// CheckOrReserve returns the cached result when the key completed before,
// reserves it when fresh, and reports ErrDuplicateRequest when a concurrent
// request holds it.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, userID, idempotencyKey string) (*ClaimResult, error) {
	result, err := s.Check(ctx, userID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, userID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
