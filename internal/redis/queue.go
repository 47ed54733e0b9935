package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tetris-versus/match-server/internal/domain"
)

// QueueStore holds the per-variant matchmaking pools. Each pool is a sorted
// set keyed by the player's rating, so a scan pass reads candidates in skill
// order and neighbors in the set are the closest possible pairings.
type QueueStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewQueueStore creates a new queue store
func NewQueueStore(client *redis.Client, logger *slog.Logger) *QueueStore {
	return &QueueStore{
		client: client,
		logger: logger,
	}
}

// queueKey returns the Redis key for a variant's waiting pool
func (s *QueueStore) queueKey(variantID int) string {
	return fmt.Sprintf("matchmaking:queue:variant:%d", variantID)
}

// Add inserts a user keyed by rating. Returns false when the user already has
// an entry for this variant; the existing entry is left untouched.
func (s *QueueStore) Add(ctx context.Context, variantID int, userID string, ratingScore int) (bool, error) {
	key := s.queueKey(variantID)
	added, err := s.client.ZAddNX(ctx, key, redis.Z{
		Score:  float64(ratingScore),
		Member: userID,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("adding queue entry: %w", err)
	}
	return added == 1, nil
}

// Remove deletes a user's entry. Returns false when no entry existed.
func (s *QueueStore) Remove(ctx context.Context, variantID int, userID string) (bool, error) {
	key := s.queueKey(variantID)
	removed, err := s.client.ZRem(ctx, key, userID).Result()
	if err != nil {
		return false, fmt.Errorf("removing queue entry: %w", err)
	}
	return removed == 1, nil
}

// RemoveMatched deletes all consumed entries of one scan pass in a single
// round trip.
func (s *QueueStore) RemoveMatched(ctx context.Context, variantID int, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	key := s.queueKey(variantID)
	if err := s.client.ZRem(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("removing matched entries: %w", err)
	}
	return nil
}

// Entries returns the whole waiting pool in ascending rating order.
func (s *QueueStore) Entries(ctx context.Context, variantID int) ([]domain.QueueEntry, error) {
	key := s.queueKey(variantID)
	results, err := s.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}

	entries := make([]domain.QueueEntry, len(results))
	now := time.Now()
	for i, result := range results {
		entries[i] = domain.QueueEntry{
			UserID:     result.Member.(string),
			VariantID:  variantID,
			Rating:     int(result.Score),
			EnqueuedAt: now,
		}
	}
	return entries, nil
}

// Restore puts an entry back after a downstream pairing failure, keeping its
// original rating score.
func (s *QueueStore) Restore(ctx context.Context, entry domain.QueueEntry) error {
	key := s.queueKey(entry.VariantID)
	err := s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(entry.Rating),
		Member: entry.UserID,
	}).Err()
	if err != nil {
		return fmt.Errorf("restoring queue entry: %w", err)
	}
	return nil
}

// Contains reports whether a user currently has an entry for the variant.
func (s *QueueStore) Contains(ctx context.Context, variantID int, userID string) (bool, error) {
	key := s.queueKey(variantID)
	_, err := s.client.ZScore(ctx, key, userID).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("checking queue entry: %w", err)
	}
	return true, nil
}
