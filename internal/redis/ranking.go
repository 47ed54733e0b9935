package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/tetris-versus/match-server/internal/domain"
)

// RankingStore is the live rating ranking per variant, kept in a sorted set
// so the rankings API never touches PostgreSQL on the read path.
type RankingStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRankingStore creates a new ranking store
func NewRankingStore(client *redis.Client, logger *slog.Logger) *RankingStore {
	return &RankingStore{
		client: client,
		logger: logger,
	}
}

// rankingKey returns the Redis key for a variant's ranking sorted set
func (s *RankingStore) rankingKey(variantID int) string {
	return fmt.Sprintf("ranking:variant:%d", variantID)
}

// SetRating writes a player's current rating into the ranking.
func (s *RankingStore) SetRating(ctx context.Context, variantID int, userID string, ratingValue int) error {
	key := s.rankingKey(variantID)
	err := s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(ratingValue),
		Member: userID,
	}).Err()
	if err != nil {
		return fmt.Errorf("setting ranking rating: %w", err)
	}
	return nil
}

// ApplySettlement applies both post-game ratings of one settled game.
func (s *RankingStore) ApplySettlement(ctx context.Context, ev domain.SettlementEvent) error {
	key := s.rankingKey(ev.VariantID)
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ev.WinnerRating), Member: ev.WinnerID})
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ev.LoserRating), Member: ev.LoserID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("applying settlement to ranking: %w", err)
	}
	return nil
}

// TopN returns the highest-rated players in descending order.
func (s *RankingStore) TopN(ctx context.Context, variantID, n int) ([]domain.RankingEntry, error) {
	key := s.rankingKey(variantID)
	results, err := s.client.ZRevRangeWithScores(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}

	entries := make([]domain.RankingEntry, len(results))
	for i, result := range results {
		entries[i] = domain.RankingEntry{
			Rank:   int64(i + 1),
			UserID: result.Member.(string),
			Rating: int(result.Score),
		}
	}
	return entries, nil
}

// PlayerRank returns one player's rank and rating.
func (s *RankingStore) PlayerRank(ctx context.Context, variantID int, userID string) (*domain.RankingEntry, error) {
	key := s.rankingKey(variantID)

	pipe := s.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, key, userID)
	scoreCmd := pipe.ZScore(ctx, key, userID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrPlayerNotRanked
		}
		return nil, fmt.Errorf("getting player rank: %w", err)
	}

	rank, err := rankCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("getting rank result: %w", err)
	}
	score, err := scoreCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("getting score result: %w", err)
	}

	return &domain.RankingEntry{
		Rank:   rank + 1, // Convert 0-indexed to 1-indexed
		UserID: userID,
		Rating: int(score),
	}, nil
}

// Count returns the number of ranked players for a variant.
func (s *RankingStore) Count(ctx context.Context, variantID int) (int64, error) {
	key := s.rankingKey(variantID)
	count, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("getting ranking count: %w", err)
	}
	return count, nil
}

// BatchSet writes many ratings using pipelining, for the reseed worker.
func (s *RankingStore) BatchSet(ctx context.Context, variantID int, ratings map[string]int) error {
	if len(ratings) == 0 {
		return nil
	}
	key := s.rankingKey(variantID)
	pipe := s.client.Pipeline()
	for userID, ratingValue := range ratings {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(ratingValue),
			Member: userID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch setting rankings: %w", err)
	}
	return nil
}
