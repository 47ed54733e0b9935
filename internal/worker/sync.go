package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tetris-versus/match-server/internal/config"
	"github.com/tetris-versus/match-server/internal/postgres"
	redisstore "github.com/tetris-versus/match-server/internal/redis"
)

// RankingSyncWorker periodically rebuilds the Redis ranking cache from
// PostgreSQL. The database is the source of truth; the cache only serves
// reads and can drift when settlement events are dropped.
type RankingSyncWorker struct {
	rankings *redisstore.RankingStore
	postgres *postgres.Repository
	variants []int
	config   *config.RankingConfig
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewRankingSyncWorker creates a new ranking sync worker
func NewRankingSyncWorker(
	rankings *redisstore.RankingStore,
	pg *postgres.Repository,
	variants []int,
	cfg *config.RankingConfig,
	logger *slog.Logger,
) *RankingSyncWorker {
	return &RankingSyncWorker{
		rankings: rankings,
		postgres: pg,
		variants: variants,
		config:   cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *RankingSyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("ranking sync worker started", "interval", w.config.SyncInterval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *RankingSyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("ranking sync worker stopped")
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *RankingSyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// run is the main worker loop
func (w *RankingSyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.syncAll(ctx)
		}
	}
}

// syncAll refreshes the ranking cache for every variant
func (w *RankingSyncWorker) syncAll(ctx context.Context) {
	startTime := time.Now()
	syncedCount := 0
	errorCount := 0

	for _, variantID := range w.variants {
		if err := w.SeedVariant(ctx, variantID); err != nil {
			w.logger.Error("failed to sync variant ranking",
				"variant_id", variantID,
				"error", err,
			)
			errorCount++
		} else {
			syncedCount++
		}
	}

	w.logger.Info("ranking sync cycle completed",
		"duration", time.Since(startTime),
		"synced", syncedCount,
		"errors", errorCount,
	)
}

// SeedVariant loads one variant's ratings from PostgreSQL into the cache
func (w *RankingSyncWorker) SeedVariant(ctx context.Context, variantID int) error {
	ratings, err := w.postgres.AllRatings(ctx, variantID)
	if err != nil {
		return err
	}

	if len(ratings) == 0 {
		w.logger.Debug("no ratings to seed", "variant_id", variantID)
		return nil
	}

	if err := w.rankings.BatchSet(ctx, variantID, ratings); err != nil {
		return err
	}

	w.logger.Debug("seeded variant ranking",
		"variant_id", variantID,
		"player_count", len(ratings),
	)
	return nil
}

// SeedFromDatabase fills the ranking cache for every variant. Called once at
// startup so rankings are servable before the first sync cycle.
func (w *RankingSyncWorker) SeedFromDatabase(ctx context.Context) error {
	w.logger.Info("seeding ranking cache from database")

	for _, variantID := range w.variants {
		if err := w.SeedVariant(ctx, variantID); err != nil {
			w.logger.Error("failed to seed variant ranking",
				"variant_id", variantID,
				"error", err,
			)
			// Continue with other variants
		}
	}

	return nil
}
