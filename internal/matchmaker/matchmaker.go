package matchmaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tetris-versus/match-server/internal/config"
	"github.com/tetris-versus/match-server/internal/domain"
	redisstore "github.com/tetris-versus/match-server/internal/redis"
)

// Presence reports whether a player currently holds a live connection
type Presence interface {
	IsOnline(userID string) bool
}

// Notifier pushes an event to a player's connection
type Notifier interface {
	Deliver(userID, event string, payload any) bool
}

// RatingSource loads the current persisted rating for a player
type RatingSource interface {
	GetRating(ctx context.Context, userID string, variantID int) (int, error)
}

// Pairer opens a live session for two matched players
type Pairer interface {
	CreateRoom(ctx context.Context, variantID int, a, b domain.QueueEntry) error
}

// Matchmaker scans the rating-sorted queues and pairs compatible players
type Matchmaker struct {
	queue    *redisstore.QueueStore
	presence Presence
	notifier Notifier
	ratings  RatingSource
	pairer   Pairer
	cfg      *config.MatchmakingConfig
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMatchmaker creates a matchmaker over the given queue store
func NewMatchmaker(
	queue *redisstore.QueueStore,
	presence Presence,
	notifier Notifier,
	ratings RatingSource,
	pairer Pairer,
	cfg *config.MatchmakingConfig,
	logger *slog.Logger,
) *Matchmaker {
	return &Matchmaker{
		queue:    queue,
		presence: presence,
		notifier: notifier,
		ratings:  ratings,
		pairer:   pairer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start begins the periodic queue scan
func (m *Matchmaker) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.logger.Warn("matchmaker already running")
		return
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run()

	m.logger.Info("matchmaker started",
		"interval", m.cfg.Interval,
		"rating_threshold", m.cfg.RatingThreshold,
		"variants", m.cfg.Variants,
	)
}

// Stop halts the periodic scan and waits for the current pass to finish
func (m *Matchmaker) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	<-m.doneCh
	m.logger.Info("matchmaker stopped")
}

func (m *Matchmaker) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

func (m *Matchmaker) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Interval)
	defer cancel()

	for _, variantID := range m.cfg.Variants {
		if err := m.ScanVariant(ctx, variantID); err != nil {
			m.logger.Error("queue scan failed", "variant_id", variantID, "error", err)
		}
	}
}

// Enqueue adds a player to the matchmaking queue for one variant
func (m *Matchmaker) Enqueue(ctx context.Context, userID string, variantID int) error {
	rating, err := m.ratings.GetRating(ctx, userID, variantID)
	if err != nil {
		return err
	}

	added, err := m.queue.Add(ctx, variantID, userID, rating)
	if err != nil {
		return err
	}
	if !added {
		return domain.ErrAlreadyQueued
	}

	m.logger.Info("player queued", "user_id", userID, "variant_id", variantID, "rating", rating)
	m.notifier.Deliver(userID, domain.EventQueueWaiting, domain.QueueWaitingPayload{VariantID: variantID, Rating: rating})
	return nil
}

// Cancel removes a player from the queue for one variant
func (m *Matchmaker) Cancel(ctx context.Context, userID string, variantID int) error {
	removed, err := m.queue.Remove(ctx, variantID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return domain.ErrNotQueued
	}

	m.logger.Info("player dequeued", "user_id", userID, "variant_id", variantID)
	return nil
}

// CancelAll silently removes a player from every variant queue. Used on
// disconnect, where a missing entry is not an error.
func (m *Matchmaker) CancelAll(ctx context.Context, userID string) {
	for _, variantID := range m.cfg.Variants {
		removed, err := m.queue.Remove(ctx, variantID, userID)
		if err != nil {
			m.logger.Error("dequeue on disconnect failed",
				"user_id", userID,
				"variant_id", variantID,
				"error", err,
			)
			continue
		}
		if removed {
			m.logger.Info("player dequeued on disconnect", "user_id", userID, "variant_id", variantID)
		}
	}
}

// ScanVariant runs one matching pass over a single variant queue. Entries
// arrive sorted by rating ascending, so the inner search can stop as soon
// as the rating gap exceeds the threshold.
func (m *Matchmaker) ScanVariant(ctx context.Context, variantID int) error {
	entries, err := m.queue.Entries(ctx, variantID)
	if err != nil {
		return err
	}
	if len(entries) < 2 {
		return nil
	}

	matched := make(map[string]bool)
	var pairs [][2]domain.QueueEntry

	for i := 0; i < len(entries); i++ {
		a := entries[i]
		if matched[a.UserID] {
			continue
		}
		if !m.presence.IsOnline(a.UserID) {
			// Stale entry left by a dead connection, skip silently
			continue
		}

		for j := i + 1; j < len(entries); j++ {
			b := entries[j]
			if b.Rating-a.Rating > m.cfg.RatingThreshold {
				break
			}
			if matched[b.UserID] || !m.presence.IsOnline(b.UserID) {
				continue
			}

			matched[a.UserID] = true
			matched[b.UserID] = true
			pairs = append(pairs, [2]domain.QueueEntry{a, b})
			break
		}
	}

	if len(pairs) == 0 {
		return nil
	}

	userIDs := make([]string, 0, len(matched))
	for userID := range matched {
		userIDs = append(userIDs, userID)
	}
	if err := m.queue.RemoveMatched(ctx, variantID, userIDs); err != nil {
		return err
	}

	for _, pair := range pairs {
		if err := m.pairer.CreateRoom(ctx, variantID, pair[0], pair[1]); err != nil {
			m.logger.Error("room creation failed",
				"variant_id", variantID,
				"user_a", pair[0].UserID,
				"user_b", pair[1].UserID,
				"error", err,
			)
			// Put both players back so the next pass can retry
			m.requeue(ctx, pair[0])
			m.requeue(ctx, pair[1])
			continue
		}

		m.logger.Info("players matched",
			"variant_id", variantID,
			"user_a", pair[0].UserID,
			"user_b", pair[1].UserID,
			"rating_gap", pair[1].Rating-pair[0].Rating,
		)
	}

	return nil
}

func (m *Matchmaker) requeue(ctx context.Context, entry domain.QueueEntry) {
	if err := m.queue.Restore(ctx, entry); err != nil {
		m.logger.Error("requeue failed", "user_id", entry.UserID, "error", err)
	}
}
