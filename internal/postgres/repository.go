package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tetris-versus/match-server/internal/config"
	"github.com/tetris-versus/match-server/internal/domain"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS game_variants (
			variant_id INT PRIMARY KEY,
			name VARCHAR(50) UNIQUE NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS player_ratings (
			rating_id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			variant_id INT NOT NULL REFERENCES game_variants(variant_id) ON DELETE CASCADE,
			rating INT NOT NULL DEFAULT 1200,
			updated_at TIMESTAMPTZ DEFAULT now() NOT NULL,
			UNIQUE (user_id, variant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS games (
			game_id VARCHAR(36) PRIMARY KEY,
			variant_id INT NOT NULL REFERENCES game_variants(variant_id),
			status VARCHAR(20) NOT NULL,
			winner_user_id VARCHAR(64),
			started_at TIMESTAMPTZ DEFAULT now() NOT NULL,
			ended_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS game_participants (
			participant_id BIGSERIAL PRIMARY KEY,
			game_id VARCHAR(36) NOT NULL REFERENCES games(game_id) ON DELETE CASCADE,
			user_id VARCHAR(64) NOT NULL,
			initial_rating INT NOT NULL,
			final_rating INT,
			UNIQUE (game_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_player_ratings_rank ON player_ratings(variant_id, rating DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_game_participants_user ON game_participants(user_id)`,
		`INSERT INTO game_variants (variant_id, name, description)
			VALUES (1, 'tetris', 'Two-player versus tetris')
			ON CONFLICT (variant_id) DO NOTHING`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// GetRating returns a user's current rating for a variant. Users without a
// rating row default to domain.DefaultRating.
func (r *Repository) GetRating(ctx context.Context, userID string, variantID int) (int, error) {
	query := `SELECT rating FROM player_ratings WHERE user_id = $1 AND variant_id = $2`
	var ratingValue int
	err := r.pool.QueryRow(ctx, query, userID, variantID).Scan(&ratingValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DefaultRating, nil
		}
		return 0, fmt.Errorf("getting rating: %w", err)
	}
	return ratingValue, nil
}

// CreateGame records a freshly formed room: one games row in in_progress
// status plus both participant rows with their ratings at formation time.
// Everything happens in one transaction so a half-created game never exists.
func (r *Repository) CreateGame(ctx context.Context, gameID string, variantID int, players [2]string, ratings [2]int, startedAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO games (game_id, variant_id, status, started_at) VALUES ($1, $2, $3, $4)`,
		gameID, variantID, string(domain.GameInProgress), startedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting game: %w", err)
	}

	for i, userID := range players {
		_, err = tx.Exec(ctx,
			`INSERT INTO game_participants (game_id, user_id, initial_rating) VALUES ($1, $2, $3)`,
			gameID, userID, ratings[i],
		)
		if err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing game creation: %w", err)
	}
	return nil
}

// AbortGame marks a game that was torn down before play started. Only an
// in_progress game can be aborted; anything else is a no-op.
func (r *Repository) AbortGame(ctx context.Context, gameID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE games SET status = $1, ended_at = now() WHERE game_id = $2 AND status = $3`,
		string(domain.GameAborted), gameID, string(domain.GameInProgress),
	)
	if err != nil {
		return fmt.Errorf("aborting game: %w", err)
	}
	return nil
}

// SettleGame durably commits one game result: the games row flips to
// finished, both ratings are upserted and both participant rows receive
// their final rating, all in one transaction. The status guard on the games
// update makes settlement exactly-once even across processes; a second
// attempt returns domain.ErrGameAlreadySettled.
func (r *Repository) SettleGame(ctx context.Context, st domain.Settlement) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE games SET status = $1, winner_user_id = $2, ended_at = $3
		 WHERE game_id = $4 AND status = $5`,
		string(domain.GameFinished), st.WinnerID, st.EndedAt, st.GameID, string(domain.GameInProgress),
	)
	if err != nil {
		return fmt.Errorf("finishing game: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrGameAlreadySettled
	}

	upsert := `
		INSERT INTO player_ratings (user_id, variant_id, rating, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, variant_id)
		DO UPDATE SET rating = EXCLUDED.rating, updated_at = now()
	`
	if _, err := tx.Exec(ctx, upsert, st.WinnerID, st.VariantID, st.WinnerNew); err != nil {
		return fmt.Errorf("upserting winner rating: %w", err)
	}
	if _, err := tx.Exec(ctx, upsert, st.LoserID, st.VariantID, st.LoserNew); err != nil {
		return fmt.Errorf("upserting loser rating: %w", err)
	}

	final := `UPDATE game_participants SET final_rating = $1 WHERE game_id = $2 AND user_id = $3`
	if _, err := tx.Exec(ctx, final, st.WinnerNew, st.GameID, st.WinnerID); err != nil {
		return fmt.Errorf("updating winner participant: %w", err)
	}
	if _, err := tx.Exec(ctx, final, st.LoserNew, st.GameID, st.LoserID); err != nil {
		return fmt.Errorf("updating loser participant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing settlement: %w", err)
	}
	return nil
}

// AllRatings returns every rating of a variant, used to reseed the ranking
// cache after a restart.
func (r *Repository) AllRatings(ctx context.Context, variantID int) (map[string]int, error) {
	query := `SELECT user_id, rating FROM player_ratings WHERE variant_id = $1`
	rows, err := r.pool.Query(ctx, query, variantID)
	if err != nil {
		return nil, fmt.Errorf("getting all ratings: %w", err)
	}
	defer rows.Close()

	ratings := make(map[string]int)
	for rows.Next() {
		var userID string
		var ratingValue int
		if err := rows.Scan(&userID, &ratingValue); err != nil {
			return nil, fmt.Errorf("scanning rating: %w", err)
		}
		ratings[userID] = ratingValue
	}
	return ratings, rows.Err()
}
