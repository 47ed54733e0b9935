package domain

import "time"

// DefaultRating is the rating assigned to a user/variant pair that has never
// played a rated game.
const DefaultRating = 1200

// QueueEntry is one waiting player inside a variant's matchmaking pool.
type QueueEntry struct {
	UserID     string    `json:"user_id"`
	VariantID  int       `json:"variant_id"`
	Rating     int       `json:"rating"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// GameStatus is the durable lifecycle state of a game record.
type GameStatus string

const (
	GameInProgress GameStatus = "in_progress"
	GameFinished   GameStatus = "finished"
	GameAborted    GameStatus = "aborted"
)

// Settlement carries everything needed to durably commit one game result:
// the winner/loser identities and the server-computed rating transition.
type Settlement struct {
	GameID    string
	VariantID int
	WinnerID  string
	LoserID   string
	WinnerOld int
	WinnerNew int
	LoserOld  int
	LoserNew  int
	EndedAt   time.Time
}

// RankingEntry is a single row of a variant's rating ranking.
type RankingEntry struct {
	Rank   int64  `json:"rank"`
	UserID string `json:"user_id"`
	Rating int    `json:"rating"`
}

// SettlementEvent is the message published to the results topic after a game
// has been durably settled. Consumers feed the live ranking cache from it.
type SettlementEvent struct {
	GameID       string    `json:"game_id"`
	VariantID    int       `json:"variant_id"`
	WinnerID     string    `json:"winner_id"`
	LoserID      string    `json:"loser_id"`
	WinnerRating int       `json:"winner_rating"`
	LoserRating  int       `json:"loser_rating"`
	EndedAt      time.Time `json:"ended_at"`
}
