package domain

import "encoding/json"

// Inbound event names (client -> server over the duplex channel).
const (
	EventJoinQueue     = "join_queue"
	EventCancelQueue   = "cancel_queue"
	EventStateSnapshot = "state_snapshot"
	EventLineClear     = "line_clear"
	EventRequestPieces = "request_pieces"
	EventGameOver      = "game_over"
)

// Outbound event names (server -> client).
const (
	EventQueueWaiting       = "queue_waiting"
	EventRoomStart          = "room_start"
	EventOpponentState      = "opponent_state"
	EventOpponentGarbage    = "opponent_garbage"
	EventOpponentMorePieces = "opponent_more_pieces"
	EventOpponentForfeited  = "opponent_forfeited"
	EventGameSettled        = "game_settled"
	EventError              = "error"
)

// JoinQueuePayload is shared by join_queue and cancel_queue.
type JoinQueuePayload struct {
	VariantID int `json:"variantId"`
}

// SnapshotPayload carries a periodic board snapshot. The board is opaque to
// the server and relayed verbatim.
type SnapshotPayload struct {
	RoomID string          `json:"roomId"`
	Board  json.RawMessage `json:"board"`
	Score  int64           `json:"score"`
}

// LineClearPayload reports a multi-line clear by the sender.
type LineClearPayload struct {
	RoomID string `json:"roomId"`
	Lines  int    `json:"lines"`
}

// RoomRefPayload is shared by request_pieces and game_over.
type RoomRefPayload struct {
	RoomID string `json:"roomId"`
}

// QueueWaitingPayload acknowledges a successful enqueue.
type QueueWaitingPayload struct {
	VariantID int `json:"variantId"`
	Rating    int `json:"rating"`
}

// RoomStartPayload announces a formed room to one member.
type RoomStartPayload struct {
	RoomID        string `json:"roomId"`
	VariantID     int    `json:"variantId"`
	OpponentID    string `json:"opponentId"`
	PieceSequence []int  `json:"pieceSequence"`
}

// OpponentStatePayload relays the opponent's last snapshot.
type OpponentStatePayload struct {
	Board json.RawMessage `json:"board"`
	Score int64           `json:"score"`
}

// GarbagePayload is the attack derived from an opponent line clear.
type GarbagePayload struct {
	Count int `json:"count"`
}

// MorePiecesPayload extends the shared piece sequence for both members.
type MorePiecesPayload struct {
	Pieces []int `json:"pieces"`
}

// ForfeitPayload tells the surviving member that the opponent is gone.
// Rated is false when the room never reached Active.
type ForfeitPayload struct {
	RoomID string `json:"roomId"`
	Rated  bool   `json:"rated"`
}

// SettledPayload delivers the committed outcome to one participant.
type SettledPayload struct {
	RoomID    string `json:"roomId"`
	Won       bool   `json:"won"`
	OldRating int    `json:"oldRating"`
	NewRating int    `json:"newRating"`
	Delta     int    `json:"delta"`
}
