package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tetris-versus/match-server/internal/domain"
	"github.com/tetris-versus/match-server/internal/matchmaker"
	"github.com/tetris-versus/match-server/internal/room"
)

// EventDispatcher fans inbound connection events out to the matchmaking
// queue and the room manager. It implements websocket.EventRouter.
type EventDispatcher struct {
	matchmaker *matchmaker.Matchmaker
	rooms      *room.Manager
}

// NewEventDispatcher creates the event dispatcher
func NewEventDispatcher(mm *matchmaker.Matchmaker, rooms *room.Manager) *EventDispatcher {
	return &EventDispatcher{
		matchmaker: mm,
		rooms:      rooms,
	}
}

// JoinQueue adds the user to a variant's matchmaking queue
func (d *EventDispatcher) JoinQueue(ctx context.Context, userID string, variantID int) error {
	return d.matchmaker.Enqueue(ctx, userID, variantID)
}

// CancelQueue removes the user from a variant's matchmaking queue. Unlike
// the REST cancel, a missing entry is a no-op here: the client may race its
// own match formation.
func (d *EventDispatcher) CancelQueue(ctx context.Context, userID string, variantID int) error {
	if err := d.matchmaker.Cancel(ctx, userID, variantID); err != nil && !errors.Is(err, domain.ErrNotQueued) {
		return err
	}
	return nil
}

// StateSnapshot relays a board snapshot to the opponent
func (d *EventDispatcher) StateSnapshot(userID, roomID string, board json.RawMessage, score int64) error {
	return d.rooms.Snapshot(userID, roomID, board, score)
}

// LineClear converts a line clear into garbage for the opponent
func (d *EventDispatcher) LineClear(userID, roomID string, lines int) error {
	return d.rooms.LineClear(userID, roomID, lines)
}

// RequestPieces extends the room's shared piece sequence
func (d *EventDispatcher) RequestPieces(userID, roomID string) error {
	return d.rooms.RequestPieces(userID, roomID)
}

// GameOver registers the sender topping out
func (d *EventDispatcher) GameOver(userID, roomID string) error {
	return d.rooms.GameOver(userID, roomID)
}

// Disconnected handles a dropped connection: any queue entry disappears
// silently and an active room is forfeited.
func (d *EventDispatcher) Disconnected(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d.matchmaker.CancelAll(ctx, userID)
	d.rooms.HandleDisconnect(userID)
}
