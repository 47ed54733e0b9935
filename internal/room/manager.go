package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetris-versus/match-server/internal/config"
	"github.com/tetris-versus/match-server/internal/domain"
	"github.com/tetris-versus/match-server/internal/rating"
)

// Deliverer pushes an event to a player's connection. A false return means
// the player has no live connection or their buffer is full.
type Deliverer interface {
	Deliver(userID, event string, payload any) bool
}

// Store is the durable side of the room lifecycle.
type Store interface {
	CreateGame(ctx context.Context, gameID string, variantID int, players [2]string, ratings [2]int, startedAt time.Time) error
	SettleGame(ctx context.Context, st domain.Settlement) error
	AbortGame(ctx context.Context, gameID string) error
	GetRating(ctx context.Context, userID string, variantID int) (int, error)
}

// Publisher emits a settlement event onto the results feed.
type Publisher interface {
	PublishSettlement(ev domain.SettlementEvent)
}

// Rankings applies a committed settlement to the live ranking cache. Used
// when the results feed is disabled and no consumer exists to do it.
type Rankings interface {
	ApplySettlement(ctx context.Context, ev domain.SettlementEvent) error
}

// Manager owns every live room and routes relay traffic between members.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	byUser map[string]*Room

	deliverer Deliverer
	store     Store
	publisher Publisher
	rankings  Rankings
	cfg       *config.MatchmakingConfig
	logger    *slog.Logger
}

// NewManager creates a room manager. publisher and rankings may each be nil
// when the corresponding path is disabled.
func NewManager(deliverer Deliverer, store Store, publisher Publisher, rankings Rankings, cfg *config.MatchmakingConfig, logger *slog.Logger) *Manager {
	return &Manager{
		rooms:     make(map[string]*Room),
		byUser:    make(map[string]*Room),
		deliverer: deliverer,
		store:     store,
		publisher: publisher,
		rankings:  rankings,
		cfg:       cfg,
		logger:    logger,
	}
}

// RoomCount returns the number of live rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// CreateRoom forms a live session for two matched players. The game row is
// written first so a crash can never leave a playing pair without a durable
// record. An error return means nothing was formed and both players can be
// requeued safely.
func (m *Manager) CreateRoom(ctx context.Context, variantID int, a, b domain.QueueEntry) error {
	if a.UserID == b.UserID {
		return fmt.Errorf("cannot pair user %s with itself", a.UserID)
	}

	gameID := uuid.New().String()
	startedAt := time.Now()
	members := [2]string{a.UserID, b.UserID}
	ratings := [2]int{a.Rating, b.Rating}

	if err := m.store.CreateGame(ctx, gameID, variantID, members, ratings, startedAt); err != nil {
		return fmt.Errorf("creating game record: %w", err)
	}

	room := &Room{
		id:        gameID,
		variantID: variantID,
		members:   members,
		ratings:   ratings,
		pieces:    newPieceBatch(m.cfg.PieceBatch),
		state:     Forming,
		startedAt: startedAt,
	}

	m.mu.Lock()
	m.rooms[gameID] = room
	m.byUser[a.UserID] = room
	m.byUser[b.UserID] = room
	m.mu.Unlock()

	// Both members see the same sequence, so the duel is piece-fair.
	for i, userID := range members {
		payload := domain.RoomStartPayload{
			RoomID:        gameID,
			VariantID:     variantID,
			OpponentID:    room.opponent(userID),
			PieceSequence: room.pieces,
		}
		if !m.deliverer.Deliver(userID, domain.EventRoomStart, payload) {
			m.logger.Warn("room start undeliverable",
				"room_id", gameID,
				"user_id", userID,
			)
			m.teardown(room, userID, members[1-i])
			return nil
		}
	}

	room.mu.Lock()
	activated := room.state == Forming
	if activated {
		room.state = Active
	}
	room.mu.Unlock()
	if !activated {
		// A concurrent disconnect already tore the room down
		return nil
	}

	m.logger.Info("room started",
		"room_id", gameID,
		"variant_id", variantID,
		"user_a", a.UserID,
		"user_b", b.UserID,
	)
	return nil
}

// Snapshot relays a member's board snapshot to the opponent only.
func (m *Manager) Snapshot(userID, roomID string, board json.RawMessage, score int64) error {
	room, err := m.activeRoom(userID, roomID)
	if err != nil {
		return err
	}

	m.deliverer.Deliver(room.opponent(userID), domain.EventOpponentState, domain.OpponentStatePayload{
		Board: board,
		Score: score,
	})
	return nil
}

// LineClear converts a member's multi-line clear into garbage for the
// opponent. Single-line clears carry no attack and are dropped.
func (m *Manager) LineClear(userID, roomID string, lines int) error {
	room, err := m.activeRoom(userID, roomID)
	if err != nil {
		return err
	}

	count := GarbageForLines(lines)
	if count == 0 {
		return nil
	}

	m.deliverer.Deliver(room.opponent(userID), domain.EventOpponentGarbage, domain.GarbagePayload{
		Count: count,
	})
	return nil
}

// RequestPieces extends the shared piece sequence and pushes the new batch
// to both members, keeping their sequences identical.
func (m *Manager) RequestPieces(userID, roomID string) error {
	room, err := m.activeRoom(userID, roomID)
	if err != nil {
		return err
	}

	batch := newPieceBatch(m.cfg.PieceBatch)

	room.mu.Lock()
	room.pieces = append(room.pieces, batch...)
	room.mu.Unlock()

	payload := domain.MorePiecesPayload{Pieces: batch}
	for _, member := range room.members {
		m.deliverer.Deliver(member, domain.EventOpponentMorePieces, payload)
	}
	return nil
}

// GameOver handles a member topping out. The sender loses, the opponent wins.
func (m *Manager) GameOver(userID, roomID string) error {
	room, err := m.activeRoom(userID, roomID)
	if err != nil {
		return err
	}

	m.settle(room, room.opponent(userID), userID, false)
	return nil
}

// HandleDisconnect reacts to a member losing their connection. A forming
// room is aborted unrated; an active room settles as a forfeit with the
// survivor winning.
func (m *Manager) HandleDisconnect(userID string) {
	m.mu.RLock()
	room, ok := m.byUser[userID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	room.mu.Lock()
	state := room.state
	room.mu.Unlock()

	switch state {
	case Forming:
		m.teardown(room, userID, room.opponent(userID))
	case Active:
		m.settle(room, room.opponent(userID), userID, true)
	}
}

// activeRoom resolves a relay target and checks membership and liveness.
func (m *Manager) activeRoom(userID, roomID string) (*Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	if !room.isMember(userID) {
		return nil, domain.ErrNotParticipant
	}

	room.mu.Lock()
	state := room.state
	room.mu.Unlock()
	if state != Active {
		return nil, domain.ErrRoomNotFound
	}
	return room, nil
}

// teardown dismantles a room that never reached active play. The game row
// flips to aborted and the surviving member, if any, learns the match is off.
func (m *Manager) teardown(room *Room, leaverID, survivorID string) {
	room.mu.Lock()
	switch room.state {
	case Closed, Settling:
		room.mu.Unlock()
		return
	case Active:
		// The room went live between the caller's state read and now. A
		// live game is never aborted unrated; the leaver forfeits.
		room.mu.Unlock()
		m.settle(room, survivorID, leaverID, true)
		return
	}
	room.state = Closed
	room.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.store.AbortGame(ctx, room.id); err != nil {
		m.logger.Error("game abort failed", "room_id", room.id, "error", err)
	}

	m.deliverer.Deliver(survivorID, domain.EventOpponentForfeited, domain.ForfeitPayload{
		RoomID: room.id,
		Rated:  false,
	})

	m.remove(room)
	m.logger.Info("room aborted", "room_id", room.id, "leaver", leaverID)
}

// settle commits one outcome exactly once. The settled flag stops concurrent
// triggers inside this process; the status guard in the store stops a second
// commit across processes.
func (m *Manager) settle(room *Room, winnerID, loserID string, byForfeit bool) {
	room.mu.Lock()
	if room.settled || room.state == Closed {
		room.mu.Unlock()
		return
	}
	room.settled = true
	room.state = Settling
	room.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	winnerOld, loserOld := m.priorRatings(ctx, room, winnerID, loserID)
	winnerNew, loserNew := rating.RateDefault(winnerOld, loserOld)

	st := domain.Settlement{
		GameID:    room.id,
		VariantID: room.variantID,
		WinnerID:  winnerID,
		LoserID:   loserID,
		WinnerOld: winnerOld,
		WinnerNew: winnerNew,
		LoserOld:  loserOld,
		LoserNew:  loserNew,
		EndedAt:   time.Now(),
	}

	if err := m.commitSettlement(ctx, st); err != nil {
		if errors.Is(err, domain.ErrGameAlreadySettled) {
			// Another process got there first, nothing to announce.
			m.remove(room)
			return
		}
		m.logger.Error("settlement failed permanently",
			"room_id", room.id,
			"winner", winnerID,
			"loser", loserID,
			"error", err,
		)
		m.remove(room)
		return
	}

	ev := domain.SettlementEvent{
		GameID:       st.GameID,
		VariantID:    st.VariantID,
		WinnerID:     st.WinnerID,
		LoserID:      st.LoserID,
		WinnerRating: st.WinnerNew,
		LoserRating:  st.LoserNew,
		EndedAt:      st.EndedAt,
	}
	if m.publisher != nil {
		m.publisher.PublishSettlement(ev)
	}
	if m.rankings != nil {
		if err := m.rankings.ApplySettlement(ctx, ev); err != nil {
			m.logger.Error("ranking update failed", "room_id", room.id, "error", err)
		}
	}

	if byForfeit {
		m.deliverer.Deliver(winnerID, domain.EventOpponentForfeited, domain.ForfeitPayload{
			RoomID: room.id,
			Rated:  true,
		})
	}

	m.deliverer.Deliver(winnerID, domain.EventGameSettled, domain.SettledPayload{
		RoomID:    room.id,
		Won:       true,
		OldRating: winnerOld,
		NewRating: winnerNew,
		Delta:     winnerNew - winnerOld,
	})
	m.deliverer.Deliver(loserID, domain.EventGameSettled, domain.SettledPayload{
		RoomID:    room.id,
		Won:       false,
		OldRating: loserOld,
		NewRating: loserNew,
		Delta:     loserNew - loserOld,
	})

	m.remove(room)
	m.logger.Info("game settled",
		"room_id", room.id,
		"winner", winnerID,
		"loser", loserID,
		"winner_rating", winnerNew,
		"loser_rating", loserNew,
		"forfeit", byForfeit,
	)
}

// priorRatings reads both pre-game ratings from the store, retrying
// transient failures. If the store stays unreachable the formation-time
// snapshot held by the room is used; a known player's rating is never
// replaced by the default.
func (m *Manager) priorRatings(ctx context.Context, room *Room, winnerID, loserID string) (int, int) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.SettleRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				m.logger.Warn("rating lookup cancelled, using formation-time ratings",
					"room_id", room.id, "error", lastErr)
				return room.ratingOf(winnerID), room.ratingOf(loserID)
			case <-time.After(m.cfg.SettleRetryDelay * time.Duration(attempt)):
			}
		}

		winnerOld, err := m.store.GetRating(ctx, winnerID, room.variantID)
		if err != nil {
			lastErr = err
			continue
		}
		loserOld, err := m.store.GetRating(ctx, loserID, room.variantID)
		if err != nil {
			lastErr = err
			continue
		}
		return winnerOld, loserOld
	}

	m.logger.Warn("rating lookup failed, using formation-time ratings",
		"room_id", room.id, "error", lastErr)
	return room.ratingOf(winnerID), room.ratingOf(loserID)
}

// commitSettlement retries transient store failures. The exactly-once error
// is surfaced unchanged so the caller can go quiet.
func (m *Manager) commitSettlement(ctx context.Context, st domain.Settlement) error {
	var err error
	for attempt := 0; attempt < m.cfg.SettleRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.SettleRetryDelay * time.Duration(attempt)):
			}
		}
		err = m.store.SettleGame(ctx, st)
		if err == nil || errors.Is(err, domain.ErrGameAlreadySettled) {
			return err
		}
		m.logger.Warn("settlement attempt failed",
			"game_id", st.GameID,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return err
}

func (m *Manager) remove(room *Room) {
	room.mu.Lock()
	room.state = Closed
	room.mu.Unlock()

	m.mu.Lock()
	delete(m.rooms, room.id)
	for _, member := range room.members {
		if m.byUser[member] == room {
			delete(m.byUser, member)
		}
	}
	m.mu.Unlock()
}
