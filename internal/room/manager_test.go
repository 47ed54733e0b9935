package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tetris-versus/match-server/internal/config"
	"github.com/tetris-versus/match-server/internal/domain"
)

type delivered struct {
	event   string
	payload any
}

type fakeDeliverer struct {
	mu      sync.Mutex
	events  map[string][]delivered
	offline map[string]bool
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{
		events:  make(map[string][]delivered),
		offline: make(map[string]bool),
	}
}

func (f *fakeDeliverer) Deliver(userID, event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[userID] {
		return false
	}
	f.events[userID] = append(f.events[userID], delivered{event: event, payload: payload})
	return true
}

func (f *fakeDeliverer) eventsFor(userID string) []delivered {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]delivered, len(f.events[userID]))
	copy(out, f.events[userID])
	return out
}

func (f *fakeDeliverer) lastEvent(userID string) (delivered, bool) {
	evs := f.eventsFor(userID)
	if len(evs) == 0 {
		return delivered{}, false
	}
	return evs[len(evs)-1], true
}

type fakeStore struct {
	mu          sync.Mutex
	ratings     map[string]int
	games       map[string]domain.GameStatus
	settlements []domain.Settlement
	aborted     []string
	settleErrs  int
	ratingErrs  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ratings: make(map[string]int),
		games:   make(map[string]domain.GameStatus),
	}
}

func (f *fakeStore) CreateGame(ctx context.Context, gameID string, variantID int, players [2]string, ratings [2]int, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.games[gameID] = domain.GameInProgress
	return nil
}

func (f *fakeStore) SettleGame(ctx context.Context, st domain.Settlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErrs > 0 {
		f.settleErrs--
		return errors.New("transient store failure")
	}
	if f.games[st.GameID] != domain.GameInProgress {
		return domain.ErrGameAlreadySettled
	}
	f.games[st.GameID] = domain.GameFinished
	f.settlements = append(f.settlements, st)
	f.ratings[st.WinnerID] = st.WinnerNew
	f.ratings[st.LoserID] = st.LoserNew
	return nil
}

func (f *fakeStore) AbortGame(ctx context.Context, gameID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.games[gameID] == domain.GameInProgress {
		f.games[gameID] = domain.GameAborted
		f.aborted = append(f.aborted, gameID)
	}
	return nil
}

func (f *fakeStore) GetRating(ctx context.Context, userID string, variantID int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ratingErrs > 0 {
		f.ratingErrs--
		return 0, errors.New("transient read failure")
	}
	if r, ok := f.ratings[userID]; ok {
		return r, nil
	}
	return domain.DefaultRating, nil
}

func (f *fakeStore) settlementCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.settlements)
}

func testConfig() *config.MatchmakingConfig {
	return &config.MatchmakingConfig{
		Interval:         time.Second,
		RatingThreshold:  150,
		Variants:         []int{1},
		PieceBatch:       50,
		SettleRetries:    3,
		SettleRetryDelay: time.Millisecond,
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeDeliverer, *fakeStore) {
	t.Helper()
	deliverer := newFakeDeliverer()
	store := newFakeStore()
	manager := NewManager(deliverer, store, nil, nil, testConfig(), slog.Default())
	return manager, deliverer, store
}

func startRoom(t *testing.T, m *Manager, deliverer *fakeDeliverer) string {
	t.Helper()
	a := domain.QueueEntry{UserID: "u1", VariantID: 1, Rating: 1200}
	b := domain.QueueEntry{UserID: "u2", VariantID: 1, Rating: 1250}
	if err := m.CreateRoom(context.Background(), 1, a, b); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	ev, ok := deliverer.lastEvent("u1")
	if !ok || ev.event != domain.EventRoomStart {
		t.Fatalf("expected room_start for u1, got %+v", ev)
	}
	return ev.payload.(domain.RoomStartPayload).RoomID
}

func TestCreateRoomSharedPieceSequence(t *testing.T) {
	m, deliverer, _ := newTestManager(t)
	startRoom(t, m, deliverer)

	e1, _ := deliverer.lastEvent("u1")
	e2, _ := deliverer.lastEvent("u2")
	p1 := e1.payload.(domain.RoomStartPayload)
	p2 := e2.payload.(domain.RoomStartPayload)

	if len(p1.PieceSequence) != 50 {
		t.Fatalf("expected 50 pieces, got %d", len(p1.PieceSequence))
	}
	for i, piece := range p1.PieceSequence {
		if piece < 1 || piece > 7 {
			t.Fatalf("piece %d out of range: %d", i, piece)
		}
		if p2.PieceSequence[i] != piece {
			t.Fatalf("sequences diverge at %d: %d vs %d", i, piece, p2.PieceSequence[i])
		}
	}
	if p1.OpponentID != "u2" || p2.OpponentID != "u1" {
		t.Fatalf("wrong opponents: %q / %q", p1.OpponentID, p2.OpponentID)
	}
}

func TestCreateRoomRejectsSelfPair(t *testing.T) {
	m, _, _ := newTestManager(t)
	a := domain.QueueEntry{UserID: "u1", VariantID: 1, Rating: 1200}
	if err := m.CreateRoom(context.Background(), 1, a, a); err == nil {
		t.Fatalf("expected error pairing a user with itself")
	}
}

func TestCreateRoomAbortsWhenMemberUnreachable(t *testing.T) {
	m, deliverer, store := newTestManager(t)
	deliverer.offline["u2"] = true

	a := domain.QueueEntry{UserID: "u1", VariantID: 1, Rating: 1200}
	b := domain.QueueEntry{UserID: "u2", VariantID: 1, Rating: 1250}
	if err := m.CreateRoom(context.Background(), 1, a, b); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	if len(store.aborted) != 1 {
		t.Fatalf("expected game aborted, got %v", store.aborted)
	}
	ev, ok := deliverer.lastEvent("u1")
	if !ok || ev.event != domain.EventOpponentForfeited {
		t.Fatalf("expected opponent_forfeited for survivor, got %+v", ev)
	}
	if ev.payload.(domain.ForfeitPayload).Rated {
		t.Fatalf("abort before active play must be unrated")
	}
	if m.RoomCount() != 0 {
		t.Fatalf("expected no live rooms, got %d", m.RoomCount())
	}
}

func TestSnapshotRelaysToOpponentOnly(t *testing.T) {
	m, deliverer, _ := newTestManager(t)
	roomID := startRoom(t, m, deliverer)

	board := json.RawMessage(`{"grid":[[0,1]]}`)
	if err := m.Snapshot("u1", roomID, board, 4200); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	ev, ok := deliverer.lastEvent("u2")
	if !ok || ev.event != domain.EventOpponentState {
		t.Fatalf("expected opponent_state for u2, got %+v", ev)
	}
	if ev.payload.(domain.OpponentStatePayload).Score != 4200 {
		t.Fatalf("score not relayed")
	}

	// The sender never receives their own snapshot back
	for _, ev := range deliverer.eventsFor("u1") {
		if ev.event == domain.EventOpponentState {
			t.Fatalf("snapshot echoed to sender")
		}
	}
}

func TestLineClearGarbage(t *testing.T) {
	cases := []struct {
		lines, garbage int
	}{
		{1, 0},
		{2, 1},
		{3, 2},
		{4, 3},
	}
	for _, tc := range cases {
		m, deliverer, _ := newTestManager(t)
		roomID := startRoom(t, m, deliverer)

		if err := m.LineClear("u1", roomID, tc.lines); err != nil {
			t.Fatalf("LineClear(%d): %v", tc.lines, err)
		}

		ev, ok := deliverer.lastEvent("u2")
		gotGarbage := ok && ev.event == domain.EventOpponentGarbage
		if tc.garbage == 0 {
			if gotGarbage {
				t.Fatalf("%d lines: expected no garbage, got %+v", tc.lines, ev)
			}
			continue
		}
		if !gotGarbage {
			t.Fatalf("%d lines: expected garbage event, got %+v", tc.lines, ev)
		}
		if count := ev.payload.(domain.GarbagePayload).Count; count != tc.garbage {
			t.Fatalf("%d lines: expected %d garbage, got %d", tc.lines, tc.garbage, count)
		}
	}
}

func TestRequestPiecesExtendsBothMembers(t *testing.T) {
	m, deliverer, _ := newTestManager(t)
	roomID := startRoom(t, m, deliverer)

	if err := m.RequestPieces("u1", roomID); err != nil {
		t.Fatalf("RequestPieces: %v", err)
	}

	e1, ok1 := deliverer.lastEvent("u1")
	e2, ok2 := deliverer.lastEvent("u2")
	if !ok1 || e1.event != domain.EventOpponentMorePieces {
		t.Fatalf("expected more pieces for requester, got %+v", e1)
	}
	if !ok2 || e2.event != domain.EventOpponentMorePieces {
		t.Fatalf("expected more pieces for opponent, got %+v", e2)
	}

	p1 := e1.payload.(domain.MorePiecesPayload)
	p2 := e2.payload.(domain.MorePiecesPayload)
	if len(p1.Pieces) != 50 {
		t.Fatalf("expected 50 new pieces, got %d", len(p1.Pieces))
	}
	for i := range p1.Pieces {
		if p1.Pieces[i] != p2.Pieces[i] {
			t.Fatalf("extension batches diverge at %d", i)
		}
	}
}

func TestGameOverSettlesWithSenderLosing(t *testing.T) {
	m, deliverer, store := newTestManager(t)
	roomID := startRoom(t, m, deliverer)

	if err := m.GameOver("u1", roomID); err != nil {
		t.Fatalf("GameOver: %v", err)
	}

	if store.settlementCount() != 1 {
		t.Fatalf("expected 1 settlement, got %d", store.settlementCount())
	}
	st := store.settlements[0]
	if st.WinnerID != "u2" || st.LoserID != "u1" {
		t.Fatalf("wrong outcome: winner=%s loser=%s", st.WinnerID, st.LoserID)
	}
	if st.WinnerNew != 1216 || st.LoserNew != 1184 {
		t.Fatalf("wrong ratings: %d/%d", st.WinnerNew, st.LoserNew)
	}

	winnerEv, _ := deliverer.lastEvent("u2")
	if winnerEv.event != domain.EventGameSettled {
		t.Fatalf("expected game_settled for winner, got %+v", winnerEv)
	}
	wp := winnerEv.payload.(domain.SettledPayload)
	if !wp.Won || wp.NewRating != 1216 || wp.Delta != 16 {
		t.Fatalf("wrong winner payload: %+v", wp)
	}

	loserEv, _ := deliverer.lastEvent("u1")
	lp := loserEv.payload.(domain.SettledPayload)
	if lp.Won || lp.NewRating != 1184 || lp.Delta != -16 {
		t.Fatalf("wrong loser payload: %+v", lp)
	}

	if m.RoomCount() != 0 {
		t.Fatalf("room not closed after settlement")
	}
}

func TestDisconnectForfeitsActiveRoom(t *testing.T) {
	m, deliverer, store := newTestManager(t)
	startRoom(t, m, deliverer)

	m.HandleDisconnect("u2")

	if store.settlementCount() != 1 {
		t.Fatalf("expected 1 settlement, got %d", store.settlementCount())
	}
	st := store.settlements[0]
	if st.WinnerID != "u1" || st.LoserID != "u2" {
		t.Fatalf("wrong forfeit outcome: winner=%s loser=%s", st.WinnerID, st.LoserID)
	}

	var sawForfeit bool
	for _, ev := range deliverer.eventsFor("u1") {
		if ev.event == domain.EventOpponentForfeited {
			sawForfeit = true
			if !ev.payload.(domain.ForfeitPayload).Rated {
				t.Fatalf("forfeit of an active room must be rated")
			}
		}
	}
	if !sawForfeit {
		t.Fatalf("survivor never told about the forfeit")
	}
}

func TestSettleExactlyOnce(t *testing.T) {
	m, deliverer, store := newTestManager(t)
	roomID := startRoom(t, m, deliverer)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.GameOver("u1", roomID)
	}()
	go func() {
		defer wg.Done()
		m.HandleDisconnect("u2")
	}()
	wg.Wait()

	if store.settlementCount() != 1 {
		t.Fatalf("expected exactly 1 settlement, got %d", store.settlementCount())
	}
}

func TestSettleRetriesTransientFailures(t *testing.T) {
	m, deliverer, store := newTestManager(t)
	roomID := startRoom(t, m, deliverer)
	store.settleErrs = 2

	if err := m.GameOver("u1", roomID); err != nil {
		t.Fatalf("GameOver: %v", err)
	}

	if store.settlementCount() != 1 {
		t.Fatalf("expected settlement after retries, got %d", store.settlementCount())
	}
}

func TestSettleRetriesRatingReads(t *testing.T) {
	m, deliverer, store := newTestManager(t)
	store.ratings["u1"] = 1750
	store.ratings["u2"] = 1800
	roomID := startRoom(t, m, deliverer)
	store.ratingErrs = 2

	if err := m.GameOver("u1", roomID); err != nil {
		t.Fatalf("GameOver: %v", err)
	}

	if store.settlementCount() != 1 {
		t.Fatalf("expected 1 settlement, got %d", store.settlementCount())
	}
	st := store.settlements[0]
	if st.WinnerOld != 1800 || st.LoserOld != 1750 {
		t.Fatalf("expected priors 1800/1750 after retried reads, got %d/%d", st.WinnerOld, st.LoserOld)
	}
}

func TestSettleFallsBackToFormationRatings(t *testing.T) {
	m, deliverer, store := newTestManager(t)
	store.ratingErrs = 100

	a := domain.QueueEntry{UserID: "u1", VariantID: 1, Rating: 1750}
	b := domain.QueueEntry{UserID: "u2", VariantID: 1, Rating: 1800}
	if err := m.CreateRoom(context.Background(), 1, a, b); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	ev, _ := deliverer.lastEvent("u1")
	roomID := ev.payload.(domain.RoomStartPayload).RoomID

	if err := m.GameOver("u1", roomID); err != nil {
		t.Fatalf("GameOver: %v", err)
	}

	if store.settlementCount() != 1 {
		t.Fatalf("expected 1 settlement, got %d", store.settlementCount())
	}
	// A dead read path must never downgrade known players to the default
	// rating; the formation-time snapshot is the floor.
	st := store.settlements[0]
	if st.WinnerOld != 1800 || st.LoserOld != 1750 {
		t.Fatalf("expected formation priors 1800/1750, got %d/%d", st.WinnerOld, st.LoserOld)
	}
}

func TestTeardownOfActiveRoomForfeitsInstead(t *testing.T) {
	m, deliverer, store := newTestManager(t)
	roomID := startRoom(t, m, deliverer)

	m.mu.RLock()
	r := m.rooms[roomID]
	m.mu.RUnlock()

	// A disconnect that observed Forming can reach teardown after the room
	// went live; the live game must settle as a forfeit, never abort.
	m.teardown(r, "u2", "u1")

	if len(store.aborted) != 0 {
		t.Fatalf("live room aborted: %v", store.aborted)
	}
	if store.settlementCount() != 1 {
		t.Fatalf("expected forfeit settlement, got %d", store.settlementCount())
	}
	if st := store.settlements[0]; st.WinnerID != "u1" || st.LoserID != "u2" {
		t.Fatalf("wrong forfeit outcome: winner=%s loser=%s", st.WinnerID, st.LoserID)
	}
}

func TestRelayRejectsOutsiders(t *testing.T) {
	m, deliverer, _ := newTestManager(t)
	roomID := startRoom(t, m, deliverer)

	err := m.LineClear("intruder", roomID, 4)
	if !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	err = m.Snapshot("u1", "no-such-room", nil, 0)
	if !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestGarbageForLines(t *testing.T) {
	for lines, want := range map[int]int{0: 0, 1: 0, 2: 1, 3: 2, 4: 3} {
		if got := GarbageForLines(lines); got != want {
			t.Errorf("GarbageForLines(%d) = %d, want %d", lines, got, want)
		}
	}
}
