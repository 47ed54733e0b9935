package room

import (
	"math/rand"
	"sync"
	"time"
)

// State is the lifecycle phase of a live room.
type State int

const (
	// Forming: the game row exists but not every member has been reached yet.
	Forming State = iota
	// Active: both members received room_start and play is in progress.
	Active
	// Settling: an end condition fired and the outcome is being committed.
	Settling
	// Closed: the room is finished and detached from the manager indexes.
	Closed
)

func (s State) String() string {
	switch s {
	case Forming:
		return "forming"
	case Active:
		return "active"
	case Settling:
		return "settling"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Room is one live two-player session. The room id doubles as the durable
// game id. All mutable fields are guarded by mu.
type Room struct {
	mu        sync.Mutex
	id        string
	variantID int
	members   [2]string
	ratings   [2]int
	pieces    []int
	state     State
	settled   bool
	startedAt time.Time
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// opponent returns the other member, or "" when userID is not a member.
// Callers hold r.mu or rely on members being immutable after creation.
func (r *Room) opponent(userID string) string {
	switch userID {
	case r.members[0]:
		return r.members[1]
	case r.members[1]:
		return r.members[0]
	}
	return ""
}

// isMember reports whether userID belongs to the room.
func (r *Room) isMember(userID string) bool {
	return userID == r.members[0] || userID == r.members[1]
}

// ratingOf returns a member's rating as captured at room formation.
func (r *Room) ratingOf(userID string) int {
	if userID == r.members[0] {
		return r.ratings[0]
	}
	return r.ratings[1]
}

// GarbageForLines maps a multi-line clear to the garbage sent to the
// opponent. Single clears carry no attack.
func GarbageForLines(lines int) int {
	if lines <= 1 {
		return 0
	}
	return lines - 1
}

// newPieceBatch produces n pieces drawn uniformly from the seven tetromino
// kinds, numbered 1 through 7.
func newPieceBatch(n int) []int {
	pieces := make([]int, n)
	for i := range pieces {
		pieces[i] = rand.Intn(7) + 1
	}
	return pieces
}
