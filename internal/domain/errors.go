package domain

import "errors"

// Domain errors
var (
	ErrAlreadyQueued      = errors.New("user already queued for this variant")
	ErrNotQueued          = errors.New("user not queued for this variant")
	ErrRoomNotFound       = errors.New("room not found")
	ErrNotParticipant     = errors.New("user is not a participant of this room")
	ErrGameAlreadySettled = errors.New("game already settled")
	ErrPlayerNotRanked    = errors.New("player has no ranking entry")
	ErrInvalidToken       = errors.New("invalid or expired session token")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInternalError      = errors.New("internal server error")
)

// IsUserError reports whether an error should be surfaced to the client as-is
// instead of being masked as an internal failure.
func IsUserError(err error) bool {
	return errors.Is(err, ErrAlreadyQueued) ||
		errors.Is(err, ErrNotQueued) ||
		errors.Is(err, ErrRoomNotFound) ||
		errors.Is(err, ErrNotParticipant) ||
		errors.Is(err, ErrInvalidRequest)
}
