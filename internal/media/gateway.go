package media

import (
	"context"
	"errors"
	"time"
)

// Gateway is the media transport boundary used by the call orchestrator.
//
// Rules:
// - No media SDK calls outside this package.
// - The orchestrator treats Credential as opaque and only forwards it.
type Gateway interface {
	// CreateRoomCredential issues a join credential for one party of a session.
	CreateRoomCredential(ctx context.Context, sessionID, partyID string) (Credential, error)
	// CloseRoom force-disconnects everyone in the room. Closing a missing room is not an error.
	CloseRoom(ctx context.Context, room string) error
}

// Credential is what a party needs to join the room.
type Credential struct {
	Room      string    `json:"room"`
	Token     string    `json:"token"`
	URL       string    `json:"url,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

var (
	// ErrUnavailable marks transient failures worth retrying.
	ErrUnavailable = errors.New("media: gateway unavailable")
	// ErrRejected marks requests the gateway refused; retrying will not help.
	ErrRejected = errors.New("media: request rejected")
)

// RoomName is the room for a session; both parties join the same room.
func RoomName(sessionID string) string { return "call-" + sessionID }

// SessionFromRoom is the inverse of RoomName.
func SessionFromRoom(room string) (string, bool) {
	const prefix = "call-"
	if len(room) <= len(prefix) || room[:len(prefix)] != prefix {
		return "", false
	}
	return room[len(prefix):], true
}

// EventSink receives transport-level connect/disconnect signals.
type EventSink interface {
	PartyJoined(ctx context.Context, sessionID, partyID string) error
	PartyLeft(ctx context.Context, sessionID, partyID string) error
}
