package signal

import (
	"encoding/json"

	"github.com/dkeye/revoice/internal/core"
	"github.com/dkeye/revoice/internal/domain"
)

type EventType int

const (
	EventAuthenticated EventType = iota
	EventTransportsInitialized
	EventRoomSnapshot
	EventUserJoined
	EventUserLeft
	EventDisconnected
	// EventUnknown carries a server message of a type this client does not model.
	EventUnknown
)

func (t EventType) String() string {
	switch t {
	case EventAuthenticated:
		return "authenticated"
	case EventTransportsInitialized:
		return "transports_initialized"
	case EventRoomSnapshot:
		return "room_snapshot"
	case EventUserJoined:
		return "user_joined"
	case EventUserLeft:
		return "user_left"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a notification from the signaling client. Only the fields
// relevant to Type are set.
type Event struct {
	Type EventType
	Room domain.RoomID

	Capabilities core.RTPCapabilities
	Transports   core.TransportsInit
	Member       domain.Member
	Members      []domain.Member

	RawType string
	Raw     json.RawMessage
	Err     error
}
