package app

import "github.com/dkeye/revoice/internal/domain"

type EventType int

const (
	// EventState reports a state machine transition.
	EventState EventType = iota
	// EventJoin fires once the room session is ready for playback.
	EventJoin
	EventRoomFetched
	EventUserJoined
	EventUserLeft
	EventLeave
	EventAutoLeave
	// EventDisconnected reports a lost session that was not recovered.
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventState:
		return "state"
	case EventJoin:
		return "join"
	case EventRoomFetched:
		return "roomfetched"
	case EventUserJoined:
		return "userjoin"
	case EventUserLeft:
		return "userleave"
	case EventLeave:
		return "leave"
	case EventAutoLeave:
		return "autoleave"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a notification published by a Connection.
type Event struct {
	Type   EventType
	Room   domain.RoomID
	State  domain.ConnectionState
	Member domain.Member
	Err    error
}
