package domain

// ConnectionState is the lifecycle state of a voice connection.
type ConnectionState string

const (
	StateOffline   ConnectionState = "off"
	StateJoining   ConnectionState = "joining"
	StateIdle      ConnectionState = "idle"
	StateBuffering ConnectionState = "buffer"
	StatePlaying   ConnectionState = "playing"
	StatePaused    ConnectionState = "paused"
	// StateUnknown is used while a media source without lifecycle events is attached.
	StateUnknown ConnectionState = "unknown"
)

func (s ConnectionState) String() string { return string(s) }

// Online reports whether the connection holds a negotiated room session.
func (s ConnectionState) Online() bool {
	switch s {
	case StateIdle, StateBuffering, StatePlaying, StatePaused, StateUnknown:
		return true
	default:
		return false
	}
}
