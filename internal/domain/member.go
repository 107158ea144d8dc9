package domain

// Member represents a user's presence in a voice room.
// Entries are never deleted from caches; a member that left keeps
// Connected=false and an empty ConnectedRoom.
type Member struct {
	ID            UserID `json:"id"`
	DisplayName   string `json:"display_name"`
	Connected     bool   `json:"connected"`
	ConnectedRoom RoomID `json:"connected_room,omitempty"`
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User, room RoomID) Member {
	return Member{
		ID:            user.ID,
		DisplayName:   user.DisplayName,
		Connected:     true,
		ConnectedRoom: room,
	}
}

// MarkLeft flips the member to the disconnected state.
func (m *Member) MarkLeft() {
	m.Connected = false
	m.ConnectedRoom = ""
}
