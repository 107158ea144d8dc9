package domain

type RoomID string

// ChannelType is the platform's channel kind as returned by the REST API.
type ChannelType string

const (
	ChannelVoice ChannelType = "VoiceChannel"
	ChannelGroup ChannelType = "Group"
	ChannelText  ChannelType = "TextChannel"
)

// Room is the platform channel a connection lives in.
type Room struct {
	ID   RoomID      `json:"id"`
	Name string      `json:"name"`
	Type ChannelType `json:"channel_type"`
}

// SupportsVoice reports whether a voice call can be joined in the room.
func (r Room) SupportsVoice() bool {
	return r.Type == ChannelVoice || r.Type == ChannelGroup
}
