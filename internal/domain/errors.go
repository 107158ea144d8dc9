package domain

import "fmt"

// JoinErrorCode is the coarse reason a join was rejected.
type JoinErrorCode string

const (
	CodeAlreadyConnected JoinErrorCode = "acon"
	CodeNotAVoiceRoom    JoinErrorCode = "novc"
	CodeFetchError       JoinErrorCode = "vce"
)

// JoinError is returned by the session manager when joining a room fails.
type JoinError struct {
	Code JoinErrorCode
	Room RoomID
	Err  error
}

var (
	ErrAlreadyConnected = &JoinError{Code: CodeAlreadyConnected}
	ErrNotAVoiceRoom    = &JoinError{Code: CodeNotAVoiceRoom}
	ErrFetch            = &JoinError{Code: CodeFetchError}
)

func (e *JoinError) Error() string {
	var msg string
	switch e.Code {
	case CodeAlreadyConnected:
		msg = "already connected"
	case CodeNotAVoiceRoom:
		msg = "not a voice room"
	case CodeFetchError:
		msg = "failed to fetch room"
	default:
		msg = "join failed"
	}
	if e.Room != "" {
		msg = fmt.Sprintf("%s: room %s", msg, e.Room)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *JoinError) Unwrap() error { return e.Err }

// Is matches on the code so callers can use errors.Is(err, ErrFetch).
func (e *JoinError) Is(target error) bool {
	t, ok := target.(*JoinError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewJoinError builds a coded error for room with an optional cause.
func NewJoinError(code JoinErrorCode, room RoomID, cause error) *JoinError {
	return &JoinError{Code: code, Room: room, Err: cause}
}
