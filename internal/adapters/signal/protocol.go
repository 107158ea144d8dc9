package signal

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/revoice/internal/core"
	"github.com/dkeye/revoice/internal/domain"
)

// Message types of the signaling protocol.
const (
	TypeAuthenticate         = "Authenticate"
	TypeInitializeTransports = "InitializeTransports"
	TypeConnectTransport     = "ConnectTransport"
	TypeStartProduce         = "StartProduce"
	TypeStopProduce          = "StopProduce"
	TypeRoomInfo             = "RoomInfo"
	TypeUserJoined           = "UserJoined"
	TypeUserLeft             = "UserLeft"
	TypeError                = "Error"
)

// TransportMode asks the server for separate send and receive transports.
const TransportMode = "SplitWebRTC"

// Request is an outbound message. Ids are unique per client.
type Request struct {
	ID   uint64 `json:"id"`
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// inbound is any server message. Notifications may carry no id.
type inbound struct {
	ID   *uint64         `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type authenticateData struct {
	Token  string `json:"token"`
	RoomID string `json:"roomId"`
}

type authenticateReply struct {
	RTPCapabilities core.RTPCapabilities `json:"rtpCapabilities"`
}

type initTransportsData struct {
	Mode            string               `json:"mode"`
	RTPCapabilities core.RTPCapabilities `json:"rtpCapabilities"`
}

type connectTransportData struct {
	ID             string              `json:"id"`
	DTLSParameters core.DTLSParameters `json:"dtlsParameters"`
}

type startProduceData struct {
	Type          string             `json:"type"`
	RTPParameters core.RTPParameters `json:"rtpParameters"`
}

type startProduceReply struct {
	ProducerID string `json:"producerId"`
}

type stopProduceData struct {
	Type string `json:"type"`
}

type roomInfoReply struct {
	ID    string                     `json:"id"`
	Users map[string]json.RawMessage `json:"users"`
}

type userEvent struct {
	ID domain.UserID `json:"id"`
}

// ServerError is an error reply to a request.
type ServerError struct {
	RequestType string
	Message     string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("signal: %s rejected: %s", e.RequestType, e.Message)
}

func parseServerError(reqType string, data json.RawMessage) *ServerError {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(data, &body)
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = string(data)
	}
	return &ServerError{RequestType: reqType, Message: msg}
}
