package core

import "context"

// Negotiator performs the signaling steps a send transport depends on.
type Negotiator interface {
	ConnectTransport(ctx context.Context, transportID string, dtls DTLSParameters) error
	StartProduce(ctx context.Context, kind string, params RTPParameters) (producerID string, err error)
	StopProduce(ctx context.Context, kind string) error
}

// Producer is the transport-side handle for media being sent into the room.
type Producer interface {
	ID() string
	Kind() string
	Close(ctx context.Context) error
}

// SendTransport is the negotiated media path into the room.
// Frames written before Produce has completed are dropped.
type SendTransport interface {
	FrameSink
	ID() string
	// Produce connects the transport when needed and starts producing audio.
	// Calling it while a producer is active returns that producer.
	Produce(ctx context.Context) (Producer, error)
	Close() error
}

// TransportFactory builds a send transport from server-provided parameters
// and the router capabilities received during authentication.
type TransportFactory func(params TransportParams, router RTPCapabilities, neg Negotiator) (SendTransport, error)

// CapabilitiesFunc derives the capabilities advertised to the server from the
// router capabilities received in the authentication ack.
type CapabilitiesFunc func(router RTPCapabilities) RTPCapabilities

// FailureReporter is implemented by transports that can detect a broken
// media path after negotiation. fn runs at most once per transport.
type FailureReporter interface {
	OnFailed(fn func())
}
