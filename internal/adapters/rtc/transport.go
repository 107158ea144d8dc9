package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/revoice/internal/core"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrTransportClosed = errors.New("rtc: transport closed")

// Config tunes the peer connection behind a send transport.
type Config struct {
	ICEServers []string
	Bitrate    int
}

func (c Config) webrtcConfig() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(c.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return cfg
}

// SendTransport is a send-only pion peer connection negotiated against a
// remote ICE-lite endpoint through the signaling Negotiator.
type SendTransport struct {
	params core.TransportParams
	router core.RTPCapabilities
	neg    core.Negotiator
	log    zerolog.Logger

	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample
	enc   *encoder

	mu        sync.Mutex
	connected bool
	producer  *producer
	closed    bool
	onFailed  func()

	writeMu sync.Mutex
}

// Factory returns a core.TransportFactory building SendTransports with cfg.
func Factory(cfg Config) core.TransportFactory {
	return func(params core.TransportParams, router core.RTPCapabilities, neg core.Negotiator) (core.SendTransport, error) {
		return NewSendTransport(params, router, neg, cfg)
	}
}

func NewSendTransport(params core.TransportParams, router core.RTPCapabilities, neg core.Negotiator, cfg Config) (*SendTransport, error) {
	pt := opusPayloadType(router)

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   opusClockRate,
			Channels:    opusChannels,
			SDPFmtpLine: defaultOpusFmtp,
		},
		PayloadType: webrtc.PayloadType(pt),
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("rtc: register opus: %w", err)
	}
	if supportsExtension(router, sdp.SDESMidURI) {
		if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.SDESMidURI}, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("rtc: register mid extension: %w", err)
		}
	}

	pc, err := webrtc.NewAPI(webrtc.WithMediaEngine(m)).NewPeerConnection(cfg.webrtcConfig())
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
		"audio", "revoice-"+uuid.NewString(),
	)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	}); err != nil {
		_ = pc.Close()
		return nil, err
	}

	enc, err := newEncoder(cfg.Bitrate)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	t := &SendTransport{
		params: params,
		router: router,
		neg:    neg,
		log:    log.With().Str("module", "rtc").Str("transport", params.ID).Logger(),
		pc:     pc,
		track:  track,
		enc:    enc,
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.log.Info().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed {
			t.mu.Lock()
			fn := t.onFailed
			t.onFailed = nil
			if t.closed {
				fn = nil
			}
			t.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})
	return t, nil
}

func (t *SendTransport) ID() string { return t.params.ID }

// OnFailed registers a callback for an unrecoverable peer connection failure.
func (t *SendTransport) OnFailed(fn func()) {
	t.mu.Lock()
	t.onFailed = fn
	t.mu.Unlock()
}

// Produce negotiates the audio sender. The first call also connects the
// transport by handing the local DTLS parameters to the server.
func (t *SendTransport) Produce(ctx context.Context) (core.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.producer != nil {
		return t.producer, nil
	}

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("rtc: set local description: %w", err)
	}
	local, err := parseLocalOffer(t.pc.LocalDescription().SDP)
	if err != nil {
		return nil, err
	}

	if !t.connected {
		dtls := core.DTLSParameters{Role: "client", Fingerprints: []core.DTLSFingerprint{local.fingerprint}}
		if err := t.neg.ConnectTransport(ctx, t.params.ID, dtls); err != nil {
			return nil, fmt.Errorf("rtc: connect transport: %w", err)
		}
		t.connected = true
	}

	answer, err := buildRemoteAnswer(t.params, local, t.router)
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return nil, fmt.Errorf("rtc: set remote description: %w", err)
	}

	id, err := t.neg.StartProduce(ctx, producerKindAudio, local.rtpParameters(t.router))
	if err != nil {
		return nil, fmt.Errorf("rtc: start produce: %w", err)
	}
	t.producer = &producer{id: id, transport: t}
	t.log.Info().Str("producer", id).Uint32("ssrc", local.ssrc).Msg("producing audio")
	return t.producer, nil
}

// WriteFrame sends one 20 ms frame. PCM frames are encoded to Opus first.
func (t *SendTransport) WriteFrame(f core.Frame) error {
	if f.IsEnd() {
		return nil
	}
	t.mu.Lock()
	live := t.producer != nil && !t.closed
	t.mu.Unlock()
	if !live {
		return nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	payload := f.Data
	if f.Format == core.FormatPCM {
		var err error
		if payload, err = t.enc.encode(f.Data); err != nil {
			return err
		}
	}
	return t.track.WriteSample(media.Sample{Data: payload, Duration: frameDuration})
}

func (t *SendTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.producer = nil
	t.mu.Unlock()

	if err := t.pc.Close(); err != nil {
		t.log.Error().Err(err).Msg("close error")
		return err
	}
	t.log.Info().Msg("closed")
	return nil
}

type producer struct {
	id        string
	transport *SendTransport
}

func (p *producer) ID() string   { return p.id }
func (p *producer) Kind() string { return producerKindAudio }

// Close asks the server to stop the producer. Frames are dropped from then on.
func (p *producer) Close(ctx context.Context) error {
	t := p.transport
	t.mu.Lock()
	if t.producer != p {
		t.mu.Unlock()
		return nil
	}
	t.producer = nil
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil
	}
	return t.neg.StopProduce(ctx, producerKindAudio)
}

var (
	_ core.SendTransport   = (*SendTransport)(nil)
	_ core.FailureReporter = (*SendTransport)(nil)
)
