// Package signal implements the client side of the voice signaling protocol.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/revoice/internal/adapters/api"
	"github.com/dkeye/revoice/internal/core"
	"github.com/dkeye/revoice/internal/domain"
	"github.com/dkeye/revoice/internal/observe"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("signal: connection closed")
	ErrNotConnected     = errors.New("signal: not connected")
)

// Handshaker obtains the token that authorises a signaling session.
type Handshaker interface {
	JoinCall(ctx context.Context, room domain.RoomID) (api.CallToken, error)
}

// UserResolver looks up display names for room members.
type UserResolver interface {
	User(ctx context.Context, id domain.UserID) (*domain.User, error)
}

type ClientConfig struct {
	// URL is used when the handshake does not name a server.
	URL            string
	ReadLimit      int64
	PingPeriod     time.Duration
	WriteWait      time.Duration
	RequestTimeout time.Duration
	// Capabilities derives the advertised capabilities from the router's.
	// Nil advertises the router capabilities unchanged.
	Capabilities core.CapabilitiesFunc
	Resolver     UserResolver
	// SelfID is the bot's own user id, excluded when deciding emptiness.
	SelfID domain.UserID
	Dialer *websocket.Dialer
}

func (cfg *ClientConfig) withDefaults() {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
}

type response struct {
	data json.RawMessage
	err  error
}

// wsConn is one websocket session with its outbound queue.
type wsConn struct {
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	clean  atomic.Bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		ws:     ws,
		send:   make(chan []byte, 32),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
	_ = c.ws.Close()
	c.mu.Unlock()
}

// Client speaks the signaling protocol for one room at a time. Request ids
// keep increasing across reconnects.
type Client struct {
	api    Handshaker
	cfg    ClientConfig
	log    zerolog.Logger
	nextID atomic.Uint64
	events chan Event

	mu      sync.Mutex
	conn    *wsConn
	room    domain.RoomID
	pending map[uint64]pendingRequest
	members map[domain.UserID]domain.Member
}

type pendingRequest struct {
	typ string
	ch  chan response
}

func NewClient(h Handshaker, cfg ClientConfig) *Client {
	cfg.withDefaults()
	return &Client{
		api:     h,
		cfg:     cfg,
		log:     log.With().Str("module", "signal").Logger(),
		events:  make(chan Event, 64),
		pending: make(map[uint64]pendingRequest),
		members: make(map[domain.UserID]domain.Member),
	}
}

// Events delivers client notifications. The channel is never closed.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens a session for room. The authentication and transport
// initialisation run in the background and are reported through Events.
func (c *Client) Connect(ctx context.Context, room domain.RoomID) error {
	if c.Connected() {
		_ = c.Disconnect()
	}
	tok, err := c.api.JoinCall(ctx, room)
	if err != nil {
		return fmt.Errorf("signal handshake: %w", err)
	}
	url := tok.URL
	if url == "" {
		url = c.cfg.URL
	}
	if url == "" {
		return errors.New("signal: no server url")
	}

	ws, _, err := c.cfg.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("signal dial %s: %w", url, err)
	}
	if c.cfg.ReadLimit > 0 {
		ws.SetReadLimit(c.cfg.ReadLimit)
	}
	conn := newWSConn(ws)

	c.mu.Lock()
	c.conn = conn
	c.room = room
	c.mu.Unlock()

	c.log.Info().Str("room", string(room)).Str("url", url).Msg("signaling connected")

	go c.writePump(conn)
	go c.readPump(conn)
	go c.handshake(conn, tok.Token, room)
	return nil
}

func (c *Client) handshake(conn *wsConn, token string, room domain.RoomID) {
	ctx := conn.ctx
	l := c.log.With().Str("room", string(room)).Logger()

	raw, err := c.Request(ctx, TypeAuthenticate, authenticateData{Token: token, RoomID: string(room)})
	if err != nil {
		c.abort(conn, fmt.Errorf("authenticate: %w", err))
		return
	}
	var ack authenticateReply
	if err := json.Unmarshal(raw, &ack); err != nil {
		c.abort(conn, fmt.Errorf("authenticate reply: %w", err))
		return
	}
	c.emit(Event{Type: EventAuthenticated, Room: room, Capabilities: ack.RTPCapabilities})

	caps := ack.RTPCapabilities
	if c.cfg.Capabilities != nil {
		caps = c.cfg.Capabilities(caps)
	}
	raw, err = c.Request(ctx, TypeInitializeTransports, initTransportsData{Mode: TransportMode, RTPCapabilities: caps})
	if err != nil {
		c.abort(conn, fmt.Errorf("initialize transports: %w", err))
		return
	}
	var init core.TransportsInit
	if err := json.Unmarshal(raw, &init); err != nil {
		c.abort(conn, fmt.Errorf("initialize transports reply: %w", err))
		return
	}
	if init.SendTransport == nil {
		c.abort(conn, errors.New("initialize transports: no send transport"))
		return
	}
	l.Debug().Str("transport", init.SendTransport.ID).Msg("transports initialized")
	c.emit(Event{Type: EventTransportsInitialized, Room: room, Transports: init})

	members, err := c.RoomInfo(ctx)
	if err != nil {
		// membership stays incremental; the session itself is usable
		l.Warn().Err(err).Msg("room snapshot failed")
		return
	}
	c.emit(Event{Type: EventRoomSnapshot, Room: room, Members: members})
}

// abort tears down a session whose handshake failed.
func (c *Client) abort(conn *wsConn, err error) {
	if errors.Is(err, ErrConnectionClosed) || conn.clean.Load() {
		return
	}
	c.log.Error().Err(err).Msg("signaling handshake failed")
	c.closeConn(conn, err)
}

// Request sends a message and waits for the reply with the same id.
func (c *Client) Request(ctx context.Context, typ string, data any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := c.nextID.Add(1) - 1
	ch := make(chan response, 1)
	c.pending[id] = pendingRequest{typ: typ, ch: ch}
	c.mu.Unlock()

	start := time.Now()
	res, err := c.await(ctx, conn, id, Request{ID: id, Type: typ, Data: data}, ch)
	observe.SignalRequests.WithLabelValues(typ, observe.ObserveOutcome(err)).Inc()
	observe.SignalRequestDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	return res, err
}

func (c *Client) await(ctx context.Context, conn *wsConn, id uint64, req Request, ch chan response) (json.RawMessage, error) {
	b, err := json.Marshal(req)
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("signal encode %s: %w", req.Type, err)
	}
	if err := conn.TrySend(b); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("signal send %s: %w", req.Type, err)
	}
	c.log.Debug().Uint64("request_id", id).Str("type", req.Type).Msg("request sent")

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		if c.forget(id) {
			return nil, ctx.Err()
		}
		// resolved concurrently
		res := <-ch
		return res.data, res.err
	}
}

// forget removes a waiter and reports whether it was still pending.
func (c *Client) forget(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	return ok
}

// resolve completes the waiter for id. It reports false for unknown ids.
func (c *Client) resolve(id uint64, res response) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- res
	return true
}

func (c *Client) pendingType(id uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	return p.typ, ok
}

// Disconnect closes the session cleanly and fails pending requests.
// It is a no-op when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.clean.Store(true)
	deadline := time.Now().Add(c.cfg.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug().Err(err).Msg("close frame not sent")
	}
	c.closeConn(conn, nil)
	return nil
}

// closeConn detaches conn and rejects every pending request. A non-nil
// cause on a session that was not closed cleanly emits EventDisconnected.
func (c *Client) closeConn(conn *wsConn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = nil
	room := c.room
	pending := c.pending
	c.pending = make(map[uint64]pendingRequest)
	c.mu.Unlock()

	conn.Close()
	for _, p := range pending {
		p.ch <- response{err: ErrConnectionClosed}
	}

	clean := conn.clean.Load()
	observe.SignalDisconnects.WithLabelValues(fmt.Sprint(clean)).Inc()
	if clean {
		c.log.Info().Str("room", string(room)).Msg("signaling disconnected")
		return
	}
	c.log.Warn().Err(cause).Str("room", string(room)).Msg("signaling connection lost")
	c.emit(Event{Type: EventDisconnected, Room: room, Err: cause})
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Str("event", ev.Type.String()).Msg("signal event dropped, consumer too slow")
	}
}

// ConnectTransport sends the local DTLS parameters for a transport.
func (c *Client) ConnectTransport(ctx context.Context, transportID string, dtls core.DTLSParameters) error {
	_, err := c.Request(ctx, TypeConnectTransport, connectTransportData{ID: transportID, DTLSParameters: dtls})
	return err
}

// StartProduce announces outgoing media and returns the producer id.
func (c *Client) StartProduce(ctx context.Context, kind string, params core.RTPParameters) (string, error) {
	raw, err := c.Request(ctx, TypeStartProduce, startProduceData{Type: kind, RTPParameters: params})
	if err != nil {
		return "", err
	}
	var reply startProduceReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("start produce reply: %w", err)
	}
	return reply.ProducerID, nil
}

func (c *Client) StopProduce(ctx context.Context, kind string) error {
	_, err := c.Request(ctx, TypeStopProduce, stopProduceData{Type: kind})
	return err
}

// RoomInfo fetches the membership snapshot and replaces the cached view.
func (c *Client) RoomInfo(ctx context.Context) ([]domain.Member, error) {
	raw, err := c.Request(ctx, TypeRoomInfo, nil)
	if err != nil {
		return nil, err
	}
	var reply roomInfoReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("room info reply: %w", err)
	}
	ids := make([]domain.UserID, 0, len(reply.Users))
	for id := range reply.Users {
		ids = append(ids, domain.UserID(id))
	}
	return c.applySnapshot(ids), nil
}

var _ core.Negotiator = (*Client)(nil)
