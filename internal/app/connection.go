package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/revoice/internal/adapters/signal"
	"github.com/dkeye/revoice/internal/core"
	"github.com/dkeye/revoice/internal/domain"
	"github.com/dkeye/revoice/internal/observe"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotJoined           = errors.New("connection: not joined")
	ErrConnectionDestroyed = errors.New("connection: destroyed")
	ErrNilMedia            = errors.New("connection: nil media")
	ErrTransportFailed     = errors.New("connection: send transport failed")
	errReadyTimeout        = errors.New("connection: session not ready in time")
)

// Signaler is the signaling session a Connection drives.
type Signaler interface {
	core.Negotiator
	Connect(ctx context.Context, room domain.RoomID) error
	Disconnect() error
	Events() <-chan signal.Event
	Members() []domain.Member
	Member(id domain.UserID) (domain.Member, bool)
	IsConnected(id domain.UserID) bool
	RoomEmpty() bool
}

type ConnectionConfig struct {
	// AutoLeave is how long the connection stays in an empty room.
	// Zero keeps it forever.
	AutoLeave    time.Duration
	ReadyTimeout time.Duration
	// OpTimeout bounds negotiation started by the connection itself.
	OpTimeout time.Duration
	Reconnect ReconnectConfig

	OnMember    func(room domain.RoomID, m domain.Member)
	OnAutoLeave func()
}

func (cfg *ConnectionConfig) withDefaults() {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
}

const (
	evJoin    = "join"
	evReady   = "ready"
	evBuffer  = "buffer"
	evStart   = "start"
	evPause   = "pause"
	evFinish  = "finish"
	evUnknown = "unknown"
	evLeave   = "leave"
)

type mediaEvent struct {
	gen uint64
	ev  core.MediaEvent
}

// Connection is the voice session for one room. It owns the signaling
// session, the send transport and at most one attached media.
type Connection struct {
	room    domain.Room
	sig     Signaler
	factory core.TransportFactory
	cfg     ConnectionConfig
	log     zerolog.Logger

	fsm       *fsm.FSM
	autoLeave *AutoLeaveTimer
	leaveCh   chan uint64
	failCh    chan core.SendTransport
	mediaCh   chan mediaEvent
	rebound   chan error

	mu              sync.Mutex
	caps            core.RTPCapabilities
	transport       core.SendTransport
	producer        core.Producer
	media           core.Media
	mediaGen        uint64
	ready           chan struct{}
	readyClosed     bool
	leaving         bool
	destroyed       bool
	reconnecting    bool
	reconnectCancel context.CancelFunc

	subMu      sync.Mutex
	subs       map[<-chan Event]chan Event
	subsClosed bool

	ctx         context.Context
	cancel      context.CancelFunc
	loopOnce    sync.Once
	destroyOnce sync.Once
	destroyErr  error
}

func NewConnection(room domain.Room, sig Signaler, factory core.TransportFactory, cfg ConnectionConfig) *Connection {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		room:    room,
		sig:     sig,
		factory: factory,
		cfg:     cfg,
		log:     log.With().Str("module", "app.connection").Str("room", string(room.ID)).Logger(),
		leaveCh: make(chan uint64, 1),
		failCh:  make(chan core.SendTransport, 1),
		mediaCh: make(chan mediaEvent, 16),
		rebound: make(chan error, 1),
		ready:   make(chan struct{}),
		subs:    make(map[<-chan Event]chan Event),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.fsm = newStateMachine(c)
	c.autoLeave = NewAutoLeaveTimer(cfg.AutoLeave, func(gen uint64) {
		// keep only the newest firing
		for {
			select {
			case c.leaveCh <- gen:
				return
			default:
			}
			select {
			case <-c.leaveCh:
			default:
			}
		}
	})
	return c
}

func newStateMachine(c *Connection) *fsm.FSM {
	var (
		off     = domain.StateOffline.String()
		joining = domain.StateJoining.String()
		idle    = domain.StateIdle.String()
		buf     = domain.StateBuffering.String()
		playing = domain.StatePlaying.String()
		paused  = domain.StatePaused.String()
		unknown = domain.StateUnknown.String()
	)
	return fsm.NewFSM(
		off,
		fsm.Events{
			{Name: evJoin, Src: []string{off}, Dst: joining},
			{Name: evReady, Src: []string{joining}, Dst: idle},
			{Name: evBuffer, Src: []string{idle, playing, paused, buf}, Dst: buf},
			{Name: evStart, Src: []string{buf, paused, idle}, Dst: playing},
			{Name: evPause, Src: []string{playing, buf}, Dst: paused},
			{Name: evFinish, Src: []string{buf, playing, paused, unknown}, Dst: idle},
			{Name: evUnknown, Src: []string{idle, buf, playing, paused}, Dst: unknown},
			{Name: evLeave, Src: []string{joining, idle, buf, playing, paused, unknown}, Dst: off},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.stateChanged(domain.ConnectionState(e.Src), domain.ConnectionState(e.Dst))
			},
		},
	)
}

func (c *Connection) stateChanged(from, to domain.ConnectionState) {
	c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	observe.StateTransitions.WithLabelValues(to.String()).Inc()
	switch {
	case from == domain.StateJoining && to == domain.StateIdle:
		observe.ActiveConnections.Inc()
	case from.Online() && to == domain.StateOffline:
		observe.ActiveConnections.Dec()
	}
	c.emit(Event{Type: EventState, Room: c.room.ID, State: to})
}

// fire applies a state machine event. Events that do not apply to the
// current state are ignored.
func (c *Connection) fire(name string) {
	err := c.fsm.Event(context.Background(), name)
	var noop fsm.NoTransitionError
	if err != nil && !errors.As(err, &noop) {
		c.log.Debug().Err(err).Str("event", name).Msg("state event ignored")
	}
}

func (c *Connection) Room() domain.Room { return c.room }

func (c *Connection) State() domain.ConnectionState {
	return domain.ConnectionState(c.fsm.Current())
}

func (c *Connection) Members() []domain.Member { return c.sig.Members() }

func (c *Connection) IsConnected(id domain.UserID) bool { return c.sig.IsConnected(id) }

// rejoinable reports whether the connection dropped out of its room on its
// own and can be joined again.
func (c *Connection) rejoinable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.destroyed && !c.reconnecting && c.fsm.Is(domain.StateOffline.String())
}

// Media returns the attached media, or nil.
func (c *Connection) Media() core.Media {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media
}

// Ready is closed once the room session can carry media.
func (c *Connection) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Events returns a new subscription. It is closed when the connection is
// destroyed. Events are dropped for subscribers that fall behind.
func (c *Connection) Events() <-chan Event {
	ch := make(chan Event, 32)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch
	}
	c.subs[ch] = ch
	return ch
}

func (c *Connection) emit(ev Event) {
	ev.Room = c.room.ID
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.Warn().Str("event", ev.Type.String()).Msg("event dropped, subscriber too slow")
		}
	}
}

func (c *Connection) closeSubs() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subsClosed = true
	for sub, ch := range c.subs {
		delete(c.subs, sub)
		close(ch)
	}
}

// Join opens the signaling session. It returns once the session is dialled;
// Ready reports when transports are negotiated.
func (c *Connection) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrConnectionDestroyed
	}
	if !c.fsm.Is(domain.StateOffline.String()) {
		c.mu.Unlock()
		return nil
	}
	c.leaving = false
	if c.readyClosed {
		c.ready = make(chan struct{})
		c.readyClosed = false
	}
	c.fire(evJoin)
	c.mu.Unlock()

	c.loopOnce.Do(func() { go c.run() })

	if err := c.sig.Connect(ctx, c.room.ID); err != nil {
		c.mu.Lock()
		c.fire(evLeave)
		c.mu.Unlock()
		return err
	}
	c.log.Info().Msg("joining")
	return nil
}

// Play attaches media to the connection and starts producing audio.
// Previously attached media is destroyed.
func (c *Connection) Play(ctx context.Context, m core.Media) (core.Producer, error) {
	if m == nil {
		return nil, ErrNilMedia
	}
	select {
	case <-c.Ready():
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrConnectionDestroyed
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrConnectionDestroyed
	}
	if !c.State().Online() {
		c.mu.Unlock()
		return nil, ErrNotJoined
	}
	producer, err := c.ensureProducerLocked(ctx)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	old := c.media
	if old != m {
		if c.State() != domain.StateIdle {
			c.fire(evFinish)
		}
		c.mediaGen++
		c.media = m
		if evs := m.Events(); evs != nil {
			go c.forwardMedia(c.mediaGen, evs)
			c.fire(evBuffer)
		} else {
			c.fire(evUnknown)
		}
	}
	m.Attach(c.transport)
	c.mu.Unlock()

	c.log.Info().Str("media", m.ID()).Str("producer", producer.ID()).Msg("media attached")
	if old != nil && old != m {
		old.Attach(nil)
		if err := old.Destroy(ctx); err != nil {
			c.log.Warn().Err(err).Str("media", old.ID()).Msg("destroy replaced media")
		}
	}
	return producer, nil
}

func (c *Connection) forwardMedia(gen uint64, evs <-chan core.MediaEvent) {
	for ev := range evs {
		select {
		case c.mediaCh <- mediaEvent{gen: gen, ev: ev}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) ensureProducerLocked(ctx context.Context) (core.Producer, error) {
	if c.producer != nil {
		return c.producer, nil
	}
	if c.transport == nil {
		return nil, ErrNotJoined
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	p, err := c.transport.Produce(ctx)
	if err != nil {
		return nil, err
	}
	c.producer = p
	return p, nil
}

func (c *Connection) stopProducerLocked(ctx context.Context) {
	p := c.producer
	c.producer = nil
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		c.log.Warn().Err(err).Str("producer", p.ID()).Msg("stop produce failed")
	}
}

func (c *Connection) closeTransportLocked() {
	c.producer = nil
	if c.media != nil {
		c.media.Attach(nil)
	}
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.log.Warn().Err(err).Msg("close transport")
		}
		c.transport = nil
	}
}

// Leave closes the room session and keeps the attached media for a later
// Join. Calling it on an offline connection is a no-op.
func (c *Connection) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.fsm.Is(domain.StateOffline.String()) && !c.reconnecting {
		c.mu.Unlock()
		return nil
	}
	c.leaving = true
	c.autoLeave.Disarm()
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	c.reconnecting = false
	c.stopProducerLocked(ctx)
	c.closeTransportLocked()
	c.fire(evLeave)
	c.mu.Unlock()

	members := c.sig.Members()
	err := c.sig.Disconnect()
	for _, m := range members {
		m.MarkLeft()
		c.memberChanged(m)
	}
	c.log.Info().Msg("left")
	c.emit(Event{Type: EventLeave})
	return err
}

// Destroy leaves the room, destroys the attached media and closes all
// subscriptions. It is idempotent.
func (c *Connection) Destroy(ctx context.Context) error {
	c.destroyOnce.Do(func() {
		err := c.Leave(ctx)
		c.autoLeave.Stop()

		c.mu.Lock()
		c.destroyed = true
		m := c.media
		c.media = nil
		c.mediaGen++
		c.mu.Unlock()

		if m != nil {
			if derr := m.Destroy(ctx); derr != nil && err == nil {
				err = derr
			}
		}
		c.cancel()
		c.closeSubs()
		c.destroyErr = err
	})
	return c.destroyErr
}

func (c *Connection) memberChanged(m domain.Member) {
	if c.cfg.OnMember != nil {
		c.cfg.OnMember(c.room.ID, m)
	}
}

func (c *Connection) run() {
	events := c.sig.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-events:
			c.handleSignal(ev)
		case me := <-c.mediaCh:
			c.handleMedia(me)
		case gen := <-c.leaveCh:
			c.handleAutoLeave(gen)
		case t := <-c.failCh:
			c.handleTransportFailed(t)
		}
	}
}

func (c *Connection) handleSignal(ev signal.Event) {
	switch ev.Type {
	case signal.EventAuthenticated:
		c.mu.Lock()
		c.caps = ev.Capabilities
		c.mu.Unlock()
	case signal.EventTransportsInitialized:
		if ev.Transports.SendTransport != nil {
			c.bindTransport(*ev.Transports.SendTransport)
		}
	case signal.EventRoomSnapshot:
		for _, m := range ev.Members {
			c.memberChanged(m)
		}
		c.initLeave()
		c.emit(Event{Type: EventRoomFetched})
	case signal.EventUserJoined:
		c.memberChanged(ev.Member)
		c.autoLeave.Disarm()
		c.emit(Event{Type: EventUserJoined, Member: ev.Member})
	case signal.EventUserLeft:
		c.memberChanged(ev.Member)
		c.initLeave()
		c.emit(Event{Type: EventUserLeft, Member: ev.Member})
	case signal.EventDisconnected:
		c.handleDisconnect(ev.Err)
	case signal.EventUnknown:
		c.log.Debug().Str("type", ev.RawType).Msg("unhandled signaling message")
	}
}

// bindTransport builds the send transport for a freshly initialised session
// and rebinds attached media to it.
func (c *Connection) bindTransport(params core.TransportParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaving || c.destroyed {
		return
	}

	t, err := c.factory(params, c.caps, c.sig)
	if err != nil {
		c.log.Error().Err(err).Str("transport", params.ID).Msg("create send transport")
		if c.reconnecting {
			c.notifyRebound(err)
			return
		}
		_ = c.sig.Disconnect()
		c.fire(evLeave)
		c.emit(Event{Type: EventDisconnected, Err: err})
		return
	}
	c.closeTransportLocked()
	c.transport = t
	if fr, ok := t.(core.FailureReporter); ok {
		fr.OnFailed(func() {
			select {
			case c.failCh <- t:
			case <-c.ctx.Done():
			}
		})
	}

	if c.media != nil {
		c.media.Attach(t)
		switch c.State() {
		case domain.StateBuffering, domain.StatePlaying, domain.StatePaused, domain.StateUnknown:
			if _, err := c.ensureProducerLocked(c.ctx); err != nil {
				c.log.Error().Err(err).Msg("resume producing")
			}
		}
	}

	if c.fsm.Is(domain.StateJoining.String()) {
		c.fire(evReady)
		c.emit(Event{Type: EventJoin})
	}
	if !c.readyClosed {
		close(c.ready)
		c.readyClosed = true
	}
	if c.reconnecting {
		c.notifyRebound(nil)
	}
	c.log.Info().Str("transport", t.ID()).Msg("send transport ready")
}

func (c *Connection) notifyRebound(err error) {
	select {
	case c.rebound <- err:
	default:
	}
}

func (c *Connection) handleMedia(me mediaEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if me.gen != c.mediaGen || c.destroyed {
		return
	}
	switch me.ev.Type {
	case core.MediaBuffering:
		if _, err := c.ensureProducerLocked(c.ctx); err != nil {
			c.log.Error().Err(err).Msg("produce for buffering media")
		}
		c.fire(evBuffer)
	case core.MediaStart:
		c.fire(evStart)
	case core.MediaPause:
		c.fire(evPause)
	case core.MediaFinish:
		c.stopProducerLocked(c.ctx)
		c.fire(evFinish)
	}
}

// initLeave re-evaluates the auto-leave countdown after a membership change.
func (c *Connection) initLeave() {
	c.autoLeave.Disarm()
	c.mu.Lock()
	leaving := c.leaving
	c.mu.Unlock()
	if !leaving && c.sig.RoomEmpty() {
		c.autoLeave.Arm()
	}
}

func (c *Connection) handleAutoLeave(gen uint64) {
	if !c.autoLeave.Due(gen) {
		c.log.Debug().Uint64("gen", gen).Msg("stale auto leave dropped")
		return
	}
	if !c.sig.RoomEmpty() {
		return
	}
	c.log.Info().Dur("after", c.cfg.AutoLeave).Msg("room empty, leaving")
	observe.AutoLeaves.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpTimeout)
	defer cancel()
	if err := c.Leave(ctx); err != nil {
		c.log.Warn().Err(err).Msg("auto leave")
	}
	c.emit(Event{Type: EventAutoLeave})
	if c.cfg.OnAutoLeave != nil {
		c.cfg.OnAutoLeave()
	}
	if err := c.Destroy(ctx); err != nil {
		c.log.Warn().Err(err).Msg("destroy after auto leave")
	}
}

// handleTransportFailed handles a media path that broke after negotiation.
// The session is recovered the same way as a lost signaling connection.
func (c *Connection) handleTransportFailed(t core.SendTransport) {
	c.mu.Lock()
	current := c.transport == t
	reconnect := c.cfg.Reconnect.Enabled
	c.mu.Unlock()
	if !current {
		return
	}
	c.log.Error().Str("transport", t.ID()).Msg("send transport failed")
	if !reconnect {
		if err := c.sig.Disconnect(); err != nil {
			c.log.Warn().Err(err).Msg("disconnect after transport failure")
		}
	}
	c.handleDisconnect(ErrTransportFailed)
}

func (c *Connection) handleDisconnect(cause error) {
	c.mu.Lock()
	if c.leaving || c.destroyed || c.fsm.Is(domain.StateOffline.String()) {
		c.mu.Unlock()
		return
	}
	if c.reconnecting {
		c.notifyRebound(cause)
		c.mu.Unlock()
		return
	}
	c.closeTransportLocked()
	if !c.cfg.Reconnect.Enabled {
		c.fire(evLeave)
		c.mu.Unlock()
		c.log.Warn().Err(cause).Msg("signaling lost")
		c.emit(Event{Type: EventDisconnected, Err: cause})
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.reconnecting = true
	c.reconnectCancel = cancel
	c.mu.Unlock()

	c.log.Warn().Err(cause).Msg("signaling lost, reconnecting")
	go c.reconnect(ctx, cancel)
}

func (c *Connection) reconnect(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	err := retryWithBackoff(ctx, c.cfg.Reconnect, c.log, func(ctx context.Context) error {
		select {
		case <-c.rebound:
		default:
		}
		if err := c.sig.Connect(ctx, c.room.ID); err != nil {
			return err
		}
		timer := time.NewTimer(c.cfg.ReadyTimeout)
		defer timer.Stop()
		select {
		case err := <-c.rebound:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			_ = c.sig.Disconnect()
			return errReadyTimeout
		}
	})

	c.mu.Lock()
	if !c.reconnecting {
		// Leave or Destroy took over
		c.mu.Unlock()
		return
	}
	c.reconnecting = false
	c.reconnectCancel = nil
	if err == nil {
		c.mu.Unlock()
		return
	}
	c.closeTransportLocked()
	c.fire(evLeave)
	c.mu.Unlock()
	c.emit(Event{Type: EventDisconnected, Err: err})
}
