package app

import (
	"context"
	"time"

	"github.com/dkeye/revoice/internal/core"
	"github.com/dkeye/revoice/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ChannelLookup resolves a room through the platform API.
type ChannelLookup interface {
	Channel(ctx context.Context, id domain.RoomID) (domain.Room, error)
}

type ManagerConfig struct {
	Channels ChannelLookup
	// NewSignaler returns a fresh signaling session for one connection.
	NewSignaler func() Signaler
	Transports  core.TransportFactory
	// Connection holds the defaults for every joined room.
	Connection ConnectionConfig
}

// Manager owns the voice connections of the process, at most one per room.
type Manager struct {
	cfg ManagerConfig
	reg *Registry
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{cfg: cfg, reg: NewRegistry()}
}

type JoinOption func(*ConnectionConfig)

// WithAutoLeave makes the connection leave after the room has been empty
// for d. Zero disables auto-leave.
func WithAutoLeave(d time.Duration) JoinOption {
	return func(c *ConnectionConfig) { c.AutoLeave = d }
}

func WithReconnect(r ReconnectConfig) JoinOption {
	return func(c *ConnectionConfig) { c.Reconnect = r }
}

// Join validates the room and starts a connection for it. The returned
// connection is joining; wait on Ready before expecting playback.
func (m *Manager) Join(ctx context.Context, id domain.RoomID, opts ...JoinOption) (*Connection, error) {
	room, err := m.cfg.Channels.Channel(ctx, id)
	if err != nil {
		return nil, domain.NewJoinError(domain.CodeFetchError, id, err)
	}
	if !room.SupportsVoice() {
		return nil, domain.NewJoinError(domain.CodeNotAVoiceRoom, id, nil)
	}
	if room.ID == "" {
		room.ID = id
	}

	if conn, ok := m.reg.Get(id); ok {
		return m.rejoin(ctx, conn)
	}

	ccfg := m.cfg.Connection
	for _, opt := range opts {
		opt(&ccfg)
	}
	var conn *Connection
	ccfg.OnMember = m.reg.UpdateMember
	ccfg.OnAutoLeave = func() { m.reg.Remove(id, conn) }

	conn = NewConnection(room, m.cfg.NewSignaler(), m.cfg.Transports, ccfg)
	if !m.reg.Add(conn) {
		return nil, domain.NewJoinError(domain.CodeAlreadyConnected, id, nil)
	}
	if err := conn.Join(ctx); err != nil {
		m.reg.Remove(id, conn)
		_ = conn.Destroy(ctx)
		return nil, domain.NewJoinError(domain.CodeFetchError, id, err)
	}
	log.Info().Str("module", "app.manager").Str("room", string(id)).Str("name", room.Name).Msg("joined room")
	return conn, nil
}

// rejoin joins a registered connection again when it dropped out of its
// room, for instance after losing the signaling session for good.
func (m *Manager) rejoin(ctx context.Context, conn *Connection) (*Connection, error) {
	id := conn.Room().ID
	if !conn.rejoinable() {
		return nil, domain.NewJoinError(domain.CodeAlreadyConnected, id, nil)
	}
	if err := conn.Join(ctx); err != nil {
		return nil, domain.NewJoinError(domain.CodeFetchError, id, err)
	}
	log.Info().Str("module", "app.manager").Str("room", string(id)).Msg("rejoined room")
	return conn, nil
}

func (m *Manager) Connection(id domain.RoomID) (*Connection, bool) { return m.reg.Get(id) }

func (m *Manager) Connections() []*Connection { return m.reg.List() }

// Leave destroys the room's connection and forgets it. Unknown rooms are a no-op.
func (m *Manager) Leave(ctx context.Context, id domain.RoomID) error {
	conn, ok := m.reg.Get(id)
	if !ok {
		return nil
	}
	m.reg.Remove(id, conn)
	return conn.Destroy(ctx)
}

// Close destroys every connection concurrently.
func (m *Manager) Close(ctx context.Context) error {
	var g errgroup.Group
	for _, conn := range m.reg.List() {
		g.Go(func() error {
			m.reg.Remove(conn.Room().ID, conn)
			return conn.Destroy(ctx)
		})
	}
	return g.Wait()
}

// User returns what is known about a user and, when they are in a room this
// process is connected to, that connection.
func (m *Manager) User(id domain.UserID) (domain.Member, *Connection, bool) {
	member, ok := m.reg.Member(id)
	if !ok {
		return domain.Member{}, nil, false
	}
	if !member.Connected {
		return member, nil, true
	}
	conn, ok := m.reg.Get(member.ConnectedRoom)
	if !ok {
		return member, nil, true
	}
	if fresh, ok := conn.sig.Member(id); ok && fresh.DisplayName != "" {
		member.DisplayName = fresh.DisplayName
	}
	return member, conn, true
}

// KnowsUser reports whether the user was ever seen. The entry may be stale.
func (m *Manager) KnowsUser(id domain.UserID) bool {
	_, ok := m.reg.Member(id)
	return ok
}
