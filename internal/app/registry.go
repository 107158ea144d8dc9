package app

import (
	"sort"
	"sync"

	"github.com/dkeye/revoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry tracks live connections by room and every user seen in any of
// them. User entries are never deleted; leaving only flips them offline.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.RoomID]*Connection
	users map[domain.UserID]domain.Member
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[domain.RoomID]*Connection),
		users: make(map[domain.UserID]domain.Member),
	}
}

// Add registers conn unless its room already has a connection.
func (r *Registry) Add(conn *Connection) bool {
	id := conn.Room().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return false
	}
	r.conns[id] = conn
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("bound connection")
	return true
}

// Remove unregisters the room's connection if it is still conn.
func (r *Registry) Remove(room domain.RoomID, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[room]
	if !ok || (conn != nil && cur != conn) {
		return false
	}
	delete(r.conns, room)
	log.Info().Str("module", "app.registry").Str("room", string(room)).Msg("unbound connection")
	return true
}

func (r *Registry) Get(room domain.RoomID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[room]
	return c, ok
}

// List returns the registered connections ordered by room id.
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Room().ID < out[j].Room().ID })
	return out
}

// UpdateMember records a membership change seen in room. A departure only
// applies when the user was last seen in that room.
func (r *Registry) UpdateMember(room domain.RoomID, m domain.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, known := r.users[m.ID]
	if !m.Connected {
		if !known || (prev.Connected && prev.ConnectedRoom != room) {
			return
		}
		prev.MarkLeft()
		if m.DisplayName != "" {
			prev.DisplayName = m.DisplayName
		}
		r.users[m.ID] = prev
		return
	}
	if m.ConnectedRoom == "" {
		m.ConnectedRoom = room
	}
	r.users[m.ID] = m
}

func (r *Registry) Member(id domain.UserID) (domain.Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.users[id]
	return m, ok
}
