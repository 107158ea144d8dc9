package signal

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/dkeye/revoice/internal/domain"
)

const resolveTimeout = 5 * time.Second

func (c *Client) handleUserJoined(data json.RawMessage) {
	var ev userEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ID == "" {
		c.log.Warn().Err(err).Msg("bad UserJoined payload")
		return
	}
	c.mu.Lock()
	room := c.room
	m, ok := c.members[ev.ID]
	if !ok {
		m = domain.Member{ID: ev.ID, DisplayName: string(ev.ID)}
	}
	m.Connected = true
	m.ConnectedRoom = room
	c.members[ev.ID] = m
	c.mu.Unlock()

	c.log.Info().Str("room", string(room)).Str("user", string(ev.ID)).Msg("user joined")
	c.emit(Event{Type: EventUserJoined, Room: room, Member: m})
	if !ok {
		go c.resolveName(ev.ID)
	}
}

func (c *Client) handleUserLeft(data json.RawMessage) {
	var ev userEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ID == "" {
		c.log.Warn().Err(err).Msg("bad UserLeft payload")
		return
	}
	c.mu.Lock()
	room := c.room
	m, ok := c.members[ev.ID]
	if !ok {
		m = domain.Member{ID: ev.ID, DisplayName: string(ev.ID)}
	}
	m.MarkLeft()
	c.members[ev.ID] = m
	c.mu.Unlock()

	c.log.Info().Str("room", string(room)).Str("user", string(ev.ID)).Msg("user left")
	c.emit(Event{Type: EventUserLeft, Room: room, Member: m})
}

// applySnapshot marks exactly the listed users as present.
func (c *Client) applySnapshot(ids []domain.UserID) []domain.Member {
	var unresolved []domain.UserID

	c.mu.Lock()
	room := c.room
	for id, m := range c.members {
		m.MarkLeft()
		c.members[id] = m
	}
	out := make([]domain.Member, 0, len(ids))
	for _, id := range ids {
		m, ok := c.members[id]
		if !ok {
			m = domain.Member{ID: id, DisplayName: string(id)}
			unresolved = append(unresolved, id)
		}
		m.Connected = true
		m.ConnectedRoom = room
		c.members[id] = m
		out = append(out, m)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for _, id := range unresolved {
		go c.resolveName(id)
	}
	return out
}

func (c *Client) resolveName(id domain.UserID) {
	if c.cfg.Resolver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	u, err := c.cfg.Resolver.User(ctx, id)
	if err != nil {
		c.log.Debug().Err(err).Str("user", string(id)).Msg("display name lookup failed")
		return
	}
	c.mu.Lock()
	if m, ok := c.members[id]; ok {
		m.DisplayName = u.DisplayName
		c.members[id] = m
	}
	c.mu.Unlock()
}

// Members returns the users currently present, ordered by id.
func (c *Client) Members() []domain.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Member, 0, len(c.members))
	for _, m := range c.members {
		if m.Connected {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Member returns the cached entry for id, including users that left.
func (c *Client) Member(id domain.UserID) (domain.Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[id]
	return m, ok
}

func (c *Client) IsConnected(id domain.UserID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members[id].Connected
}

// RoomEmpty reports whether nobody but the bot is present. With a known
// SelfID the bot is excluded explicitly; otherwise a single remaining member
// is assumed to be the bot.
func (c *Client) RoomEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, m := range c.members {
		if m.Connected && (c.cfg.SelfID == "" || id != c.cfg.SelfID) {
			n++
		}
	}
	if c.cfg.SelfID != "" {
		return n == 0
	}
	return n <= 1
}
