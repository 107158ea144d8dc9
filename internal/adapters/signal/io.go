package signal

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

func (c *Client) writePump(conn *wsConn) {
	var tick <-chan time.Time
	if c.cfg.PingPeriod > 0 {
		ticker := time.NewTicker(c.cfg.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-conn.ctx.Done():
			return
		case data, ok := <-conn.send:
			if !ok {
				return
			}
			if err := conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				c.closeConn(conn, err)
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				c.closeConn(conn, err)
				return
			}
		case <-tick:
			deadline := time.Now().Add(c.cfg.WriteWait)
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Warn().Err(err).Msg("writePump ping failed")
				c.closeConn(conn, err)
				return
			}
		}
	}
}

func (c *Client) readPump(conn *wsConn) {
	if c.cfg.PingPeriod > 0 {
		pongWait := c.cfg.PingPeriod * 10 / 9
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		conn.ws.SetPongHandler(func(string) error {
			return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				conn.clean.Store(true)
			}
			if !conn.clean.Load() && !errors.Is(err, websocket.ErrCloseSent) {
				c.log.Warn().Err(err).Msg("readPump read error")
			}
			c.closeConn(conn, err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Error().Err(err).Msg("bad json")
		return
	}

	switch msg.Type {
	case TypeUserJoined:
		c.handleUserJoined(msg.Data)
		return
	case TypeUserLeft:
		c.handleUserLeft(msg.Data)
		return
	}

	if msg.ID != nil {
		id := *msg.ID
		res := response{data: msg.Data}
		if msg.Type == TypeError {
			typ, _ := c.pendingType(id)
			res = response{err: parseServerError(typ, msg.Data)}
		}
		if c.resolve(id, res) {
			return
		}
		if isResponseType(msg.Type) {
			c.log.Warn().Uint64("request_id", id).Str("type", msg.Type).Msg("unmatched response dropped")
			return
		}
	}

	c.log.Debug().Str("type", msg.Type).Msg("unhandled signal forwarded")
	c.emit(Event{Type: EventUnknown, Room: c.Room(), RawType: msg.Type, Raw: msg.Data})
}

func isResponseType(t string) bool {
	switch t {
	case TypeAuthenticate, TypeInitializeTransports, TypeConnectTransport,
		TypeStartProduce, TypeStopProduce, TypeRoomInfo, TypeError:
		return true
	default:
		return false
	}
}
