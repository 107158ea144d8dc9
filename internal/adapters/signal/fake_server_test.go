package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/revoice/internal/adapters/api"
	"github.com/dkeye/revoice/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type wireRequest struct {
	ID   uint64          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type reply struct {
	ID   *uint64 `json:"id,omitempty"`
	Type string  `json:"type"`
	Data any     `json:"data,omitempty"`
}

func replyTo(req wireRequest, data any) reply {
	id := req.ID
	return reply{ID: &id, Type: req.Type, Data: data}
}

// fakeVortex is a scripted signaling server.
type fakeVortex struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	conn    *websocket.Conn
	reqs    []wireRequest
	users   []string
	respond func(req wireRequest) []reply

	wmu sync.Mutex
}

func newFakeVortex(t *testing.T) *fakeVortex {
	f := &fakeVortex{t: t, users: []string{"bot", "u1"}}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = ws
		f.mu.Unlock()
		f.serve(ws)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeVortex) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeVortex) serve(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req wireRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		f.mu.Lock()
		f.reqs = append(f.reqs, req)
		respond := f.respond
		f.mu.Unlock()

		var out []reply
		if respond != nil {
			out = respond(req)
		} else {
			out = f.defaultReply(req)
		}
		for _, r := range out {
			f.write(ws, r)
		}
	}
}

func (f *fakeVortex) defaultReply(req wireRequest) []reply {
	switch req.Type {
	case TypeAuthenticate:
		return []reply{replyTo(req, map[string]any{
			"rtpCapabilities": map[string]any{
				"codecs": []map[string]any{{
					"kind": "audio", "mimeType": "audio/opus", "preferredPayloadType": 100,
					"clockRate": 48000, "channels": 2,
				}},
				"headerExtensions": []any{},
			},
		})}
	case TypeInitializeTransports:
		return []reply{replyTo(req, map[string]any{
			"sendTransport": map[string]any{
				"id":             "send-1",
				"iceParameters":  map[string]any{"usernameFragment": "uf", "password": "pw", "iceLite": true},
				"iceCandidates":  []any{},
				"dtlsParameters": map[string]any{"role": "auto", "fingerprints": []any{}},
			},
		})}
	case TypeRoomInfo:
		f.mu.Lock()
		users := map[string]any{}
		for _, u := range f.users {
			users[u] = map[string]any{"audio": true}
		}
		f.mu.Unlock()
		return []reply{replyTo(req, map[string]any{"id": "room", "users": users})}
	case TypeStartProduce:
		return []reply{replyTo(req, map[string]any{"producerId": "prod-1"})}
	default:
		return []reply{replyTo(req, map[string]any{})}
	}
}

func (f *fakeVortex) write(ws *websocket.Conn, v any) {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_ = ws.WriteJSON(v)
}

// push sends a server-initiated message on the current connection.
func (f *fakeVortex) push(v any) {
	f.mu.Lock()
	ws := f.conn
	f.mu.Unlock()
	require.NotNil(f.t, ws)
	f.write(ws, v)
}

// drop kills the transport without a close frame.
func (f *fakeVortex) drop() {
	f.mu.Lock()
	ws := f.conn
	f.mu.Unlock()
	if ws != nil {
		_ = ws.UnderlyingConn().Close()
	}
}

func (f *fakeVortex) requests() []wireRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wireRequest(nil), f.reqs...)
}

func (f *fakeVortex) setRespond(fn func(req wireRequest) []reply) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

type fakeHandshaker struct{ url string }

func (h fakeHandshaker) JoinCall(_ context.Context, room domain.RoomID) (api.CallToken, error) {
	return api.CallToken{Token: "tok-" + string(room), URL: h.url}, nil
}

type fakeResolver struct{}

func (fakeResolver) User(_ context.Context, id domain.UserID) (*domain.User, error) {
	return domain.NewUser(id, "name-"+string(id))
}

func waitEvent(t *testing.T, c *Client, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
			return Event{}
		}
	}
}
