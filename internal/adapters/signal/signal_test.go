package signal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/revoice/internal/core"
	"github.com/dkeye/revoice/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedClient(t *testing.T, f *fakeVortex, cfg ClientConfig) *Client {
	t.Helper()
	c := NewClient(fakeHandshaker{url: f.url()}, cfg)
	require.NoError(t, c.Connect(context.Background(), "room"))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestHandshakeFlow(t *testing.T) {
	f := newFakeVortex(t)
	var seen core.RTPCapabilities
	c := connectedClient(t, f, ClientConfig{
		Capabilities: func(router core.RTPCapabilities) core.RTPCapabilities {
			seen = router
			return core.RTPCapabilities{Codecs: router.Codecs[:1]}
		},
		Resolver: fakeResolver{},
	})

	ev := waitEvent(t, c, EventAuthenticated)
	require.Len(t, ev.Capabilities.Codecs, 1)
	assert.Equal(t, "audio/opus", ev.Capabilities.Codecs[0].MimeType)

	ev = waitEvent(t, c, EventTransportsInitialized)
	require.NotNil(t, ev.Transports.SendTransport)
	assert.Equal(t, "send-1", ev.Transports.SendTransport.ID)
	assert.True(t, ev.Transports.SendTransport.ICEParameters.ICELite)
	assert.Equal(t, uint32(48000), seen.Codecs[0].ClockRate)

	ev = waitEvent(t, c, EventRoomSnapshot)
	require.Len(t, ev.Members, 2)
	assert.Equal(t, domain.UserID("bot"), ev.Members[0].ID)
	assert.True(t, ev.Members[1].Connected)
	assert.Equal(t, domain.RoomID("room"), ev.Members[1].ConnectedRoom)

	reqs := f.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, TypeAuthenticate, reqs[0].Type)
	assert.JSONEq(t, `{"token":"tok-room","roomId":"room"}`, string(reqs[0].Data))
	assert.Equal(t, TypeInitializeTransports, reqs[1].Type)
	var init initTransportsData
	require.NoError(t, json.Unmarshal(reqs[1].Data, &init))
	assert.Equal(t, TransportMode, init.Mode)
	assert.Equal(t, TypeRoomInfo, reqs[2].Type)

	require.Eventually(t, func() bool {
		m, _ := c.Member("u1")
		return m.DisplayName == "name-u1"
	}, time.Second, 5*time.Millisecond)
}

func TestRequestIDsIncrease(t *testing.T) {
	f := newFakeVortex(t)
	c := connectedClient(t, f, ClientConfig{})
	waitEvent(t, c, EventRoomSnapshot)

	ctx := context.Background()
	require.NoError(t, c.ConnectTransport(ctx, "send-1", core.DTLSParameters{Role: "client"}))
	id, err := c.StartProduce(ctx, "audio", core.RTPParameters{})
	require.NoError(t, err)
	assert.Equal(t, "prod-1", id)
	require.NoError(t, c.StopProduce(ctx, "audio"))

	// a reconnect must not reuse ids
	require.NoError(t, c.Connect(ctx, "room"))
	waitEvent(t, c, EventRoomSnapshot)

	reqs := f.requests()
	require.Len(t, reqs, 9)
	for i := 1; i < len(reqs); i++ {
		assert.Greater(t, reqs[i].ID, reqs[i-1].ID)
	}
	assert.Equal(t, uint64(0), reqs[0].ID)
}

func TestResponsesRoutedByID(t *testing.T) {
	f := newFakeVortex(t)
	c := connectedClient(t, f, ClientConfig{})
	waitEvent(t, c, EventRoomSnapshot)

	var held []wireRequest
	f.setRespond(func(req wireRequest) []reply {
		if req.Type != TypeStartProduce {
			return f.defaultReply(req)
		}
		held = append(held, req)
		if len(held) < 2 {
			return nil
		}
		// answer in reverse order and repeat the first answer
		second := replyTo(held[1], map[string]any{"producerId": "second"})
		first := replyTo(held[0], map[string]any{"producerId": "first"})
		return []reply{second, first, first}
	})

	type result struct {
		id  string
		err error
	}
	firstCh := make(chan result, 1)
	go func() {
		id, err := c.StartProduce(context.Background(), "audio", core.RTPParameters{})
		firstCh <- result{id, err}
	}()
	require.Eventually(t, func() bool { return len(f.requests()) == 4 }, time.Second, 5*time.Millisecond)

	id, err := c.StartProduce(context.Background(), "video", core.RTPParameters{})
	require.NoError(t, err)
	assert.Equal(t, "second", id)

	r := <-firstCh
	require.NoError(t, r.err)
	assert.Equal(t, "first", r.id)

	// the duplicate was dropped without disturbing the session
	require.NoError(t, c.StopProduce(context.Background(), "audio"))
}

func TestDisconnectFailsPending(t *testing.T) {
	f := newFakeVortex(t)
	c := connectedClient(t, f, ClientConfig{})
	waitEvent(t, c, EventRoomSnapshot)

	f.setRespond(func(req wireRequest) []reply { return nil })
	errCh := make(chan error, 1)
	go func() {
		_, err := c.StartProduce(context.Background(), "audio", core.RTPParameters{})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(f.requests()) == 4 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not rejected")
	}
	assert.False(t, c.Connected())

	_, err := c.Request(context.Background(), TypeRoomInfo, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	// a clean close is not reported as a disconnect
	select {
	case ev := <-c.Events():
		assert.NotEqual(t, EventDisconnected, ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNonCleanCloseEmitsDisconnected(t *testing.T) {
	f := newFakeVortex(t)
	c := connectedClient(t, f, ClientConfig{})
	waitEvent(t, c, EventRoomSnapshot)

	f.drop()
	ev := waitEvent(t, c, EventDisconnected)
	assert.Error(t, ev.Err)
	assert.Equal(t, domain.RoomID("room"), ev.Room)
	assert.False(t, c.Connected())

	require.NoError(t, c.Connect(context.Background(), "room"))
	waitEvent(t, c, EventRoomSnapshot)
}

func TestRequestContextCancelRemovesWaiter(t *testing.T) {
	f := newFakeVortex(t)
	c := connectedClient(t, f, ClientConfig{})
	waitEvent(t, c, EventRoomSnapshot)
	f.setRespond(func(req wireRequest) []reply { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, TypeRoomInfo, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.mu.Lock()
	assert.Empty(t, c.pending)
	c.mu.Unlock()
}

func TestServerErrorReply(t *testing.T) {
	f := newFakeVortex(t)
	c := connectedClient(t, f, ClientConfig{})
	waitEvent(t, c, EventRoomSnapshot)
	f.setRespond(func(req wireRequest) []reply {
		id := req.ID
		return []reply{{ID: &id, Type: TypeError, Data: map[string]string{"error": "ProducerFailedToStart"}}}
	})

	_, err := c.StartProduce(context.Background(), "audio", core.RTPParameters{})
	var se *ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, TypeStartProduce, se.RequestType)
	assert.Equal(t, "ProducerFailedToStart", se.Message)
}

func TestMembershipEvents(t *testing.T) {
	f := newFakeVortex(t)
	c := connectedClient(t, f, ClientConfig{})
	waitEvent(t, c, EventRoomSnapshot)
	assert.False(t, c.RoomEmpty())

	f.push(reply{Type: TypeUserLeft, Data: map[string]string{"id": "u1"}})
	ev := waitEvent(t, c, EventUserLeft)
	assert.False(t, ev.Member.Connected)
	assert.Empty(t, ev.Member.ConnectedRoom)
	assert.False(t, c.IsConnected("u1"))
	assert.True(t, c.RoomEmpty())

	f.push(reply{Type: TypeUserJoined, Data: map[string]string{"id": "u2"}})
	ev = waitEvent(t, c, EventUserJoined)
	assert.Equal(t, domain.UserID("u2"), ev.Member.ID)
	assert.True(t, c.IsConnected("u2"))
	assert.False(t, c.RoomEmpty())

	// stale entries are kept
	m, ok := c.Member("u1")
	require.True(t, ok)
	assert.False(t, m.Connected)
	assert.Len(t, c.Members(), 2)
}

func TestRoomEmptyWithSelfID(t *testing.T) {
	f := newFakeVortex(t)
	f.mu.Lock()
	f.users = []string{"u1"}
	f.mu.Unlock()
	c := connectedClient(t, f, ClientConfig{SelfID: "bot"})
	waitEvent(t, c, EventRoomSnapshot)
	assert.False(t, c.RoomEmpty())

	f.push(reply{Type: TypeUserLeft, Data: map[string]string{"id": "u1"}})
	waitEvent(t, c, EventUserLeft)
	assert.True(t, c.RoomEmpty())
}

func TestUnknownTypeForwarded(t *testing.T) {
	f := newFakeVortex(t)
	c := connectedClient(t, f, ClientConfig{})
	waitEvent(t, c, EventRoomSnapshot)

	f.push(reply{Type: "UserStartProduce", Data: map[string]string{"id": "u1", "type": "audio"}})
	ev := waitEvent(t, c, EventUnknown)
	assert.Equal(t, "UserStartProduce", ev.RawType)
	assert.JSONEq(t, `{"id":"u1","type":"audio"}`, string(ev.Raw))
}
