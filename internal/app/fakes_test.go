package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/revoice/internal/adapters/signal"
	"github.com/dkeye/revoice/internal/core"
	"github.com/dkeye/revoice/internal/domain"
	"github.com/stretchr/testify/require"
)

// fakeSignaler completes the handshake on Connect unless told otherwise.
type fakeSignaler struct {
	mu          sync.Mutex
	events      chan signal.Event
	members     map[domain.UserID]domain.Member
	room        domain.RoomID
	connects    int
	disconnects int
	connectErr  error
	silent      bool
	stops       int
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		events:  make(chan signal.Event, 64),
		members: make(map[domain.UserID]domain.Member),
	}
}

func (f *fakeSignaler) Connect(_ context.Context, room domain.RoomID) error {
	f.mu.Lock()
	f.connects++
	n := f.connects
	err := f.connectErr
	silent := f.silent
	f.room = room
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if silent {
		return nil
	}
	f.events <- signal.Event{Type: signal.EventAuthenticated, Room: room, Capabilities: core.RTPCapabilities{
		Codecs: []core.RTPCodecCapability{{Kind: "audio", MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2}},
	}}
	f.events <- signal.Event{Type: signal.EventTransportsInitialized, Room: room, Transports: core.TransportsInit{
		SendTransport: &core.TransportParams{ID: fmt.Sprintf("send-%d", n)},
	}}
	return nil
}

func (f *fakeSignaler) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeSignaler) Events() <-chan signal.Event { return f.events }

func (f *fakeSignaler) ConnectTransport(context.Context, string, core.DTLSParameters) error {
	return nil
}

func (f *fakeSignaler) StartProduce(context.Context, string, core.RTPParameters) (string, error) {
	return "prod", nil
}

func (f *fakeSignaler) StopProduce(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSignaler) Members() []domain.Member {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Member
	for _, m := range f.members {
		if m.Connected {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSignaler) Member(id domain.UserID) (domain.Member, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[id]
	return m, ok
}

func (f *fakeSignaler) IsConnected(id domain.UserID) bool {
	m, ok := f.Member(id)
	return ok && m.Connected
}

func (f *fakeSignaler) RoomEmpty() bool { return len(f.Members()) == 0 }

func (f *fakeSignaler) snapshot(ids ...domain.UserID) {
	f.mu.Lock()
	var list []domain.Member
	for _, id := range ids {
		m := domain.Member{ID: id, DisplayName: string(id), Connected: true, ConnectedRoom: f.room}
		f.members[id] = m
		list = append(list, m)
	}
	room := f.room
	f.mu.Unlock()
	f.events <- signal.Event{Type: signal.EventRoomSnapshot, Room: room, Members: list}
}

func (f *fakeSignaler) join(id domain.UserID) {
	f.mu.Lock()
	m := domain.Member{ID: id, DisplayName: "name-" + string(id), Connected: true, ConnectedRoom: f.room}
	f.members[id] = m
	f.mu.Unlock()
	f.events <- signal.Event{Type: signal.EventUserJoined, Member: m}
}

func (f *fakeSignaler) leave(id domain.UserID) {
	f.mu.Lock()
	m := f.members[id]
	m.MarkLeft()
	f.members[id] = m
	f.mu.Unlock()
	f.events <- signal.Event{Type: signal.EventUserLeft, Member: m}
}

func (f *fakeSignaler) counts() (connects, disconnects, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.stops
}

type fakeProducer struct {
	id     string
	neg    core.Negotiator
	closed int
	mu     sync.Mutex
}

func (p *fakeProducer) ID() string   { return p.id }
func (p *fakeProducer) Kind() string { return "audio" }
func (p *fakeProducer) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return p.neg.StopProduce(ctx, "audio")
}

type fakeTransport struct {
	id  string
	neg core.Negotiator

	mu       sync.Mutex
	produced int
	frames   int
	closed   bool
	onFailed func()
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Produce(context.Context) (core.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("closed")
	}
	t.produced++
	return &fakeProducer{id: fmt.Sprintf("%s-prod-%d", t.id, t.produced), neg: t.neg}, nil
}

func (t *fakeTransport) WriteFrame(core.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames++
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) OnFailed(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFailed = fn
}

// fail reports a broken media path the way a dead peer connection does.
func (t *fakeTransport) fail() {
	t.mu.Lock()
	fn := t.onFailed
	t.onFailed = nil
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTransport) stats() (produced int, closed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.produced, t.closed
}

type transportRecorder struct {
	mu   sync.Mutex
	list []*fakeTransport
	caps []core.RTPCapabilities
}

func (r *transportRecorder) factory(params core.TransportParams, router core.RTPCapabilities, neg core.Negotiator) (core.SendTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &fakeTransport{id: params.ID, neg: neg}
	r.list = append(r.list, t)
	r.caps = append(r.caps, router)
	return t, nil
}

func (r *transportRecorder) all() []*fakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeTransport(nil), r.list...)
}

type fakeMedia struct {
	id     string
	events chan core.MediaEvent

	mu        sync.Mutex
	sink      core.FrameSink
	destroyed int
	once      sync.Once
}

func newFakeMedia(id string, withEvents bool) *fakeMedia {
	m := &fakeMedia{id: id}
	if withEvents {
		m.events = make(chan core.MediaEvent, 16)
	}
	return m
}

func (m *fakeMedia) ID() string { return m.id }

func (m *fakeMedia) Attach(sink core.FrameSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

func (m *fakeMedia) Events() <-chan core.MediaEvent {
	if m.events == nil {
		return nil
	}
	return m.events
}

func (m *fakeMedia) Destroy(context.Context) error {
	m.mu.Lock()
	m.destroyed++
	m.mu.Unlock()
	m.once.Do(func() {
		if m.events != nil {
			close(m.events)
		}
	})
	return nil
}

func (m *fakeMedia) attached() core.FrameSink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink
}

func (m *fakeMedia) destroyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

func (m *fakeMedia) emit(t core.MediaEventType) {
	m.events <- core.MediaEvent{Type: t}
}

func voiceRoom(id string) domain.Room {
	return domain.Room{ID: domain.RoomID(id), Name: "room " + id, Type: domain.ChannelVoice}
}

func waitState(t *testing.T, c *Connection, want domain.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state %s, want %s", c.State(), want)
}

func waitEventType(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "subscription closed before %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for event", typ.String())
		}
	}
}

func waitReady(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "connection not ready")
	}
}
