package media

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/revoice/internal/core"
	"github.com/google/uuid"
)

var ErrFeedClosed = errors.New("media: feed closed")

// Feed forwards caller-supplied frames straight to the attached sink. It has
// no lifecycle events, so a connection playing it cannot track its state.
type Feed struct {
	id string

	mu     sync.RWMutex
	sink   core.FrameSink
	closed bool
}

func NewFeed() *Feed {
	return &Feed{id: uuid.NewString()}
}

func (f *Feed) ID() string { return f.id }

func (f *Feed) Attach(sink core.FrameSink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *Feed) Events() <-chan core.MediaEvent { return nil }

// WriteFrame forwards fr. Frames written while detached are dropped.
func (f *Feed) WriteFrame(fr core.Frame) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFeedClosed
	}
	if f.sink == nil || fr.IsEnd() {
		return nil
	}
	return f.sink.WriteFrame(fr)
}

func (f *Feed) Destroy(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.sink = nil
	f.mu.Unlock()
	return nil
}

var (
	_ core.Media     = (*Feed)(nil)
	_ core.FrameSink = (*Feed)(nil)
)
