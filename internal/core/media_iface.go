package core

import (
	"context"
	"time"
)

type MediaEventType int

const (
	MediaBuffering MediaEventType = iota
	MediaStart
	MediaPause
	MediaFinish
)

func (t MediaEventType) String() string {
	switch t {
	case MediaBuffering:
		return "buffering"
	case MediaStart:
		return "start"
	case MediaPause:
		return "pause"
	case MediaFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// MediaEvent is a lifecycle notification emitted by a media session.
type MediaEvent struct {
	Type     MediaEventType
	Position time.Duration
}

// Media is an audio source that can be attached to a voice connection.
type Media interface {
	ID() string
	// Attach sets the sink frames are written to. A nil sink detaches.
	Attach(sink FrameSink)
	// Events returns the lifecycle channel, or nil for raw feeds that
	// emit frames without lifecycle signaling.
	Events() <-chan MediaEvent
	// Destroy stops playback and releases every resource. Safe to call twice.
	Destroy(ctx context.Context) error
}
