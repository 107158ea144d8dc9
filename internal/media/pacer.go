package media

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/revoice/internal/core"
	"github.com/dkeye/revoice/internal/observe"
	"github.com/rs/zerolog/log"
)

// DefaultBias is added to every recorded inter-frame interval.
const DefaultBias = time.Millisecond

// TimedFrame is a buffered frame with the gap that preceded its arrival.
type TimedFrame struct {
	Frame    core.Frame
	Interval time.Duration
}

// PacketHandler decides what happens to a frame arriving at the pacer.
// It reports whether the frame ended the stream.
type PacketHandler interface {
	HandleFrame(f core.Frame, interval time.Duration) bool
}

// DirectForward writes frames to the sink as they arrive.
type DirectForward struct{ p *Pacer }

func (h DirectForward) HandleFrame(f core.Frame, _ time.Duration) bool {
	return h.p.forwardLocked(f)
}

// Buffered holds frames with their arrival intervals for later replay.
type Buffered struct{ p *Pacer }

func (h Buffered) HandleFrame(f core.Frame, interval time.Duration) bool {
	h.p.queue = append(h.p.queue, TimedFrame{Frame: f, Interval: interval})
	observe.FramesBuffered.Inc()
	return false
}

// Pacer forwards frames to a sink and, while paused, records them together
// with their inter-arrival gaps so Resume replays the original timing.
type Pacer struct {
	bias     time.Duration
	volume   *Volume
	onFinish func()

	mu          sync.Mutex
	sink        core.FrameSink
	handler     PacketHandler
	queue       []TimedFrame
	lastArrival time.Time
	paused      bool
	draining    bool
	finished    bool

	// epoch identifies the live drain chain; Pause and Reset invalidate it.
	epoch   atomic.Uint64
	samples atomic.Int64
}

// NewPacer builds a pacer. onFinish runs once per epoch when the
// end-of-stream sentinel is played out.
func NewPacer(bias time.Duration, volume *Volume, onFinish func()) *Pacer {
	if bias < 0 {
		bias = 0
	}
	if volume == nil {
		volume = NewVolume(1)
	}
	p := &Pacer{bias: bias, volume: volume, onFinish: onFinish}
	p.handler = DirectForward{p}
	return p
}

// SetSink swaps the destination. A nil sink drops frames.
func (p *Pacer) SetSink(sink core.FrameSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// Push accepts the next frame from the transcoder.
func (p *Pacer) Push(f core.Frame) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	interval := p.bias
	if !p.lastArrival.IsZero() {
		if gap := now.Sub(p.lastArrival); gap > 0 {
			interval += gap
		}
	}
	p.lastArrival = now

	finished := p.handler.HandleFrame(f, interval)
	p.mu.Unlock()

	if finished {
		p.finish()
	}
}

func (p *Pacer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.draining = false
	p.epoch.Add(1)
	p.handler = Buffered{p}
}

// Resume replays buffered frames with their recorded intervals, then returns
// to direct forwarding.
func (p *Pacer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	if len(p.queue) == 0 {
		p.handler = DirectForward{p}
		return
	}
	p.draining = true
	p.scheduleLocked(p.epoch.Load())
}

func (p *Pacer) scheduleLocked(epoch uint64) {
	time.AfterFunc(p.queue[0].Interval, func() { p.drainOne(epoch) })
}

func (p *Pacer) drainOne(epoch uint64) {
	p.mu.Lock()
	if p.epoch.Load() != epoch || !p.draining || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	tf := p.queue[0]
	p.queue[0] = TimedFrame{}
	p.queue = p.queue[1:]

	finished := p.forwardLocked(tf.Frame)
	switch {
	case finished:
		p.queue = nil
		p.draining = false
	case len(p.queue) == 0:
		p.queue = nil
		p.draining = false
		p.handler = DirectForward{p}
	default:
		p.scheduleLocked(epoch)
	}
	p.mu.Unlock()

	if finished {
		p.finish()
	}
}

// forwardLocked plays out one frame. It reports true for the sentinel.
func (p *Pacer) forwardLocked(f core.Frame) bool {
	if f.IsEnd() {
		p.finished = true
		p.epoch.Add(1)
		return true
	}
	p.samples.Add(int64(f.Samples))
	if p.sink == nil {
		return false
	}
	if err := p.sink.WriteFrame(p.volume.Apply(f)); err != nil {
		log.Debug().Str("module", "media.pacer").Err(err).Msg("sink rejected frame")
		return false
	}
	observe.FramesSent.Inc()
	return false
}

func (p *Pacer) finish() {
	if p.onFinish != nil {
		p.onFinish()
	}
}

// Reset drops buffered frames, cancels pending replay and starts a new epoch.
func (p *Pacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch.Add(1)
	p.queue = nil
	p.paused = false
	p.draining = false
	p.finished = false
	p.lastArrival = time.Time{}
	p.handler = DirectForward{p}
	p.samples.Store(0)
}

// Played is the duration of audio forwarded since the last Reset.
func (p *Pacer) Played() time.Duration {
	return time.Duration(p.samples.Load()) * time.Second / SampleRate
}

func (p *Pacer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Pending reports how many frames wait for replay.
func (p *Pacer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
