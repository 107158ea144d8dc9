package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dkeye/revoice/internal/core"
	"github.com/dkeye/revoice/internal/observe"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoStream  = errors.New("media: no stream")
	ErrDestroyed = errors.New("media: player destroyed")
)

// DefaultMaxRetained is the default retention cap for source bytes.
const DefaultMaxRetained = 64 << 20

type PlayerConfig struct {
	Transcoder TranscoderConfig
	// Bias is added to every buffered inter-frame interval.
	Bias time.Duration
	// SettleDelay separates killing a transcoder from spawning its successor.
	SettleDelay time.Duration
	// ExitGrace is waited after an unintentional exit before the stream ends.
	ExitGrace time.Duration
	Volume    float64
	// MaxRetained caps the source bytes kept for respawning. Zero keeps
	// everything; a stream that outgrows the cap can no longer seek.
	MaxRetained int
}

func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{
		Transcoder:  TranscoderConfig{FFmpegPath: "ffmpeg", Output: OutputPCM, ReadNative: true},
		Bias:        DefaultBias,
		SettleDelay: 100 * time.Millisecond,
		ExitGrace:   time.Second,
		Volume:      1,
		MaxRetained: DefaultMaxRetained,
	}
}

// playback is one transcoder run fed from the retained source.
type playback struct {
	tc       *Transcoder
	src      *sourceBuffer
	token    uint64
	stop     chan struct{}
	stopOnce sync.Once
}

func (pb *playback) halt() {
	pb.stopOnce.Do(func() {
		close(pb.stop)
		pb.tc.Kill()
	})
}

func (pb *playback) halted() bool {
	select {
	case <-pb.stop:
		return true
	default:
		return false
	}
}

// Player is a media session: it owns the transcoder and pacer of the current
// stream and reports lifecycle events.
type Player struct {
	id     string
	cfg    PlayerConfig
	log    zerolog.Logger
	volume *Volume
	pacer  *Pacer
	events chan core.MediaEvent

	// opMu serializes operations that replace the transcoder.
	opMu sync.Mutex
	// pushMu fences frame delivery against pacer resets.
	pushMu sync.RWMutex

	mu         sync.Mutex
	current    *playback
	src        *sourceBuffer
	offset     time.Duration
	duration   time.Duration
	readNative bool
	active     bool
	destroyed  bool
}

func NewPlayer(cfg PlayerConfig) *Player {
	if cfg.Bias <= 0 {
		cfg.Bias = DefaultBias
	}
	p := &Player{
		id:         uuid.NewString(),
		cfg:        cfg,
		volume:     NewVolume(cfg.Volume),
		events:     make(chan core.MediaEvent, 16),
		readNative: cfg.Transcoder.ReadNative,
	}
	p.log = log.With().Str("module", "media.player").Str("media", p.id).Logger()
	p.pacer = NewPacer(cfg.Bias, p.volume, p.handleFinish)
	return p
}

func (p *Player) ID() string { return p.id }

func (p *Player) Events() <-chan core.MediaEvent { return p.events }

func (p *Player) Attach(sink core.FrameSink) { p.pacer.SetSink(sink) }

// PlayStream starts playing r from the beginning, replacing any current
// stream. The player reads r to EOF and closes it if it is an io.Closer.
func (p *Player) PlayStream(ctx context.Context, r io.Reader) error {
	if r == nil {
		return ErrNoStream
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()

	src, err := p.replaceSource(ctx)
	if err != nil {
		return err
	}
	if err := p.spawn(0, "play"); err != nil {
		src.abandon()
		return err
	}
	go func() {
		if err := src.fill(r); err != nil && !errors.Is(err, errSourceAbandoned) {
			p.log.Warn().Err(err).Msg("source read failed")
		}
	}()
	return nil
}

func (p *Player) PlayFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := p.PlayStream(ctx, f); err != nil {
		f.Close()
		return err
	}
	return nil
}

// Write feeds source bytes in push mode, starting a stream on first use.
// Once MaxRetained bytes are held it blocks until the transcoder catches up.
func (p *Player) Write(chunk []byte) error {
	if len(chunk) == 0 {
		return ErrEmptyChunk
	}
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()
	if src == nil || src.isDone() {
		var err error
		if src, err = p.startPush(); err != nil {
			return err
		}
	}
	return src.append(chunk)
}

// EndWrite marks the end of push-mode input.
func (p *Player) EndWrite() {
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()
	if src != nil {
		src.complete()
	}
}

func (p *Player) startPush() (*sourceBuffer, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	src := p.src
	p.mu.Unlock()
	if src != nil && !src.isDone() {
		return src, nil
	}
	src, err := p.replaceSource(context.Background())
	if err != nil {
		return nil, err
	}
	if err := p.spawn(0, "play"); err != nil {
		src.abandon()
		return nil, err
	}
	return src, nil
}

// replaceSource tears down the current stream and installs a fresh source.
func (p *Player) replaceSource(ctx context.Context) (*sourceBuffer, error) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, ErrDestroyed
	}
	old := p.src
	p.src = nil
	p.mu.Unlock()

	if old != nil {
		old.abandon()
	}
	if err := p.restart(ctx, 0, false, ""); err != nil {
		return nil, err
	}

	src := newSourceBuffer(p.cfg.MaxRetained)
	p.mu.Lock()
	p.src = src
	p.duration = 0
	p.mu.Unlock()
	return src, nil
}

// restart is the single respawn point. It kills the current transcoder,
// starts a new pacer epoch and, when relaunch is set, spawns a fresh
// transcoder at offset once the settle delay has passed.
func (p *Player) restart(ctx context.Context, offset time.Duration, relaunch bool, reason string) error {
	p.mu.Lock()
	old := p.current
	p.current = nil
	src := p.src
	p.mu.Unlock()

	if old != nil {
		old.halt()
	}
	p.pushMu.Lock()
	p.pacer.Reset()
	p.pushMu.Unlock()

	if old != nil {
		select {
		case <-old.tc.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !relaunch {
		return nil
	}
	if src == nil {
		return ErrNoStream
	}
	if p.cfg.SettleDelay > 0 {
		select {
		case <-time.After(p.cfg.SettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.spawn(offset, reason)
}

func (p *Player) spawn(offset time.Duration, reason string) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	cfg := p.cfg.Transcoder
	cfg.ReadNative = p.readNative
	src := p.src
	p.mu.Unlock()
	if src == nil {
		return ErrNoStream
	}
	token, err := src.rewind()
	if err != nil {
		return err
	}

	tc := NewTranscoder(cfg, offset)
	if err := tc.Start(); err != nil {
		return err
	}
	observe.TranscoderSpawns.WithLabelValues(reason).Inc()
	pb := &playback{tc: tc, src: src, token: token, stop: make(chan struct{})}

	p.mu.Lock()
	p.current = pb
	p.offset = offset
	p.active = true
	p.emitLocked(core.MediaBuffering)
	p.mu.Unlock()

	p.log.Debug().Str("reason", reason).Dur("offset", offset).Msg("transcoder spawned")
	go p.feed(pb)
	go p.pump(pb)
	return nil
}

func (p *Player) feed(pb *playback) {
	for i := 0; ; i++ {
		chunk, ok := pb.src.next(pb.token, i, pb.stop)
		if !ok {
			if !pb.halted() && pb.src.isDone() {
				pb.tc.CloseInput()
			}
			return
		}
		if err := pb.tc.Write(chunk); err != nil {
			p.log.Warn().Err(err).Msg("feed transcoder")
			return
		}
	}
}

func (p *Player) pump(pb *playback) {
	frames := pb.tc.Frames()
	started := false
	for {
		var (
			f  core.Frame
			ok bool
		)
		select {
		case <-pb.stop:
			return
		case f, ok = <-frames:
		}
		if !ok {
			break
		}
		if !p.deliver(pb, f) {
			return
		}
		if !started {
			started = true
			p.mu.Lock()
			if p.current == pb && !p.pacer.Paused() {
				p.emitLocked(core.MediaStart)
			}
			p.mu.Unlock()
		}
	}

	kind, err := pb.tc.Wait()
	if kind == ExitKilled {
		return
	}
	if err != nil {
		p.log.Warn().Err(err).Msg("transcoder exited with error")
	}
	select {
	case <-time.After(p.cfg.ExitGrace):
	case <-pb.stop:
		return
	}
	p.deliver(pb, core.EndOfStream())
}

func (p *Player) deliver(pb *playback, f core.Frame) bool {
	p.pushMu.RLock()
	defer p.pushMu.RUnlock()
	if pb.halted() {
		return false
	}
	p.pacer.Push(f)
	return true
}

func (p *Player) handleFinish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	p.active = false
	p.emitLocked(core.MediaFinish)
}

func (p *Player) emitLocked(t core.MediaEventType) {
	if p.destroyed {
		return
	}
	ev := core.MediaEvent{Type: t, Position: p.offset + p.pacer.Played()}
	select {
	case p.events <- ev:
	default:
		p.log.Warn().Str("event", t.String()).Msg("media event dropped, consumer too slow")
	}
}

func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || p.pacer.Paused() {
		return
	}
	p.pacer.Pause()
	p.emitLocked(core.MediaPause)
}

func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || !p.pacer.Paused() {
		return
	}
	p.pacer.Resume()
	p.emitLocked(core.MediaStart)
}

// Seek restarts the transcoder so output begins at pos.
func (p *Player) Seek(ctx context.Context, pos time.Duration) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if err := p.usable(); err != nil {
		return err
	}
	if pos < 0 {
		pos = 0
	}
	return p.restart(ctx, pos, true, "seek")
}

// Restart respawns the transcoder at the last checkpointed position.
func (p *Player) Restart(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if err := p.usable(); err != nil {
		return err
	}
	return p.restart(ctx, p.checkpoint(), true, "restart")
}

// checkpoint is the source position ffmpeg last reported, or the played-out
// position before the first report.
func (p *Player) checkpoint() time.Duration {
	p.mu.Lock()
	offset := p.offset
	cur := p.current
	p.mu.Unlock()
	if cur != nil {
		if pr := cur.tc.Progress(); pr > 0 {
			return offset + pr
		}
	}
	return offset + p.pacer.Played()
}

// usable reports whether the current stream can be respawned.
func (p *Player) usable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrDestroyed
	}
	if p.src == nil {
		return ErrNoStream
	}
	if p.src.truncated() {
		return ErrSourceTruncated
	}
	return nil
}

// Stop ends playback and drops the retained source. Stopping twice is a no-op.
func (p *Player) Stop(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.stopLocked(ctx)
}

func (p *Player) stopLocked(ctx context.Context) error {
	p.mu.Lock()
	src := p.src
	p.src = nil
	p.mu.Unlock()
	if src != nil {
		src.abandon()
	}

	err := p.restart(ctx, 0, false, "")

	p.mu.Lock()
	if p.active {
		p.active = false
		p.emitLocked(core.MediaFinish)
	}
	p.offset = 0
	p.mu.Unlock()
	return err
}

// Destroy stops playback and closes the event channel.
func (p *Player) Destroy(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed {
		return nil
	}
	err := p.stopLocked(ctx)

	p.mu.Lock()
	p.destroyed = true
	close(p.events)
	p.mu.Unlock()
	p.pacer.SetSink(nil)
	return err
}

// SetVolume sets the output level, clamped to [0,1], and returns it.
func (p *Player) SetVolume(v float64) float64 { return p.volume.Set(v) }

func (p *Player) Volume() float64 { return p.volume.Level() }

// SetReadNative toggles ffmpeg's -re for the next spawned transcoder.
func (p *Player) SetReadNative(on bool) {
	p.mu.Lock()
	p.readNative = on
	p.mu.Unlock()
}

func (p *Player) Paused() bool { return p.pacer.Paused() }

func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Position is the playback position in the source.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	offset := p.offset
	p.mu.Unlock()
	return offset + p.pacer.Played()
}

// Timestamp is Position as hh:mm:ss.
func (p *Player) Timestamp() string { return FormatTimestamp(p.Position()) }

// Duration is the source duration, zero until ffmpeg reported it.
func (p *Player) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.duration == 0 && p.current != nil {
		if d, ok := p.current.tc.Duration(); ok {
			p.duration = d
		}
	}
	return p.duration
}

var _ core.Media = (*Player)(nil)
