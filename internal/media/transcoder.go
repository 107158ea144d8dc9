package media

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dkeye/revoice/internal/core"
	"github.com/dkeye/revoice/internal/observe"
	"github.com/jonas747/ogg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	SampleRate = 48000
	Channels   = 2
	// FrameSamples is the per-channel sample count of one 20 ms frame.
	FrameSamples = SampleRate / 50
	// FrameBytes is the size of one 20 ms s16le stereo frame.
	FrameBytes = FrameSamples * Channels * 2
	// FrameDuration is the playout length of one frame.
	FrameDuration = 20 * time.Millisecond
)

var (
	ErrEmptyChunk        = errors.New("media: empty chunk")
	ErrTranscoderStarted = errors.New("media: transcoder already started")
)

// Output selects the transcoder output encoding.
type Output string

const (
	OutputPCM  Output = "pcm"
	OutputOpus Output = "opus"
)

// ExitKind classifies how a transcoder process ended.
type ExitKind int

const (
	// ExitEnded means the process ran out of input or failed on its own.
	ExitEnded ExitKind = iota
	// ExitKilled means the process was terminated through Kill.
	ExitKilled
)

func (k ExitKind) String() string {
	if k == ExitKilled {
		return "killed"
	}
	return "ended"
}

type TranscoderConfig struct {
	FFmpegPath  string
	Output      Output
	InputFormat string
	ReadNative  bool
	Bitrate     int
}

// Transcoder drives one ffmpeg process that turns an arbitrary byte stream
// into fixed 20 ms frames.
type Transcoder struct {
	cfg    TranscoderConfig
	offset time.Duration
	log    zerolog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan core.Frame
	quit   chan struct{}
	done   chan struct{}

	started  atomic.Bool
	killed   atomic.Bool
	duration atomic.Int64
	progress atomic.Int64

	quitOnce  sync.Once
	inputOnce sync.Once
	exitErr   error
}

func NewTranscoder(cfg TranscoderConfig, offset time.Duration) *Transcoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Output == "" {
		cfg.Output = OutputPCM
	}
	if offset < 0 {
		offset = 0
	}
	t := &Transcoder{
		cfg:    cfg,
		offset: offset,
		frames: make(chan core.Frame, 32),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.duration.Store(-1)
	t.log = log.With().Str("module", "media.transcoder").Dur("offset", offset).Logger()
	return t
}

// Args returns the ffmpeg command line for this transcoder.
func (t *Transcoder) Args() []string {
	args := []string{"-hide_banner"}
	if t.cfg.ReadNative {
		args = append(args, "-re")
		if t.offset > 0 {
			// read the skipped prefix at full speed, pace from the offset on
			args = append(args, "-readrate_initial_burst", formatOffset(t.offset))
		}
	}
	if t.cfg.InputFormat != "" {
		args = append(args, "-f", t.cfg.InputFormat)
	}
	args = append(args, "-i", "pipe:0")
	if t.offset > 0 {
		args = append(args, "-ss", formatOffset(t.offset))
	}
	args = append(args, "-vn", "-map", "0:a")

	switch t.cfg.Output {
	case OutputOpus:
		bitrate := t.cfg.Bitrate
		if bitrate <= 0 {
			bitrate = 64000
		}
		args = append(args,
			"-c:a", "libopus",
			"-ar", strconv.Itoa(SampleRate),
			"-ac", strconv.Itoa(Channels),
			"-b:a", strconv.Itoa(bitrate),
			"-application", "audio",
			"-frame_duration", "20",
			"-f", "ogg",
		)
	default:
		args = append(args,
			"-f", "s16le",
			"-ar", strconv.Itoa(SampleRate),
			"-ac", strconv.Itoa(Channels),
		)
	}
	return append(args, "pipe:1")
}

// Start spawns the process. Its lifetime is bound to Kill, not to a context.
func (t *Transcoder) Start() error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrTranscoderStarted
	}
	cmd := exec.Command(t.cfg.FFmpegPath, t.Args()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("transcoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("transcoder stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("transcoder stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.cfg.FFmpegPath, err)
	}
	t.cmd = cmd
	t.stdin = stdin
	t.log.Debug().Int("pid", cmd.Process.Pid).Strs("args", cmd.Args[1:]).Msg("transcoder started")

	go t.run(stdout, stderr)
	return nil
}

func (t *Transcoder) run(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.scanDiagnostics(stderr)
	}()

	if t.cfg.Output == OutputOpus {
		t.readOgg(stdout)
	} else {
		t.readPCM(stdout)
	}
	// drain whatever is left so the process never blocks on a full pipe
	_, _ = io.Copy(io.Discard, stdout)
	wg.Wait()

	t.exitErr = t.cmd.Wait()
	kind := t.exitKind()
	observe.TranscoderExits.WithLabelValues(kind.String()).Inc()
	t.log.Debug().Str("exit", kind.String()).AnErr("err", t.exitErr).Msg("transcoder exited")

	close(t.frames)
	close(t.done)
}

func (t *Transcoder) readPCM(r io.Reader) {
	for {
		buf := make([]byte, FrameBytes)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			// a trailing partial frame is padded with silence
			if !t.emit(core.Frame{Data: buf, Samples: FrameSamples, Format: core.FormatPCM}) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *Transcoder) readOgg(r io.Reader) {
	decoder := ogg.NewPacketDecoder(ogg.NewDecoder(r))

	// the first two packets are the OpusHead and OpusTags headers
	skip := 2
	for {
		packet, _, err := decoder.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				t.log.Warn().Err(err).Msg("ogg demux failed")
			}
			return
		}
		if skip > 0 {
			skip--
			continue
		}
		data := make([]byte, len(packet))
		copy(data, packet)
		if !t.emit(core.Frame{Data: data, Samples: FrameSamples, Format: core.FormatOpus}) {
			return
		}
	}
}

func (t *Transcoder) emit(f core.Frame) bool {
	select {
	case t.frames <- f:
		return true
	case <-t.quit:
		return false
	}
}

func (t *Transcoder) scanDiagnostics(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), 64*1024)
	sc.Split(scanDiagnosticLines)
	for sc.Scan() {
		line := sc.Text()
		if t.duration.Load() < 0 {
			if d, ok := parseDuration(line); ok {
				t.duration.Store(int64(d))
				continue
			}
		}
		if p, ok := parseProgress(line); ok {
			t.progress.Store(int64(p))
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

// Write feeds a chunk of source bytes. Writes after the process went away are
// dropped silently.
func (t *Transcoder) Write(chunk []byte) error {
	if len(chunk) == 0 {
		return ErrEmptyChunk
	}
	if t.stdin == nil {
		return errors.New("media: transcoder not started")
	}
	if _, err := t.stdin.Write(chunk); err != nil {
		if isClosedPipe(err) {
			t.log.Debug().Err(err).Msg("transcoder input gone, chunk dropped")
			return nil
		}
		return fmt.Errorf("transcoder write: %w", err)
	}
	return nil
}

// CloseInput signals end of input.
func (t *Transcoder) CloseInput() {
	if t.stdin == nil {
		return
	}
	t.inputOnce.Do(func() {
		if err := t.stdin.Close(); err != nil && !isClosedPipe(err) {
			t.log.Debug().Err(err).Msg("close transcoder input")
		}
	})
}

// Frames yields frames in output order and is closed after the process exits.
func (t *Transcoder) Frames() <-chan core.Frame { return t.frames }

// Done is closed once the process has exited.
func (t *Transcoder) Done() <-chan struct{} { return t.done }

// Kill terminates the process. The exit is then classified as ExitKilled.
func (t *Transcoder) Kill() {
	t.killed.Store(true)

	t.quitOnce.Do(func() { close(t.quit) })

	t.CloseInput()
	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.log.Debug().Err(err).Msg("kill transcoder")
		}
	}
}

// Wait blocks until the process exits.
func (t *Transcoder) Wait() (ExitKind, error) {
	if !t.started.Load() {
		return ExitEnded, errors.New("media: transcoder not started")
	}
	<-t.done
	return t.exitKind(), t.exitErr
}

func (t *Transcoder) exitKind() ExitKind {
	if t.killed.Load() {
		return ExitKilled
	}
	return ExitEnded
}

// Duration is the input duration reported by ffmpeg, once seen.
func (t *Transcoder) Duration() (time.Duration, bool) {
	d := t.duration.Load()
	if d < 0 {
		return 0, false
	}
	return time.Duration(d), true
}

// Progress is the last output timestamp reported by ffmpeg.
func (t *Transcoder) Progress() time.Duration {
	return time.Duration(t.progress.Load())
}

func isClosedPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
