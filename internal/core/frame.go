package core

// FrameFormat is the payload encoding of a Frame.
type FrameFormat uint8

const (
	// FormatPCM is interleaved signed 16-bit little-endian PCM.
	FormatPCM FrameFormat = iota
	// FormatOpus is one encoded Opus packet.
	FormatOpus
)

func (f FrameFormat) String() string {
	switch f {
	case FormatPCM:
		return "pcm"
	case FormatOpus:
		return "opus"
	default:
		return "unknown"
	}
}

// Frame is one fixed-duration unit of audio ready for real-time transport.
// Samples is the per-channel sample count carried by Data.
type Frame struct {
	Data    []byte
	Samples int
	Format  FrameFormat

	end bool
}

// EndOfStream returns the sentinel frame that marks the end of a stream.
// It never compares equal to a payload frame, including an empty one.
func EndOfStream() Frame { return Frame{end: true} }

// IsEnd reports whether f is the end-of-stream sentinel.
func (f Frame) IsEnd() bool { return f.end }

// FrameSink accepts frames for real-time playout.
type FrameSink interface {
	WriteFrame(Frame) error
}
