package rtc

import (
	"fmt"
	"time"

	"layeh.com/gopus"
)

const (
	frameSamples  = 960
	frameDuration = 20 * time.Millisecond
	maxOpusPacket = 4000
)

// encoder turns 20 ms interleaved s16le stereo frames into Opus packets.
type encoder struct {
	enc *gopus.Encoder
	pcm []int16
}

func newEncoder(bitrate int) (*encoder, error) {
	enc, err := gopus.NewEncoder(opusClockRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("rtc: create opus encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &encoder{enc: enc, pcm: make([]int16, frameSamples*opusChannels)}, nil
}

func (e *encoder) encode(frame []byte) ([]byte, error) {
	pcmFromBytes(e.pcm, frame)
	out, err := e.enc.Encode(e.pcm, frameSamples, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("rtc: opus encode: %w", err)
	}
	return out, nil
}

// pcmFromBytes decodes little-endian samples into dst, zero-filling what the
// frame does not cover.
func pcmFromBytes(dst []int16, b []byte) {
	n := len(b) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	clear(dst[n:])
}
