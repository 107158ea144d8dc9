package media

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/dkeye/revoice/internal/core"
)

// Volume scales s16le PCM frames. It is safe for concurrent use.
type Volume struct {
	bits atomic.Uint64
}

func NewVolume(level float64) *Volume {
	v := &Volume{}
	v.Set(level)
	return v
}

// Set stores level clamped to [0,1] and returns the stored value.
func (v *Volume) Set(level float64) float64 {
	if math.IsNaN(level) || level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	v.bits.Store(math.Float64bits(level))
	return level
}

func (v *Volume) Level() float64 {
	return math.Float64frombits(v.bits.Load())
}

// Apply scales f in place. Opus frames pass through untouched.
func (v *Volume) Apply(f core.Frame) core.Frame {
	if f.Format != core.FormatPCM || f.IsEnd() {
		return f
	}
	level := v.Level()
	if level == 1 {
		return f
	}
	for i := 0; i+1 < len(f.Data); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(f.Data[i:]))) * level
		switch {
		case s > math.MaxInt16:
			s = math.MaxInt16
		case s < math.MinInt16:
			s = math.MinInt16
		}
		binary.LittleEndian.PutUint16(f.Data[i:], uint16(int16(s)))
	}
	return f
}
