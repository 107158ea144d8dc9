package media

import (
	"testing"
	"time"

	"github.com/dkeye/revoice/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscoderArgs(t *testing.T) {
	tc := NewTranscoder(TranscoderConfig{}, 0)
	assert.Equal(t, []string{
		"-hide_banner", "-i", "pipe:0", "-vn", "-map", "0:a",
		"-f", "s16le", "-ar", "48000", "-ac", "2", "pipe:1",
	}, tc.Args())

	tc = NewTranscoder(TranscoderConfig{ReadNative: true, InputFormat: "mp3"}, 0)
	assert.Equal(t, []string{"-hide_banner", "-re", "-f", "mp3", "-i", "pipe:0", "-vn"}, tc.Args()[:7])

	// a seek bursts through the skipped prefix instead of reading it in real time
	tc = NewTranscoder(TranscoderConfig{ReadNative: true, InputFormat: "mp3"}, 30*time.Second)
	args := tc.Args()
	assert.Equal(t, []string{
		"-hide_banner", "-re", "-readrate_initial_burst", "30.000",
		"-f", "mp3", "-i", "pipe:0", "-ss", "30.000",
	}, args[:10])

	tc = NewTranscoder(TranscoderConfig{}, 1500*time.Millisecond)
	assert.NotContains(t, tc.Args(), "-readrate_initial_burst")
	assert.Contains(t, tc.Args(), "1.500")

	tc = NewTranscoder(TranscoderConfig{Output: OutputOpus, Bitrate: 96000}, 0)
	args = tc.Args()
	assert.Contains(t, args, "libopus")
	assert.Contains(t, args, "96000")
	assert.Equal(t, "ogg", args[len(args)-2])
	assert.Equal(t, "pipe:1", args[len(args)-1])
}

func TestTranscoderNegativeOffset(t *testing.T) {
	tc := NewTranscoder(TranscoderConfig{}, -time.Second)
	assert.Equal(t, time.Duration(0), tc.offset)
	assert.NotContains(t, tc.Args(), "-ss")
}

func TestTranscoderCutsFrames(t *testing.T) {
	tc := NewTranscoder(fakeTranscoderConfig(), 0)
	require.NoError(t, tc.Start())
	assert.ErrorIs(t, tc.Start(), ErrTranscoderStarted)

	input := append(pcmFrames(3), make([]byte, FrameBytes/2)...)
	require.ErrorIs(t, tc.Write(nil), ErrEmptyChunk)
	require.NoError(t, tc.Write(input))
	tc.CloseInput()

	var frames []core.Frame
	for f := range tc.Frames() {
		frames = append(frames, f)
	}
	require.Len(t, frames, 4)
	for i, f := range frames {
		assert.Len(t, f.Data, FrameBytes)
		assert.Equal(t, FrameSamples, f.Samples)
		assert.Equal(t, core.FormatPCM, f.Format)
		assert.False(t, f.IsEnd())
		if i < 3 {
			assert.Equal(t, byte(i), f.Data[0])
		}
	}

	kind, err := tc.Wait()
	require.NoError(t, err)
	assert.Equal(t, ExitEnded, kind)

	d, ok := tc.Duration()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)
	assert.InDelta(t, float64(70*time.Millisecond), float64(tc.Progress()), float64(time.Millisecond))
}

func TestTranscoderSkipsWithOffset(t *testing.T) {
	tc := NewTranscoder(fakeTranscoderConfig(), 40*time.Millisecond)
	require.NoError(t, tc.Start())
	require.NoError(t, tc.Write(pcmFrames(5)))
	tc.CloseInput()

	var first []byte
	count := 0
	for f := range tc.Frames() {
		if count == 0 {
			first = f.Data
		}
		count++
	}
	assert.Equal(t, 3, count)
	assert.Equal(t, byte(2), first[0])
}

func TestTranscoderKillClassification(t *testing.T) {
	t.Setenv(fakeModeEnv, "hang")

	tc := NewTranscoder(fakeTranscoderConfig(), 0)
	require.NoError(t, tc.Start())
	require.NoError(t, tc.Write(pcmFrames(1)))
	tc.CloseInput()

	select {
	case <-tc.Frames():
	case <-time.After(5 * time.Second):
		t.Fatal("no frame from transcoder")
	}
	tc.Kill()

	kind, _ := tc.Wait()
	assert.Equal(t, ExitKilled, kind)
	tc.Kill()
}

func TestTranscoderWriteAfterExitIsSwallowed(t *testing.T) {
	t.Setenv(fakeModeEnv, "fail")

	tc := NewTranscoder(fakeTranscoderConfig(), 0)
	require.NoError(t, tc.Start())

	kind, err := tc.Wait()
	assert.Equal(t, ExitEnded, kind)
	assert.Error(t, err)

	assert.NoError(t, tc.Write([]byte{1, 2, 3, 4}))
	_, ok := tc.Duration()
	assert.False(t, ok)
}
