package media

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"testing"
	"time"
)

const fakeFFmpegEnv = "REVOICE_FAKE_FFMPEG"

// fakeModeEnv selects the fake transcoder behaviour: "" echoes input and
// exits, "hang" echoes input and then blocks until killed, "fail" exits at once.
const fakeModeEnv = "REVOICE_FAKE_MODE"

func TestMain(m *testing.M) {
	if os.Getenv(fakeFFmpegEnv) != "" {
		os.Exit(fakeFFmpeg(os.Args[1:]))
	}
	os.Setenv(fakeFFmpegEnv, "1")
	os.Exit(m.Run())
}

// fakeFFmpeg treats stdin as s16le stereo at 48 kHz and echoes it to stdout,
// honouring -ss by skipping the matching number of bytes.
func fakeFFmpeg(args []string) int {
	mode := os.Getenv(fakeModeEnv)
	if mode == "fail" {
		fmt.Fprintln(os.Stderr, "pipe:0: Invalid data found when processing input")
		return 1
	}

	var offset float64
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-ss" {
			offset, _ = strconv.ParseFloat(args[i+1], 64)
		}
	}
	fmt.Fprintln(os.Stderr, "Input #0, s16le, from 'pipe:0':")
	fmt.Fprintln(os.Stderr, "  Duration: 00:00:02.00, start: 0.000000, bitrate: 1536 kb/s")

	skip := int64(offset*SampleRate) * Channels * 2
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, os.Stdin, skip); err != nil {
			return 0
		}
	}
	n, _ := io.Copy(os.Stdout, os.Stdin)
	played := time.Duration(n/(Channels*2)) * time.Second / SampleRate
	fmt.Fprintf(os.Stderr, "size=%dkB time=%s.%02d bitrate=1536kbits/s\r",
		n/1024, FormatTimestamp(played), int64((played%time.Second)/(10*time.Millisecond)))

	if mode == "hang" {
		select {}
	}
	return 0
}

func fakeTranscoderConfig() TranscoderConfig {
	return TranscoderConfig{FFmpegPath: os.Args[0], Output: OutputPCM}
}

// pcmFrames builds n frames whose bytes all carry the frame index.
func pcmFrames(n int) []byte {
	buf := make([]byte, 0, n*FrameBytes)
	for i := 0; i < n; i++ {
		for j := 0; j < FrameBytes; j++ {
			buf = append(buf, byte(i))
		}
	}
	return buf
}
