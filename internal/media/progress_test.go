package media

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	d, err := ParseTimestamp("01:02:03.50")
	require.NoError(t, err)
	assert.Equal(t, time.Hour+2*time.Minute+3500*time.Millisecond, d)

	d, err = ParseTimestamp("00:00:07")
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, d)

	for _, bad := range []string{"", "12:00", "aa:00:00", "00:61:00", "00:00:60"} {
		_, err := ParseTimestamp(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "00:00:00", FormatTimestamp(0))
	assert.Equal(t, "00:01:05", FormatTimestamp(65*time.Second+900*time.Millisecond))
	assert.Equal(t, "10:00:01", FormatTimestamp(10*time.Hour+time.Second))
	assert.Equal(t, "00:00:00", FormatTimestamp(-time.Second))
}

func TestParseDiagnostics(t *testing.T) {
	d, ok := parseDuration("  Duration: 00:03:25.12, start: 0.000000, bitrate: 128 kb/s")
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute+25120*time.Millisecond, d)

	_, ok = parseDuration("  Duration: N/A, start: 0.000000")
	assert.False(t, ok)

	p, ok := parseProgress("size=     512kB time=00:00:12.34 bitrate= 339.9kbits/s speed=1x")
	require.True(t, ok)
	assert.Equal(t, 12340*time.Millisecond, p)

	_, ok = parseProgress("Stream mapping:")
	assert.False(t, ok)
}

func TestScanDiagnosticLines(t *testing.T) {
	sc := bufio.NewScanner(strings.NewReader("a\rb\nc"))
	sc.Split(scanDiagnosticLines)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}
