package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "pcm", cfg.Media.Output)
	assert.Equal(t, time.Millisecond, cfg.Media.Bias)
	assert.Equal(t, 64<<20, cfg.Media.MaxRetainedBytes)
	assert.Equal(t, 30*time.Second, cfg.Signaling.PingPeriod)
	assert.False(t, cfg.Signaling.Reconnect.Enabled)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.RTC.STUNServers)
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	body := `
port: 9090
media:
  output: opus
  exit_grace: 250ms
  max_retained_bytes: 1048576
voice:
  auto_leave: 2m
signaling:
  reconnect:
    enabled: true
    max_attempts: 3
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "opus", cfg.Media.Output)
	assert.Equal(t, 250*time.Millisecond, cfg.Media.ExitGrace)
	assert.Equal(t, 1<<20, cfg.Media.MaxRetainedBytes)
	assert.Equal(t, 2*time.Minute, cfg.Voice.AutoLeave)
	assert.True(t, cfg.Signaling.Reconnect.Enabled)
	assert.Equal(t, 3, cfg.Signaling.Reconnect.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Signaling.Reconnect.InitialDelay)
}

func TestLoadFileEnv(t *testing.T) {
	t.Setenv("REVOICE_API_TOKEN", "secret")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.API.Token)
}

func TestLoadFileRejectsBadOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("media:\n  output: mp3\n"), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestLoadFileRejectsNegativeRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("media:\n  max_retained_bytes: -1\n"), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
}
