package media

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, src *sourceBuffer, token uint64) int {
	t.Helper()
	var total int
	for i := 0; ; i++ {
		chunk, ok := src.next(token, i, nil)
		if !ok {
			return total
		}
		total += len(chunk)
	}
}

func TestSourceBufferReplaysFromStart(t *testing.T) {
	src := newSourceBuffer(0)
	require.NoError(t, src.fill(bytes.NewReader(bytes.Repeat([]byte{7}, readChunkSize+10))))
	assert.True(t, src.isDone())
	assert.Equal(t, readChunkSize+10, src.retained())

	token, err := src.rewind()
	require.NoError(t, err)
	assert.Equal(t, readChunkSize+10, drain(t, src, token))

	token, err = src.rewind()
	require.NoError(t, err)
	assert.Equal(t, readChunkSize+10, drain(t, src, token))
	assert.False(t, src.truncated())
}

func TestSourceBufferNextBlocksUntilAppend(t *testing.T) {
	src := newSourceBuffer(0)
	got := make(chan []byte, 1)
	go func() {
		chunk, _ := src.next(0, 0, nil)
		got <- chunk
	}()

	select {
	case <-got:
		t.Fatal("next returned before data arrived")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, src.append([]byte("abc")))

	select {
	case chunk := <-got:
		assert.Equal(t, []byte("abc"), chunk)
	case <-time.After(time.Second):
		t.Fatal("next did not wake up")
	}
}

func TestSourceBufferAbandonUnblocks(t *testing.T) {
	src := newSourceBuffer(0)
	done := make(chan bool, 1)
	go func() {
		_, ok := src.next(0, 0, nil)
		done <- ok
	}()
	src.abandon()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("abandon did not unblock next")
	}
	assert.ErrorIs(t, src.append([]byte("x")), errSourceAbandoned)
}

func TestSourceBufferRetentionCap(t *testing.T) {
	const limit = 4 * readChunkSize
	const streamed = 256 * readChunkSize
	src := newSourceBuffer(limit)
	token, err := src.rewind()
	require.NoError(t, err)

	filled := make(chan error, 1)
	go func() {
		filled <- src.fill(io.LimitReader(zeroReader{}, streamed))
	}()

	assert.Equal(t, streamed, drain(t, src, token))
	require.NoError(t, <-filled)
	assert.LessOrEqual(t, src.retained(), limit+readChunkSize)
	assert.True(t, src.truncated())

	_, err = src.rewind()
	assert.ErrorIs(t, err, ErrSourceTruncated)
	_, ok := src.next(token, 0, nil)
	assert.False(t, ok, "released chunks are gone")
}

func TestSourceBufferWaitsForReaderAtCap(t *testing.T) {
	src := newSourceBuffer(8)
	token, err := src.rewind()
	require.NoError(t, err)
	require.NoError(t, src.append([]byte("12345678")))

	appended := make(chan error, 1)
	go func() { appended <- src.append([]byte("9")) }()

	select {
	case <-appended:
		t.Fatal("append went past the cap with nothing consumed")
	case <-time.After(30 * time.Millisecond):
	}

	chunk, ok := src.next(token, 0, nil)
	require.True(t, ok)
	assert.Equal(t, []byte("12345678"), chunk)

	select {
	case err := <-appended:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("append did not resume after the reader caught up")
	}
	assert.Equal(t, 1, src.retained())
	assert.True(t, src.truncated())
}

func TestSourceBufferUnderCapStaysReplayable(t *testing.T) {
	src := newSourceBuffer(1 << 20)
	token, err := src.rewind()
	require.NoError(t, err)
	require.NoError(t, src.fill(bytes.NewReader(pcmFrames(10))))
	assert.Equal(t, len(pcmFrames(10)), drain(t, src, token))

	_, err = src.rewind()
	assert.NoError(t, err)
	assert.False(t, src.truncated())
}

type zeroReader struct{}

func (zeroReader) Read(b []byte) (int, error) {
	clear(b)
	return len(b), nil
}
