package media

import (
	"context"
	"testing"

	"github.com/dkeye/revoice/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedForwardsToSink(t *testing.T) {
	f := NewFeed()
	assert.Nil(t, f.Events())
	assert.NotEmpty(t, f.ID())

	require.NoError(t, f.WriteFrame(tagged(1)))

	sink := &recordingSink{}
	f.Attach(sink)
	require.NoError(t, f.WriteFrame(tagged(2)))
	require.NoError(t, f.WriteFrame(core.EndOfStream()))
	assert.Equal(t, 1, sink.len())

	require.NoError(t, f.Destroy(context.Background()))
	require.NoError(t, f.Destroy(context.Background()))
	assert.ErrorIs(t, f.WriteFrame(tagged(3)), ErrFeedClosed)
	assert.Equal(t, 1, sink.len())
}
