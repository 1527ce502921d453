package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorTransitions(t *testing.T) {
	t.Parallel()

	var a accumulator

	taken, _ := a.accumulate(EventRemoved{EventID: "E0"})
	assert.False(t, taken, "idle does not buffer")

	flushed, ended := a.finish()
	assert.False(t, ended)
	assert.Nil(t, flushed)
	assert.Equal(t, 0, a.depth)

	require.True(t, a.start())
	require.False(t, a.start())
	assert.Equal(t, accumulating, a.state)
	assert.Equal(t, 2, a.depth)

	taken, merged := a.accumulate(EventModified{EventID: "E1"})
	assert.True(t, taken)
	assert.False(t, merged)

	taken, merged = a.accumulate(EventRemoved{EventID: "E1"})
	assert.True(t, taken)
	assert.True(t, merged)

	_, ended = a.finish()
	assert.False(t, ended)

	flushed, ended = a.finish()
	assert.True(t, ended)
	assert.Equal(t, []Notification{EventRemoved{EventID: "E1"}}, flushed)
	assert.Equal(t, idle, a.state)
	assert.Empty(t, a.buffer)
	assert.Equal(t, 0, a.depth)
}

func TestAccumulatorDiscard(t *testing.T) {
	t.Parallel()

	var a accumulator

	a.start()
	a.accumulate(LockGranted{})

	assert.Len(t, a.discard(), 1)
	assert.Equal(t, idle, a.state)
	assert.Empty(t, a.buffer)
	assert.Equal(t, "idle", a.state.String())
}
