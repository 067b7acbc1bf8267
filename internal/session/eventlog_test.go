package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/sessioncore/internal/wire"
)

func TestEventLogAppendAssignsStrictlyIncreasingSequence(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	log := NewEventLog(s, nil)

	ev1, err := log.Append(&wire.Event{Kind: wire.EventTextDelta})
	require.NoError(t, err)
	ev2, err := log.Append(&wire.Event{Kind: wire.EventTextDelta})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), ev1.Sequence)
	assert.Equal(t, uint64(2), ev2.Sequence)
}

func TestEventLogReplayBelowBoundaryReturnsSnapshot(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	log := NewEventLog(s, nil)
	for i := 0; i < 5; i++ {
		_, err := log.Append(&wire.Event{Kind: wire.EventTextDelta})
		require.NoError(t, err)
	}
	require.NoError(t, log.Compact(3))

	snapshot, tail := log.ReplayFrom(1)
	require.NotNil(t, snapshot)
	assert.True(t, snapshot.Payload[wire.PayloadIsCompacted].(bool))
	for _, ev := range tail {
		assert.GreaterOrEqual(t, ev.Sequence, uint64(3))
	}
}

func TestEventLogReplayAtOrAboveBoundaryNoSnapshot(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	log := NewEventLog(s, nil)
	for i := 0; i < 5; i++ {
		_, err := log.Append(&wire.Event{Kind: wire.EventTextDelta})
		require.NoError(t, err)
	}

	snapshot, tail := log.ReplayFrom(3)
	assert.Nil(t, snapshot)
	require.Len(t, tail, 3)
	assert.Equal(t, uint64(3), tail[0].Sequence)
}

func TestEventLogCompactSetsBoundaryAndPrunesBelowIt(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	log := NewEventLog(s, nil)
	_, err := log.Append(&wire.Event{Kind: wire.EventSessionInfo})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := log.Append(&wire.Event{Kind: wire.EventTextDelta})
		require.NoError(t, err)
	}

	require.NoError(t, log.Compact(4))
	assert.Equal(t, uint64(4), s.CompactionBoundary())

	snapshot, tail := log.ReplayFrom(1)
	require.NotNil(t, snapshot, "a subscriber below the boundary gets a synthetic snapshot")
	for _, ev := range tail {
		assert.GreaterOrEqual(t, ev.Sequence, uint64(4))
	}
}
