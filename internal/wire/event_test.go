package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTripIsByteIdentical(t *testing.T) {
	ev := &Event{
		SessionID: "sess-1",
		Sequence:  42,
		Kind:      EventTextDelta,
		Timestamp: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"text": "hello"},
	}

	data, err := MarshalForStorage(ev)
	require.NoError(t, err)

	got, err := UnmarshalFromStorage(data)
	require.NoError(t, err)

	data2, err := MarshalForStorage(got)
	require.NoError(t, err)

	assert.Equal(t, data, data2)
	assert.Equal(t, ev.Sequence, got.Sequence)
	assert.True(t, ev.Timestamp.Equal(got.Timestamp))
}
