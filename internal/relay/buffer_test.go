package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/sessioncore/internal/wire"
)

type memBufferStore struct {
	mu    sync.Mutex
	items map[string]BufferedRequest
}

func newMemBufferStore() *memBufferStore {
	return &memBufferStore{items: make(map[string]BufferedRequest)}
}

func (s *memBufferStore) key(machineID, requestID string) string { return machineID + "/" + requestID }

func (s *memBufferStore) Insert(b BufferedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[s.key(b.MachineID, b.RequestID)] = b
	return nil
}

func (s *memBufferStore) Delete(machineID, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, s.key(machineID, requestID))
	return nil
}

func (s *memBufferStore) LoadAll() ([]BufferedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BufferedRequest, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	return out, nil
}

func TestBufferDeliveryOrderIsPriorityThenCreationTime(t *testing.T) {
	b := NewBuffer(newMemBufferStore(), 10, DefaultMaxBufferedMessageBytes, time.Hour)

	require.NoError(t, b.Enqueue("m1", &wire.Frame{RequestID: "user-msg-1"}, wire.PriorityUserMessage))
	require.NoError(t, b.Enqueue("m1", &wire.Frame{RequestID: "perm-response"}, wire.PriorityPermissionResponse))
	require.NoError(t, b.Enqueue("m1", &wire.Frame{RequestID: "heartbeat"}, wire.PriorityHeartbeat))

	out := b.Drain("m1")
	require.Len(t, out, 3)
	assert.Equal(t, "perm-response", out[0].RequestID)
	assert.Equal(t, "user-msg-1", out[1].RequestID)
	assert.Equal(t, "heartbeat", out[2].RequestID)
}

func TestBufferPerMachineCap(t *testing.T) {
	b := NewBuffer(newMemBufferStore(), 2, DefaultMaxBufferedMessageBytes, time.Hour)
	require.NoError(t, b.Enqueue("m1", &wire.Frame{RequestID: "a"}, wire.PriorityHeartbeat))
	require.NoError(t, b.Enqueue("m1", &wire.Frame{RequestID: "b"}, wire.PriorityHeartbeat))

	err := b.Enqueue("m1", &wire.Frame{RequestID: "c"}, wire.PriorityHeartbeat)
	assert.Error(t, err)
}

func TestBufferMessageSizeCap(t *testing.T) {
	b := NewBuffer(newMemBufferStore(), 10, 4, time.Hour)
	err := b.Enqueue("m1", &wire.Frame{RequestID: "a", Body: []byte("too big")}, wire.PriorityHeartbeat)
	assert.Error(t, err)
}

func TestBufferSweepPurgesExpired(t *testing.T) {
	b := NewBuffer(newMemBufferStore(), 10, DefaultMaxBufferedMessageBytes, time.Millisecond)
	require.NoError(t, b.Enqueue("m1", &wire.Frame{RequestID: "a"}, wire.PriorityHeartbeat))
	time.Sleep(5 * time.Millisecond)
	b.Sweep()
	assert.Equal(t, 0, b.Depth("m1"))
}
