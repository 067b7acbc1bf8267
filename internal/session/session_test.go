package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnsubscribeReleasesInputLockHeldByDisconnectingClient(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	s.Subscribe("client-a", 0)

	require.NoError(t, s.InputLock().Acquire("client-a"))
	s.Unsubscribe("client-a")

	assert.Equal(t, "", s.InputLock().Holder())
	require.NoError(t, s.InputLock().Acquire("client-b"), "lock should be free for another client to acquire")
}

func TestUnsubscribeLeavesOtherClientsLockAlone(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	s.Subscribe("client-a", 0)
	s.Subscribe("client-b", 0)

	require.NoError(t, s.InputLock().Acquire("client-a"))
	s.Unsubscribe("client-b")

	assert.Equal(t, "client-a", s.InputLock().Holder())
}
