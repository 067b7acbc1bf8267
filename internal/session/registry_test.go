package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreateAttachTerminate(t *testing.T) {
	r := NewRegistry(nil)
	s := r.Create("sess-1", "/w", "m", nil)
	assert.Equal(t, StatusInitializing, s.Status())

	got, err := r.Attach("sess-1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	require.NoError(t, r.Terminate("sess-1"))
	_, ok := r.Get("sess-1")
	assert.False(t, ok)
}

func TestRegistryAttachMissingReturnsSessionNotFound(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Attach("missing")
	assert.Error(t, err)
}

func TestRegistryCounts(t *testing.T) {
	r := NewRegistry(nil)
	r.Create("a", "/w", "m", nil)
	r.Create("b", "/w", "m", nil)
	require.NoError(t, r.Terminate("a"))

	counts := r.Counts()
	assert.Equal(t, int64(2), counts.TotalRegistered)
	assert.Equal(t, int64(1), counts.TotalUnregistered)
	assert.Equal(t, int64(1), counts.Active)
}
