package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandLayerReadIsUnionWithSessionWinning(t *testing.T) {
	base := NewBaseLayer()
	base.Reload([]Command{{Name: "read"}, {Name: "write"}})

	layer := newCommandLayer(base)
	layer.ReplaceSessionLayer([]Command{{Name: "write", Description: "session override"}, {Name: "bash"}})

	out := layer.Read()
	assert.Len(t, out, 3)
	assert.Equal(t, "session override", out["write"].Description)
}

func TestCommandLayerClearDeletesSessionEntries(t *testing.T) {
	base := NewBaseLayer()
	base.Reload([]Command{{Name: "read"}})
	layer := newCommandLayer(base)
	layer.ReplaceSessionLayer([]Command{{Name: "bash"}})

	layer.Clear()
	out := layer.Read()
	assert.Len(t, out, 1)
	_, ok := out["bash"]
	assert.False(t, ok)
}
