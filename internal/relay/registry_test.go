package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/sessioncore/internal/apperr"
	"github.com/coderelay/sessioncore/internal/wire"
)

type fakeTunnelSender struct {
	done      chan struct{}
	closeErr  *apperr.Error
	sentFrame []*wire.Frame
}

func newFakeTunnelSender() *fakeTunnelSender {
	return &fakeTunnelSender{done: make(chan struct{})}
}

func (f *fakeTunnelSender) SendFrame(fr *wire.Frame) error {
	f.sentFrame = append(f.sentFrame, fr)
	return nil
}

func (f *fakeTunnelSender) Close(reason *apperr.Error) error {
	f.closeErr = reason
	close(f.done)
	return nil
}

func (f *fakeTunnelSender) Done() <-chan struct{} { return f.done }

func TestRegistryAdmitAndSend(t *testing.T) {
	r := NewRegistry()
	sender := newFakeTunnelSender()
	r.Admit("machine-1", "user-1", []string{"tools"}, sender)

	assert.Equal(t, 1, r.ActiveCount())
	require.NoError(t, r.Send("machine-1", &wire.Frame{RequestID: "r1"}))
	require.Len(t, sender.sentFrame, 1)
}

func TestRegistrySupersedesPriorTunnel(t *testing.T) {
	r := NewRegistry()
	first := newFakeTunnelSender()
	second := newFakeTunnelSender()

	r.Admit("machine-1", "user-1", nil, first)
	r.Admit("machine-1", "user-1", nil, second)

	require.NotNil(t, first.closeErr)
	assert.Equal(t, apperr.TunnelSuperseded, first.closeErr.Code)
	assert.Equal(t, 1, r.ActiveCount())
}

func TestRegistrySendToMissingMachineIsOffline(t *testing.T) {
	r := NewRegistry()
	err := r.Send("missing", &wire.Frame{})
	require.Error(t, err)
	appErr := apperr.Of(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperr.MachineOffline, appErr.Code)
}

func TestRegistryRemovesOnDone(t *testing.T) {
	r := NewRegistry()
	sender := newFakeTunnelSender()
	r.Admit("machine-1", "user-1", nil, sender)
	close(sender.done)

	require.Eventually(t, func() bool {
		_, ok := r.Get("machine-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
