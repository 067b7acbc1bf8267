package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/sessioncore/internal/agentproc"
	"github.com/coderelay/sessioncore/internal/breaker"
	"github.com/coderelay/sessioncore/internal/wire"
)

// fakeProcess is a minimal AgentProcess test double.
type fakeProcess struct {
	events  chan *wire.Event
	exited  chan agentproc.ExitNotification
	sentMsg []json.RawMessage
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		events: make(chan *wire.Event, 16),
		exited: make(chan agentproc.ExitNotification, 1),
	}
}

func (f *fakeProcess) Events() <-chan *wire.Event                      { return f.events }
func (f *fakeProcess) Exited() <-chan agentproc.ExitNotification       { return f.exited }
func (f *fakeProcess) SendUserMessage(content json.RawMessage) error {
	f.sentMsg = append(f.sentMsg, content)
	return nil
}
func (f *fakeProcess) ResolvePermission(string, json.RawMessage) error { return nil }
func (f *fakeProcess) Cancel() (bool, error)                           { return true, nil }
func (f *fakeProcess) Shutdown(context.Context) error                  { return nil }

func TestMultiplexerSendUserMessageRequiresInputLock(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	log := NewEventLog(s, nil)
	proc := newFakeProcess()
	mux := NewMultiplexer(s, log, proc, zeroLogger())
	defer mux.Close()

	require.NoError(t, mux.SendUserMessage("client-a", json.RawMessage(`{"content":"hi"}`)))
	err := mux.SendUserMessage("client-b", json.RawMessage(`{"content":"hi"}`))
	assert.Error(t, err)
}

func TestMultiplexerAppendsSessionInfoAndTurnComplete(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	log := NewEventLog(s, nil)
	proc := newFakeProcess()
	mux := NewMultiplexer(s, log, proc, zeroLogger())
	defer mux.Close()

	proc.events <- &wire.Event{Kind: wire.EventSessionInfo, Payload: map[string]any{}}
	proc.events <- &wire.Event{Kind: wire.EventTurnComplete, Payload: map[string]any{}}

	require.Eventually(t, func() bool {
		return s.Sequence() == 2
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, StatusIdle, s.Status())
}

func TestMultiplexerFeedsRateLimitedResultToBreaker(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	log := NewEventLog(s, nil)
	proc := newFakeProcess()
	mux := NewMultiplexer(s, log, proc, zeroLogger())
	defer mux.Close()

	b := breaker.New(breaker.Config{ErrorThreshold: 1, ErrorWindow: time.Minute, MinCooldown: time.Second})
	mux.SetBreaker(b)

	proc.events <- &wire.Event{Kind: wire.EventTurnComplete, Payload: map[string]any{
		"rate_limited":        true,
		"retry_after_seconds": float64(5),
	}}

	require.Eventually(t, func() bool {
		return b.State() == breaker.StateOpen
	}, time.Second, 10*time.Millisecond)
}

func TestMultiplexerFeedsCleanResultToBreakerAsSuccess(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	log := NewEventLog(s, nil)
	proc := newFakeProcess()
	mux := NewMultiplexer(s, log, proc, zeroLogger())
	defer mux.Close()

	b := breaker.New(breaker.Config{ErrorThreshold: 1, ErrorWindow: time.Minute, MinCooldown: 10 * time.Millisecond})
	mux.SetBreaker(b)
	b.RecordRateLimitError(0)
	require.Eventually(t, func() bool { return b.AllowSpawn() }, time.Second, 5*time.Millisecond)
	require.Equal(t, breaker.StateHalfOpen, b.State())

	proc.events <- &wire.Event{Kind: wire.EventTurnComplete, Payload: map[string]any{}}

	require.Eventually(t, func() bool {
		return b.State() == breaker.StateClosed
	}, time.Second, 10*time.Millisecond)
}

func TestMultiplexerNotifyRateLimitedAppendsNonFatalError(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	log := NewEventLog(s, nil)
	proc := newFakeProcess()
	mux := NewMultiplexer(s, log, proc, zeroLogger())
	defer mux.Close()

	mux.NotifyRateLimited()

	require.Eventually(t, func() bool { return s.Sequence() == 1 }, time.Second, 10*time.Millisecond)
}

func TestMultiplexerResolvePermissionRequiresInputLock(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	log := NewEventLog(s, nil)
	proc := newFakeProcess()
	mux := NewMultiplexer(s, log, proc, zeroLogger())
	defer mux.Close()

	require.NoError(t, mux.SendUserMessage("client-a", json.RawMessage(`{}`)))

	err := mux.ResolvePermission("client-b", "req-1", json.RawMessage(`{"decision":"allow_once"}`))
	assert.Error(t, err)

	require.NoError(t, mux.ResolvePermission("client-a", "req-1", json.RawMessage(`{"decision":"allow_once"}`)))
}

func TestMultiplexerCancelTurnRequiresInputLock(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	log := NewEventLog(s, nil)
	proc := newFakeProcess()
	mux := NewMultiplexer(s, log, proc, zeroLogger())
	defer mux.Close()

	require.NoError(t, mux.SendUserMessage("client-a", json.RawMessage(`{}`)))

	_, err := mux.CancelTurn("client-b")
	assert.Error(t, err)

	_, err = mux.CancelTurn("client-a")
	assert.NoError(t, err)
}

func TestMultiplexerRejectsCompactionDuringActiveTurn(t *testing.T) {
	s := New("sess-1", "/w", "m", nil, nil)
	log := NewEventLog(s, nil)
	proc := newFakeProcess()
	mux := NewMultiplexer(s, log, proc, zeroLogger())
	defer mux.Close()

	require.NoError(t, mux.SendUserMessage("client-a", json.RawMessage(`{}`)))
	err := mux.RequestCompaction(1)
	assert.Error(t, err)
}
