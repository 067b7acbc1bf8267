package agentproc

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/sessioncore/internal/apperr"
	"github.com/coderelay/sessioncore/internal/wire"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Binary = "agent"
	s, err := New(cfg, "sess-1", zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestTranslateSystemInitSetsSessionInfo(t *testing.T) {
	s := newTestSupervisor(t)
	ev, ok := s.translate(rawDoc{
		Type:      "system",
		Subtype:   "init",
		SessionID: "resumed-session",
		Tools:     []string{"bash", "read"},
		Version:   "1.2.3",
	})
	require.True(t, ok)
	assert.Equal(t, wire.EventSessionInfo, ev.Kind)
	assert.Equal(t, "resumed-session", s.sessionID)
	assert.Equal(t, []string{"bash", "read"}, ev.Payload["tools"])
}

func TestTranslatePermissionRequest(t *testing.T) {
	s := newTestSupervisor(t)
	ev, ok := s.translate(rawDoc{
		Type:      "control_request",
		Subtype:   "can_use_tool",
		RequestID: "req-1",
		ToolUseID: "tool-1",
	})
	require.True(t, ok)
	assert.Equal(t, wire.EventPermissionRequest, ev.Kind)
	assert.Equal(t, "req-1", ev.Payload["request_id"])
}

func TestTranslateUnknownTypeIsNoise(t *testing.T) {
	s := newTestSupervisor(t)
	_, ok := s.translate(rawDoc{Type: "totally_unknown"})
	assert.False(t, ok)
}

func TestTranslateResultClearsTurnActive(t *testing.T) {
	s := newTestSupervisor(t)
	s.turnActive.Store(true)
	ev, ok := s.translate(rawDoc{Type: "result", StopReason: "end_turn"})
	require.True(t, ok)
	assert.Equal(t, wire.EventTurnComplete, ev.Kind)
	assert.False(t, s.turnActive.Load())
}

func TestTranslateResultClassifiesRateLimitError(t *testing.T) {
	s := newTestSupervisor(t)
	ev, ok := s.translate(rawDoc{
		Type:              "result",
		IsError:           true,
		ErrorType:         "rate_limit_error",
		RetryAfterSeconds: 30,
	})
	require.True(t, ok)
	assert.Equal(t, true, ev.Payload["rate_limited"])
	assert.Equal(t, float64(30), ev.Payload["retry_after_seconds"])
}

func TestTranslateResultNonRateLimitErrorIsNotClassified(t *testing.T) {
	s := newTestSupervisor(t)
	ev, ok := s.translate(rawDoc{Type: "result", IsError: true, ErrorType: "overloaded_error"})
	require.True(t, ok)
	assert.Nil(t, ev.Payload["rate_limited"])
}

func TestIngestLoopSkipsBlankLinesAndNoise(t *testing.T) {
	s := newTestSupervisor(t)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	input := "\n{\"type\":\"not json\n{\"type\":\"bogus_type\"}\n{\"type\":\"result\",\"stop_reason\":\"end_turn\"}\n"
	go s.ingestLoop(strings.NewReader(input))

	ev := <-s.events
	assert.Equal(t, wire.EventTurnComplete, ev.Kind)
	assert.Equal(t, int64(2), s.ProtocolNoiseCount())
}

func TestIngestLoopDropsOverLongLineAndKeepsReading(t *testing.T) {
	s := newTestSupervisor(t)
	s.cfg.MaxLineBytes = 64
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	overLong := `{"type":"assistant","content":"` + strings.Repeat("x", 200) + `"}`
	input := overLong + "\n" + `{"type":"result","stop_reason":"end_turn"}` + "\n"
	go s.ingestLoop(strings.NewReader(input))

	ev := <-s.events
	assert.Equal(t, wire.EventTurnComplete, ev.Kind)
	assert.Equal(t, int64(1), s.ProtocolNoiseCount())
}

func TestIngestLoopRefusesIncompatibleAgentVersion(t *testing.T) {
	s := newTestSupervisor(t)
	s.cfg.MinVersion = "2.0.0"
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	input := `{"type":"system","subtype":"init","version":"1.0.0"}` + "\n"
	go s.ingestLoop(strings.NewReader(input))

	select {
	case ev := <-s.events:
		t.Fatalf("expected no event forwarded for an incompatible version, got %v", ev.Kind)
	case exit := <-s.exited:
		require.NotNil(t, exit.Err)
		assert.Equal(t, apperr.VersionIncompatible, exit.Err.Code)
	}
}

func TestIngestLoopWarnsOnIncompatibleVersionInDevelopmentMode(t *testing.T) {
	s := newTestSupervisor(t)
	s.cfg.MinVersion = "2.0.0"
	s.cfg.DevelopmentMode = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	input := `{"type":"system","subtype":"init","version":"1.0.0"}` + "\n"
	go s.ingestLoop(strings.NewReader(input))

	ev := <-s.events
	assert.Equal(t, wire.EventSessionInfo, ev.Kind)
}
