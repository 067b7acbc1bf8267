package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coderelay/sessioncore/internal/agentproc"
	"github.com/coderelay/sessioncore/internal/apperr"
	"github.com/coderelay/sessioncore/internal/breaker"
	"github.com/coderelay/sessioncore/internal/permission"
	"github.com/coderelay/sessioncore/internal/wire"
)

// AgentProcess is the subset of *agentproc.Supervisor the multiplexer
// depends on, kept as an interface so tests can substitute a fake.
type AgentProcess interface {
	Events() <-chan *wire.Event
	Exited() <-chan agentproc.ExitNotification
	SendUserMessage(content json.RawMessage) error
	ResolvePermission(requestID string, response json.RawMessage) error
	Cancel() (wasActive bool, err error)
	Shutdown(ctx context.Context) error
}

// Multiplexer binds one Session's bookkeeping to its live AgentProcess:
// it pumps translated agent events into the EventLog, applies turn-active
// tracking, and exposes the client-facing operations of spec §4.2
// (SendUserMessage, ResolvePermission, CancelTurn, RequestCompaction).
type Multiplexer struct {
	session *Session
	log     *EventLog
	proc    AgentProcess
	logger  zerolog.Logger
	bridge  *permission.Bridge
	breaker *breaker.Breaker

	turnActive atomic.Bool

	done chan struct{}
}

// SetBridge installs the permission bridge consulted for
// permission_request events. Passing nil disables auto-resolution,
// leaving every request on the human path.
func (m *Multiplexer) SetBridge(b *permission.Bridge) { m.bridge = b }

// SetBreaker installs the process-wide circuit breaker fed by this
// session's rate-limit-classified results (spec §4.4).
func (m *Multiplexer) SetBreaker(b *breaker.Breaker) { m.breaker = b }

// NewMultiplexer wires a Session to its EventLog and AgentProcess and
// starts pumping events. Call Close to stop.
func NewMultiplexer(s *Session, log *EventLog, proc AgentProcess, logger zerolog.Logger) *Multiplexer {
	m := &Multiplexer{
		session: s,
		log:     log,
		proc:    proc,
		logger:  logger.With().Str("session_id", s.ID).Logger(),
		done:    make(chan struct{}),
	}
	go m.pump()
	return m
}

func (m *Multiplexer) pump() {
	for {
		select {
		case ev, ok := <-m.proc.Events():
			if !ok {
				return
			}
			m.handleEvent(ev)
		case exit, ok := <-m.proc.Exited():
			if !ok {
				return
			}
			m.handleExit(exit)
			return
		case <-m.done:
			return
		}
	}
}

func (m *Multiplexer) handleEvent(ev *wire.Event) {
	ev.SessionID = m.session.ID
	switch ev.Kind {
	case wire.EventSessionInfo:
		_ = m.session.SetStatus(StatusIdle)
		if tools, ok := ev.Payload["tools"].([]string); ok {
			cmds := make([]Command, 0, len(tools))
			for _, t := range tools {
				cmds = append(cmds, Command{Name: t})
			}
			m.session.Commands().ReplaceSessionLayer(cmds)
		}
	case wire.EventTurnComplete:
		m.turnActive.Store(false)
		_ = m.session.SetStatus(StatusIdle)
		if usage, ok := ev.Payload["usage"].(json.RawMessage); ok {
			var u struct {
				InputTokens  int64 `json:"input_tokens"`
				OutputTokens int64 `json:"output_tokens"`
				CostCentiUSD int64 `json:"cost_centi_usd"`
			}
			if err := json.Unmarshal(usage, &u); err == nil {
				m.session.AddUsage(Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, CostCentiUSD: u.CostCentiUSD})
			}
		}
		if m.breaker != nil {
			if rateLimited, _ := ev.Payload["rate_limited"].(bool); rateLimited {
				retrySeconds, _ := ev.Payload["retry_after_seconds"].(float64)
				m.breaker.RecordRateLimitError(time.Duration(retrySeconds * float64(time.Second)))
			} else {
				m.breaker.RecordSuccess()
			}
		}
		ev.Payload[wire.PayloadFinalSeq] = m.session.Sequence() + 1
	case wire.EventPermissionRequest:
		if m.bridge != nil && m.autoResolvePermission(ev) {
			return
		}
	}

	if _, err := m.log.Append(ev); err != nil {
		m.logger.Error().Err(err).Msg("failed to append event")
	}
}

// autoResolvePermission consults the permission bridge for a
// permission_request event; if the rule engine, an auto-approve
// grant, or session memoization resolves it synchronously, the
// decision is forwarded to the agent process and the event is never
// surfaced to clients (spec §4.4 "Permission lifecycle"). Returns
// true when the event was fully handled this way.
func (m *Multiplexer) autoResolvePermission(ev *wire.Event) bool {
	requestID, _ := ev.Payload["request_id"].(string)
	toolName, _ := ev.Payload["tool_name"].(string)
	args := flattenArgs(ev.Payload["input"])

	decision, resolved, _ := m.bridge.Request(requestID, toolName, args, m.session.InputLock().Holder() != "")
	if !resolved {
		return false
	}

	response, err := json.Marshal(map[string]any{"decision": decision})
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to marshal auto-resolved permission decision")
		return false
	}
	if err := m.proc.ResolvePermission(requestID, response); err != nil {
		m.logger.Error().Err(err).Str("request_id", requestID).Msg("failed to forward auto-resolved permission decision")
		return false
	}
	return true
}

// flattenArgs best-effort-converts a tool's raw JSON input into the
// flat string map the permission rule engine matches against.
func flattenArgs(raw any) map[string]string {
	data, ok := raw.(json.RawMessage)
	if !ok || len(data) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// NotifyRateLimited appends a non-fatal error event reporting that the
// upstream circuit breaker has opened (spec §4.4: "all active sessions
// observe a non-fatal ErrorEvent{code: RATE_LIMITED}"). The session is
// never terminated by the breaker, so is_fatal is always false.
func (m *Multiplexer) NotifyRateLimited() {
	ev := &wire.Event{
		SessionID: m.session.ID,
		Kind:      wire.EventError,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			wire.PayloadErrorCode:    string(apperr.RateLimited),
			wire.PayloadErrorMessage: "upstream circuit breaker open: rate limited",
			wire.PayloadIsFatal:      false,
		},
	}
	if _, err := m.log.Append(ev); err != nil {
		m.logger.Error().Err(err).Msg("failed to append rate-limit notice")
	}
}

func (m *Multiplexer) handleExit(exit agentproc.ExitNotification) {
	if exit.Err != nil {
		_ = m.session.SetStatus(StatusError)
		errEv := &wire.Event{
			SessionID: m.session.ID,
			Kind:      wire.EventError,
			Timestamp: time.Now().UTC(),
			Payload: map[string]any{
				wire.PayloadErrorCode:    string(exit.Err.Code),
				wire.PayloadErrorMessage: exit.Err.Error(),
				wire.PayloadIsFatal:      exit.Err.Fatal,
			},
		}
		_, _ = m.log.Append(errEv)
	}
}

// SendUserMessage forwards a user turn to the agent process, requiring
// the caller to hold the input lock, and marks the session active
// (spec §4.2 example flow 1).
func (m *Multiplexer) SendUserMessage(clientID string, content json.RawMessage) error {
	if err := m.session.InputLock().Acquire(clientID); err != nil {
		return err
	}
	if err := m.session.SetStatus(StatusActive); err != nil {
		return err
	}
	m.turnActive.Store(true)
	return m.proc.SendUserMessage(content)
}

// ResolvePermission forwards a client's control_response resolving a
// pending permission_request or user_question, recording the decision
// on the bridge first (so allow_session is memoized for the rest of
// the session) before forwarding it to the agent process. Only the
// input lock holder may resolve (spec §4.2: permissions and
// cancellations from non-holders are rejected).
func (m *Multiplexer) ResolvePermission(clientID, requestID string, response json.RawMessage) error {
	if m.session.InputLock().Holder() != clientID {
		return apperr.New(apperr.NoInputLock, "client does not hold the input lock")
	}
	if m.bridge != nil {
		var decoded struct {
			Decision permission.Decision `json:"decision"`
		}
		if err := json.Unmarshal(response, &decoded); err == nil && decoded.Decision != "" {
			m.bridge.Resolve(requestID, decoded.Decision)
		}
	}
	return m.proc.ResolvePermission(requestID, response)
}

// CancelTurn asks the agent process to interrupt the active turn via
// AgentProcess.Cancel. It does not escalate: no kill or restart follows
// if the agent keeps running. Only the input lock holder may cancel
// (spec §4.2).
func (m *Multiplexer) CancelTurn(clientID string) (wasActive bool, err error) {
	if m.session.InputLock().Holder() != clientID {
		return false, apperr.New(apperr.NoInputLock, "client does not hold the input lock")
	}
	return m.proc.Cancel()
}

// RequestCompaction marks the compaction boundary at the sequence of the
// most recently completed assistant turn (spec §4.2 "Compaction").
// Rejected while a turn is active.
func (m *Multiplexer) RequestCompaction(lastCompletedTurnSeq uint64) error {
	if m.turnActive.Load() {
		return apperr.New(apperr.SessionActive, "cannot compact while a turn is active")
	}
	if err := m.session.SetStatus(StatusCompacting); err != nil {
		return err
	}
	if err := m.log.Compact(lastCompletedTurnSeq); err != nil {
		_ = m.session.SetStatus(StatusError)
		return err
	}
	return m.session.SetStatus(StatusIdle)
}

// Session returns the Session this Multiplexer binds to, for callers
// that need to subscribe to its event log or inspect its status.
func (m *Multiplexer) Session() *Session { return m.session }

// EventLog returns the session's durable, fan-out event log.
func (m *Multiplexer) EventLog() *EventLog { return m.log }

// Close stops the pump goroutine without touching the underlying
// process (the caller is responsible for Supervisor.Shutdown).
func (m *Multiplexer) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}
