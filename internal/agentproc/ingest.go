package agentproc

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/coderelay/sessioncore/internal/apperr"
	"github.com/coderelay/sessioncore/internal/wire"
)

// rawDoc is the envelope shape emitted by the agent CLI's NDJSON stdout:
// a "type" discriminator plus the rest of the fields left raw for
// per-type decoding (spec §4.1 "Ingest").
type rawDoc struct {
	Type              string          `json:"type"`
	Subtype           string          `json:"subtype"`
	Message           json.RawMessage `json:"message"`
	ToolUseID         string          `json:"tool_use_id"`
	ParentTool        string          `json:"parent_tool_use_id"`
	Content           json.RawMessage `json:"content"`
	Result            json.RawMessage `json:"result"`
	IsError           bool            `json:"is_error"`
	Usage             json.RawMessage `json:"usage"`
	RequestID         string          `json:"request_id"`
	Todos             json.RawMessage `json:"todos"`
	Mode              string          `json:"mode"`
	Version           string          `json:"version"`
	SessionID         string          `json:"session_id"`
	Tools             []string        `json:"tools"`
	StopReason        string          `json:"stop_reason"`
	ToolName          string          `json:"tool_name"`
	ErrorType         string          `json:"error_type"`
	RetryAfterSeconds float64         `json:"retry_after_seconds"`
}

// protocolNoise counts lines that were not a recognized NDJSON document:
// blank lines are skipped silently, but malformed JSON and unrecognized
// "type" values increment this counter rather than crashing the ingest
// loop (spec §4.1: the supervisor must tolerate noisy stdout).
type protocolNoise struct {
	count int64
}

// errLineTooLong marks a stdout line that exceeded Config.MaxLineBytes;
// ingestLoop treats it as protocol noise rather than ending the stream.
var errLineTooLong = errors.New("agentproc: line exceeds MaxLineBytes")

// readLine reads one '\n'-terminated line from br, enforcing maxLen. A
// line longer than maxLen is discarded up to its terminating newline (to
// resynchronize with the stream) and reported as errLineTooLong instead
// of growing the buffer without bound (spec §4.1: "lines longer than
// 1 MiB are dropped with a ProtocolNoise log entry and a counter
// increment").
func readLine(br *bufio.Reader, maxLen int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		switch err {
		case nil:
			buf = append(buf, chunk...)
			line := trimNewline(buf)
			if len(line) > maxLen {
				return nil, errLineTooLong
			}
			return line, nil
		case bufio.ErrBufferFull:
			buf = append(buf, chunk...)
			if len(buf) > maxLen {
				if derr := discardUntilNewline(br); derr != nil {
					return nil, derr
				}
				return nil, errLineTooLong
			}
		case io.EOF:
			buf = append(buf, chunk...)
			if len(buf) > 0 {
				return buf, nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// discardUntilNewline consumes and drops bytes from br until (and
// including) the next '\n', resynchronizing readLine after an
// over-length line.
func discardUntilNewline(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		switch err {
		case nil:
			return nil
		case bufio.ErrBufferFull:
			continue
		default:
			return err
		}
	}
}

func trimNewline(line []byte) []byte {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return line[:n]
}

// ingestLoop reads r line by line, classifies each NDJSON document, and
// emits translated wire.Events on s.events. It returns when r is
// exhausted, reading fails, or the init event's agent version fails the
// compatibility window check (spec §4.1 "VersionIncompatible").
func (s *Supervisor) ingestLoop(r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)

	for {
		line, err := readLine(br, s.cfg.MaxLineBytes)
		if errors.Is(err, errLineTooLong) {
			s.noise.count++
			continue
		}
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}
		var doc rawDoc
		if err := json.Unmarshal(line, &doc); err != nil {
			s.noise.count++
			continue
		}
		ev, recognized := s.translate(doc)
		if !recognized {
			s.noise.count++
			continue
		}
		if ev.Kind == wire.EventSessionInfo && !s.enforceVersion(doc.Version) {
			return
		}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

// enforceVersion applies spec §4.1's compatibility window to a detected
// agent version. A window violation in production mode publishes a
// fatal VersionIncompatible exit and reports false so ingestLoop stops;
// development mode only logs a warning.
func (s *Supervisor) enforceVersion(detected string) bool {
	ok, warn, err := checkVersion(s.cfg, detected)
	if err != nil {
		s.log.Warn().Err(err).Str("agent_version", detected).Msg("could not evaluate agent version compatibility")
		return true
	}
	if warn {
		s.log.Warn().Str("agent_version", detected).Msg("agent version outside compatibility window (development mode)")
	}
	if ok {
		return true
	}
	s.publishExit(ExitNotification{
		Err: apperr.Newf(apperr.VersionIncompatible,
			"agent version %q outside compatibility window [%s, %s]",
			detected, s.cfg.MinVersion, s.cfg.MaxVersion).AsFatal(),
	})
	return false
}

// translate maps one classified NDJSON document onto the structured event
// vocabulary (spec §4.1, §8). The sequence number is left zero; the
// Session Multiplexer assigns it at log-append time.
func (s *Supervisor) translate(doc rawDoc) (*wire.Event, bool) {
	now := time.Now().UTC()
	base := func(kind wire.EventKind) *wire.Event {
		return &wire.Event{
			SessionID:    s.sessionID,
			Kind:         kind,
			Timestamp:    now,
			ParentToolID: doc.ParentTool,
			Payload:      map[string]any{},
		}
	}

	switch doc.Type {
	case "system":
		if doc.Subtype != "init" {
			return nil, false
		}
		ev := base(wire.EventSessionInfo)
		if doc.SessionID != "" {
			s.sessionID = doc.SessionID
			ev.SessionID = doc.SessionID
		}
		ev.Payload["model"] = s.cfg.Model
		ev.Payload["tools"] = doc.Tools
		ev.Payload["agent_version"] = doc.Version
		return ev, true

	case "assistant", "stream_event":
		if len(doc.Content) > 0 {
			ev := base(wire.EventTextDelta)
			ev.Payload["content"] = json.RawMessage(doc.Content)
			return ev, true
		}
		return nil, false

	case "control_request":
		switch doc.Subtype {
		case "can_use_tool", "permission_request":
			ev := base(wire.EventPermissionRequest)
			ev.Payload["request_id"] = doc.RequestID
			ev.Payload["tool_use_id"] = doc.ToolUseID
			ev.Payload["tool_name"] = doc.ToolName
			ev.Payload["input"] = json.RawMessage(doc.Content)
			return ev, true
		case "ask_user_question":
			ev := base(wire.EventUserQuestion)
			ev.Payload["request_id"] = doc.RequestID
			ev.Payload["question"] = json.RawMessage(doc.Content)
			return ev, true
		}
		return nil, false

	case "tool_use", "tool_call_start":
		ev := base(wire.EventToolCallStart)
		ev.Payload["tool_use_id"] = doc.ToolUseID
		ev.Payload["input"] = json.RawMessage(doc.Content)
		return ev, true

	case "tool_result", "tool_call_result":
		ev := base(wire.EventToolCallResult)
		ev.Payload["tool_use_id"] = doc.ToolUseID
		ev.Payload["is_error"] = doc.IsError
		ev.Payload["result"] = json.RawMessage(doc.Result)
		return ev, true

	case "todo_update":
		ev := base(wire.EventTodoUpdate)
		ev.Payload["todos"] = json.RawMessage(doc.Todos)
		return ev, true

	case "plan_mode_change":
		ev := base(wire.EventPlanModeChange)
		ev.Payload["mode"] = doc.Mode
		return ev, true

	case "result":
		ev := base(wire.EventTurnComplete)
		ev.Payload[wire.PayloadStopReason] = doc.StopReason
		ev.Payload["is_error"] = doc.IsError
		if len(doc.Usage) > 0 {
			ev.Payload["usage"] = json.RawMessage(doc.Usage)
		}
		// spec §4.4: a result classified as a rate-limit error feeds the
		// upstream circuit breaker instead of the usual success path.
		if doc.IsError && doc.ErrorType == "rate_limit_error" {
			ev.Payload["rate_limited"] = true
			ev.Payload["retry_after_seconds"] = doc.RetryAfterSeconds
		}
		s.turnActive.Store(false)
		return ev, true

	case "error":
		ev := base(wire.EventError)
		ev.Payload[wire.PayloadErrorMessage] = string(doc.Content)
		return ev, true

	default:
		return nil, false
	}
}
