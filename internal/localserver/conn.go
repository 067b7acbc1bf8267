package localserver

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coderelay/sessioncore/internal/session"
	"github.com/coderelay/sessioncore/internal/wire"
)

// clientMessage is an inbound command from a connected client (spec
// §4.2 client-facing operations).
type clientMessage struct {
	Type      string          `json:"type"`
	FromSeq   uint64          `json:"from_sequence"`
	Content   json.RawMessage `json:"content,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Boundary  uint64          `json:"boundary,omitempty"`
}

// clientConn pumps one session's events to a websocket client and
// dispatches the client's commands back into its Multiplexer.
type clientConn struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	mux       *session.Multiplexer
	logger    zerolog.Logger
}

func newClientConn(sessionID string, conn *websocket.Conn, mux *session.Multiplexer, logger zerolog.Logger) *clientConn {
	id := fmt.Sprintf("%s-%d", sessionID, time.Now().UnixNano())
	return &clientConn{
		id:        id,
		sessionID: sessionID,
		conn:      conn,
		mux:       mux,
		logger:    logger.With().Str("client_id", id).Logger(),
	}
}

// run subscribes to the session's event log, replays any events the
// client missed, and services inbound commands until the socket closes.
func (c *clientConn) run() {
	defer c.conn.Close()

	var fromSeq uint64
	if _, raw, err := c.conn.ReadMessage(); err == nil {
		var first clientMessage
		if json.Unmarshal(raw, &first) == nil && first.Type == "subscribe" {
			fromSeq = first.FromSeq
		}
	}

	sub := c.mux.Session().Subscribe(c.id, fromSeq)
	defer c.mux.Session().Unsubscribe(c.id)

	snapshot, tail := c.mux.EventLog().ReplayFrom(fromSeq)
	if snapshot != nil {
		if err := c.conn.WriteJSON(snapshot); err != nil {
			return
		}
	}
	for _, ev := range tail {
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}

	writeDone := make(chan struct{})
	go c.pumpEvents(sub, writeDone)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.dispatch(msg)
	}
	<-writeDone
}

func (c *clientConn) pumpEvents(sub *session.Subscriber, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case reason, ok := <-sub.Detached():
			if ok {
				errEv := &wire.Event{
					SessionID: c.sessionID,
					Kind:      wire.EventError,
					Timestamp: time.Now().UTC(),
					Payload: map[string]any{
						wire.PayloadErrorCode:    string(reason.Code),
						wire.PayloadErrorMessage: reason.Error(),
					},
				}
				_ = c.conn.WriteJSON(errEv)
			}
			return
		}
	}
}

func (c *clientConn) dispatch(msg clientMessage) {
	var err error
	switch msg.Type {
	case "send_message":
		err = c.mux.SendUserMessage(c.id, msg.Content)
	case "resolve_permission":
		err = c.mux.ResolvePermission(c.id, msg.RequestID, msg.Response)
	case "cancel_turn":
		_, err = c.mux.CancelTurn(c.id)
	case "compact":
		err = c.mux.RequestCompaction(msg.Boundary)
	case "ack":
		// advisory; Subscriber.Ack already advances on delivery.
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("unknown client command")
		return
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("type", msg.Type).Msg("client command failed")
		_ = c.conn.WriteJSON(map[string]any{
			"type":  "command_error",
			"error": err.Error(),
		})
	}
}
