package wire

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a gorilla/websocket connection with JSON-framed Send/Recv of
// the envelope types above, serializing concurrent writers the way a
// single gorilla/websocket connection requires.
type Conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	writeTO  time.Duration
}

// NewConn wraps ws. writeTimeout of 0 disables the per-write deadline.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{ws: ws, writeTO: writeTimeout}
}

// SendEvent writes one Event as a JSON text message.
func (c *Conn) SendEvent(ev *Event) error {
	return c.send(envelope{Type: "event", Event: ev})
}

// SendFrame writes one Frame as a JSON text message.
func (c *Conn) SendFrame(fr *Frame) error {
	return c.send(envelope{Type: "frame", Frame: fr})
}

// SendRegistration writes a RegistrationFrame.
func (c *Conn) SendRegistration(r *RegistrationFrame) error {
	return c.send(envelope{Type: "registration", Registration: r})
}

// SendHeartbeat writes a HeartbeatFrame.
func (c *Conn) SendHeartbeat(h *HeartbeatFrame) error {
	return c.send(envelope{Type: "heartbeat", Heartbeat: h})
}

// envelope is the outer discriminated-union JSON object written to the
// socket; exactly one of the pointer fields is populated per Type.
type envelope struct {
	Type         string             `json:"type"`
	Event        *Event             `json:"event,omitempty"`
	Frame        *Frame             `json:"frame,omitempty"`
	Registration *RegistrationFrame `json:"registration,omitempty"`
	Heartbeat    *HeartbeatFrame    `json:"heartbeat,omitempty"`
}

func (c *Conn) send(e envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTO > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTO)); err != nil {
			return err
		}
	}
	return c.ws.WriteJSON(e)
}

// Message is the decoded form of whatever envelope was received.
type Message struct {
	Event        *Event
	Frame        *Frame
	Registration *RegistrationFrame
	Heartbeat    *HeartbeatFrame
}

// Recv reads and decodes the next envelope from the socket.
func (c *Conn) Recv() (*Message, error) {
	var e envelope
	if err := c.ws.ReadJSON(&e); err != nil {
		return nil, err
	}
	switch e.Type {
	case "event":
		return &Message{Event: e.Event}, nil
	case "frame":
		return &Message{Frame: e.Frame}, nil
	case "registration":
		return &Message{Registration: e.Registration}, nil
	case "heartbeat":
		return &Message{Heartbeat: e.Heartbeat}, nil
	default:
		return nil, fmt.Errorf("wire: unknown envelope type %q", e.Type)
	}
}

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.ws.Close() }

// Underlying exposes the raw websocket connection for callers that need
// deadlines or close-handshake control beyond Send/Recv.
func (c *Conn) Underlying() *websocket.Conn { return c.ws }

// MarshalForStorage serializes a whole Event as JSON, independent of the
// wire envelope (sessionstore does not use it; it stores the payload
// column on its own), so byte-identical round trips (spec §8
// "Serialize then deserialize any event: byte-identical payload") don't
// depend on websocket framing.
func MarshalForStorage(ev *Event) ([]byte, error) { return json.Marshal(ev) }

// UnmarshalFromStorage is the inverse of MarshalForStorage.
func UnmarshalFromStorage(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
