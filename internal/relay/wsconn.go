package relay

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/coderelay/sessioncore/internal/apperr"
	"github.com/coderelay/sessioncore/internal/wire"
)

// wsTunnelSender adapts a websocket connection from an admitted daemon
// to the TunnelSender interface the registry needs.
type wsTunnelSender struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

func newWSTunnelSender(conn *websocket.Conn) *wsTunnelSender {
	return &wsTunnelSender{conn: conn, done: make(chan struct{})}
}

func (w *wsTunnelSender) SendFrame(f *wire.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(f)
}

func (w *wsTunnelSender) Close(reason *apperr.Error) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	close(w.done)
	return w.conn.Close()
}

func (w *wsTunnelSender) Done() <-chan struct{} { return w.done }

// run reads frames from the tunnel until the connection closes,
// invoking onFrame for each one. Blocks the calling goroutine.
func (w *wsTunnelSender) run(onFrame func(*wire.Frame)) {
	defer w.Close(nil)
	for {
		_, raw, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		var f wire.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		onFrame(&f)
	}
}

// wsClientSender adapts a websocket connection from a connected client
// to the ClientSender interface the router needs.
type wsClientSender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSClientSender(conn *websocket.Conn) *wsClientSender {
	return &wsClientSender{conn: conn}
}

func (c *wsClientSender) SendFrame(f *wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *wsClientSender) Close(reason *apperr.Error) error {
	return c.conn.Close()
}

// clientRequest is the envelope a connected client sends for one
// outbound RPC (spec §4.3 "Routing").
type clientRequest struct {
	MachineID string       `json:"machine_id"`
	Priority  wire.Priority `json:"priority"`
	Frame     wire.Frame    `json:"frame"`
}

// run reads client requests until the connection closes, invoking
// onRequest for each one. Blocks the calling goroutine.
func (c *wsClientSender) run(onRequest func(machineID string, f *wire.Frame, priority wire.Priority)) {
	defer c.Close(nil)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req clientRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		f := req.Frame
		onRequest(req.MachineID, &f, req.Priority)
	}
}
