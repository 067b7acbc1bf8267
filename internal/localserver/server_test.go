package localserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/sessioncore/internal/agentproc"
	"github.com/coderelay/sessioncore/internal/session"
	"github.com/coderelay/sessioncore/internal/wire"
)

type fakeProcess struct {
	events chan *wire.Event
	exited chan agentproc.ExitNotification
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		events: make(chan *wire.Event, 16),
		exited: make(chan agentproc.ExitNotification, 1),
	}
}

func (p *fakeProcess) Events() <-chan *wire.Event                    { return p.events }
func (p *fakeProcess) Exited() <-chan agentproc.ExitNotification     { return p.exited }
func (p *fakeProcess) SendUserMessage(content json.RawMessage) error { return nil }
func (p *fakeProcess) ResolvePermission(requestID string, response json.RawMessage) error {
	return nil
}
func (p *fakeProcess) Cancel() (bool, error)                       { return false, nil }
func (p *fakeProcess) Shutdown(ctx context.Context) error          { return nil }

type fakeHub struct {
	reg *session.Registry
	mux map[string]*session.Multiplexer

	startedCount int
	terminated   []string
}

func (h *fakeHub) Registry() *session.Registry { return h.reg }
func (h *fakeHub) Multiplexer(id string) (*session.Multiplexer, bool) {
	m, ok := h.mux[id]
	return m, ok
}

func (h *fakeHub) StartSession(workingDir, model string, allowedTools []string) (string, error) {
	h.startedCount++
	return "sess-new", nil
}

func (h *fakeHub) TerminateSession(sessionID string) error {
	h.terminated = append(h.terminated, sessionID)
	return nil
}

func dialSocket(t *testing.T, path, urlPath string) (*websocket.Conn, error) {
	t.Helper()
	dialer := websocket.Dialer{
		NetDial: func(_, _ string) (net.Conn, error) {
			return net.Dial("unix", path)
		},
		HandshakeTimeout: 2 * time.Second,
	}
	conn, _, err := dialer.Dial("ws://unix"+urlPath, nil)
	return conn, err
}

func TestHealthEndpoint(t *testing.T) {
	reg := session.NewRegistry(session.NewBaseLayer())
	hub := &fakeHub{reg: reg, mux: map[string]*session.Multiplexer{}}
	path := filepath.Join(t.TempDir(), "test.sock")
	srv := New(path, hub, zerolog.Nop())
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())
	<-srv.Ready()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_, err = conn.Write([]byte("GET /healthz HTTP/1.1\r\nHost: unix\r\n\r\n"))
	require.NoError(t, err)
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	require.Contains(t, string(buf[:n]), "200")
	conn.Close()
}

func TestSessionStreamDeliversEventsAndAcceptsCommands(t *testing.T) {
	reg := session.NewRegistry(session.NewBaseLayer())
	s := reg.Create("sess-1", "/tmp", "model", nil)
	log := session.NewEventLog(s, nil)
	proc := newFakeProcess()
	mux := session.NewMultiplexer(s, log, proc, zerolog.Nop())

	hub := &fakeHub{reg: reg, mux: map[string]*session.Multiplexer{"sess-1": mux}}
	path := filepath.Join(t.TempDir(), "test.sock")
	srv := New(path, hub, zerolog.Nop())
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())
	<-srv.Ready()

	conn, err := dialSocket(t, path, "/session?session_id=sess-1")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "from_sequence": 0}))

	proc.events <- &wire.Event{Kind: wire.EventTextDelta, Payload: map[string]any{"text": "hi"}}

	var ev wire.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, wire.EventTextDelta, ev.Kind)

	content, _ := json.Marshal(map[string]string{"text": "hello"})
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "send_message", Content: content}))
}

func TestCreateAndTerminateSession(t *testing.T) {
	reg := session.NewRegistry(session.NewBaseLayer())
	hub := &fakeHub{reg: reg, mux: map[string]*session.Multiplexer{}}
	path := filepath.Join(t.TempDir(), "test.sock")
	srv := New(path, hub, zerolog.Nop())
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())
	<-srv.Ready()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", path)
			},
		},
	}

	body, _ := json.Marshal(createSessionRequest{WorkingDir: "/tmp/work", Model: "m"})
	resp, err := client.Post("http://unix/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Equal(t, "sess-new", created["session_id"])
	require.Equal(t, 1, hub.startedCount)

	req, err := http.NewRequest(http.MethodDelete, "http://unix/sessions?session_id=sess-new", nil)
	require.NoError(t, err)
	delResp, err := client.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
	require.Equal(t, []string{"sess-new"}, hub.terminated)
}
