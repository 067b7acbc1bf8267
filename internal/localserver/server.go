// Package localserver is the machine-local client entrypoint (spec §8
// "Local server"): a gorilla/websocket server bound to a Unix domain
// socket (there is no Windows named-pipe listener; Start always calls
// net.Listen("unix", ...)), exposing each live session's event stream and
// the client-facing multiplexer operations. Access control is the
// filesystem permission on the socket path, not an application-level
// credential, since only local clients on the same machine can reach it.
//
// Grounded on the teacher's internal/proxy.ProxyServer: an
// http.Server over a net.Listener, a websocket.Upgrader, sync.Map of
// live connections, and a per-connection read loop dispatching on a
// JSON "type" field.
package localserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coderelay/sessioncore/internal/apperr"
	"github.com/coderelay/sessioncore/internal/session"
)

// SessionHub is the subset of session bookkeeping the local server
// needs: creating/attaching/listing sessions and reaching each one's
// Multiplexer and EventLog.
type SessionHub interface {
	Registry() *session.Registry
	Multiplexer(sessionID string) (*session.Multiplexer, bool)
	StartSession(workingDir, model string, allowedTools []string) (sessionID string, err error)
	TerminateSession(sessionID string) error
}

// Server accepts local client connections over a Unix socket and
// speaks the event/command protocol of spec §4.2 and §8.
type Server struct {
	socketPath string
	hub        SessionHub
	logger     zerolog.Logger

	upgrader websocket.Upgrader
	http     *http.Server
	listener net.Listener

	conns   sync.Map // map[string]*clientConn
	running atomic.Bool
	ready   chan struct{}
}

// New constructs a Server bound to socketPath once Start is called.
func New(socketPath string, hub SessionHub, logger zerolog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		hub:        hub,
		logger:     logger.With().Str("component", "localserver").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ready: make(chan struct{}),
	}
}

// Start binds the Unix socket and begins serving. It removes any
// stale socket file left behind by a prior crashed process before
// binding, matching the teacher's practice of clearing state that
// blocks a fresh listen.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("localserver: already running")
	}
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("localserver: listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("localserver: chmod socket: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.http = &http.Server{
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	s.running.Store(true)
	close(s.ready)

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("local server stopped unexpectedly")
		}
	}()
	return nil
}

// Ready is closed once the socket is bound and accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Stop gracefully shuts down the HTTP server and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	err := s.http.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
	return err
}

// handleHealth reports component liveness per spec §4.5/§8.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := s.hub.Registry().Counts()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":             "ok",
		"active_sessions":    counts.Active,
		"total_registered":   counts.TotalRegistered,
		"total_unregistered": counts.TotalUnregistered,
		"time":               time.Now().UTC(),
	})
}

// createSessionRequest is the JSON body of POST /sessions, the entry
// point for spec §4.1/§4.2's "Converse" operation that spawns a new
// agent process and its session.
type createSessionRequest struct {
	WorkingDir   string   `json:"working_dir"`
	Model        string   `json:"model"`
	AllowedTools []string `json:"allowed_tools"`
}

// handleSessions creates a new session (POST) or terminates one
// (DELETE, ?session_id=...).
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.WorkingDir == "" {
			http.Error(w, "working_dir required", http.StatusBadRequest)
			return
		}
		sessionID, err := s.hub.StartSession(req.WorkingDir, req.Model, req.AllowedTools)
		if err != nil {
			s.writeAppErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": sessionID})

	case http.MethodDelete:
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "session_id required", http.StatusBadRequest)
			return
		}
		if err := s.hub.TerminateSession(sessionID); err != nil {
			s.writeAppErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// writeAppErr maps an apperr.Error's code to an HTTP status, falling
// back to 500 for anything it cannot classify.
func (s *Server) writeAppErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if ae := apperr.Of(err); ae != nil {
		switch ae.Code {
		case apperr.SessionNotFound:
			status = http.StatusNotFound
		case apperr.RateLimited:
			status = http.StatusTooManyRequests
		case apperr.InvalidPermissionConfig:
			status = http.StatusBadRequest
		}
	}
	http.Error(w, err.Error(), status)
}

// handleSession upgrades to a websocket connection scoped to one
// session id (passed as ?session_id=...), streaming events out and
// accepting client commands in (spec §4.2).
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	mux, ok := s.hub.Multiplexer(sessionID)
	if !ok {
		http.Error(w, apperr.New(apperr.SessionNotFound, "session not found").Error(), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cc := newClientConn(sessionID, conn, mux, s.logger)
	s.conns.Store(cc.id, cc)
	defer s.conns.Delete(cc.id)

	cc.run()
}
