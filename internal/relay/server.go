package relay

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coderelay/sessioncore/internal/apperr"
	"github.com/coderelay/sessioncore/internal/wire"
)

// ClientAuthenticator verifies a client-facing bearer credential,
// returning the authenticated user id (spec §4.3 "Client admission").
type ClientAuthenticator interface {
	Verify(bearerToken string) (userID string, err error)
}

// TunnelAuthenticator verifies a daemon's presented certificate chain,
// returning the machine id (spec §4.3 "Tunnel admission").
type TunnelAuthenticator interface {
	Authenticate(leaf *x509.Certificate, intermediates []*x509.Certificate) (machineID string, err error)
}

// Server exposes the relay's two listeners over websocket: the
// tunnel-facing endpoint daemons dial in on (mTLS, one stream per
// machine) and the client-facing endpoint mobile/desktop clients use
// to issue requests (spec §4.3).
//
// Grounded on the teacher's internal/proxy.ProxyServer (http.Server +
// websocket.Upgrader + sync.Map of live connections), generalized from
// a single reverse-proxy listener to the relay's two distinct
// authentication domains.
type Server struct {
	tunnelAuth TunnelAuthenticator
	clientAuth ClientAuthenticator

	tunnels *Registry
	router  *Router

	upgrader websocket.Upgrader
	logger   zerolog.Logger

	clientConns sync.Map // map[string]*wsClientSender
}

func NewServer(tunnelAuth TunnelAuthenticator, clientAuth ClientAuthenticator, tunnels *Registry, router *Router, logger zerolog.Logger) *Server {
	return &Server{
		tunnelAuth: tunnelAuth,
		clientAuth: clientAuth,
		tunnels:    tunnels,
		router:     router,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:     logger,
	}
}

// TunnelMux returns an http.Handler for the tunnel-facing listener
// (dial this behind a tls.Config with ClientAuth: RequireAnyClientCert
// so r.TLS.PeerCertificates is populated).
func (s *Server) TunnelMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", s.handleTunnel)
	return mux
}

// ClientMux returns an http.Handler for the client-facing listener.
func (s *Server) ClientMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", s.handleClient)
	return mux
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}
	leaf := r.TLS.PeerCertificates[0]
	var intermediates []*x509.Certificate
	if len(r.TLS.PeerCertificates) > 1 {
		intermediates = r.TLS.PeerCertificates[1:]
	}
	machineID, err := s.tunnelAuth.Authenticate(leaf, intermediates)
	if err != nil {
		http.Error(w, "tunnel authentication failed: "+err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var reg wire.RegistrationFrame
	if err := json.Unmarshal(raw, &reg); err != nil || reg.MachineID != machineID {
		conn.Close()
		return
	}

	sender := newWSTunnelSender(conn)
	userID := "" // ownership is not looked up: the tunnel is admitted with no user id, and the CN is not checked against any user's registered machines
	tunnel := s.tunnels.Admit(machineID, userID, reg.Capabilities, sender)
	s.logger.Info().Str("machine_id", machineID).Msg("tunnel admitted")

	s.router.DrainBuffered(machineID)

	sender.run(func(f *wire.Frame) {
		if err := s.router.Deliver(f); err != nil {
			s.logger.Debug().Err(err).Str("request_id", f.RequestID).Msg("deliver failed")
		}
	})
	_ = tunnel
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
	}
	userID, err := s.clientAuth.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cs := newWSClientSender(conn)
	s.clientConns.Store(userID+":"+fmt.Sprintf("%p", conn), cs)
	defer s.clientConns.Delete(userID)
	defer cs.Close(nil)

	cs.run(func(machineID string, f *wire.Frame, priority wire.Priority) {
		if err := s.router.Route(machineID, f, cs, priority); err != nil {
			code := "Unknown"
			if ae := apperr.Of(err); ae != nil {
				code = string(ae.Code)
			}
			errFrame := &wire.Frame{
				RequestID:    f.RequestID,
				Type:         wire.PayloadErrorFrame,
				ErrorCode:    code,
				ErrorMessage: err.Error(),
				EndOfStream:  true,
			}
			_ = cs.SendFrame(errFrame)
		}
	})
}
