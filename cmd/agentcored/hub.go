package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coderelay/sessioncore/internal/agentproc"
	"github.com/coderelay/sessioncore/internal/apperr"
	"github.com/coderelay/sessioncore/internal/breaker"
	"github.com/coderelay/sessioncore/internal/config"
	"github.com/coderelay/sessioncore/internal/permission"
	"github.com/coderelay/sessioncore/internal/session"
	"github.com/coderelay/sessioncore/internal/sessionstore"
)

// hub binds the daemon's long-lived subsystems together: the session
// registry, the durable event store, the upstream circuit breaker, and
// one permission bridge per session. It satisfies localserver.SessionHub.
type hub struct {
	cfg          *config.DaemonConfig
	logger       zerolog.Logger
	defaultRules *permission.RuleSet
	auditSink    permission.AuditSink

	registry *session.Registry
	store    *sessionstore.Store
	breaker  *breaker.Breaker

	mu    sync.Mutex
	muxes map[string]*session.Multiplexer
	procs map[string]*agentproc.Supervisor
	rules map[string]*permission.Bridge
}

func newHub(cfg *config.DaemonConfig, store *sessionstore.Store, defaultRules *permission.RuleSet, logger zerolog.Logger) *hub {
	h := &hub{
		cfg:          cfg,
		logger:       logger,
		defaultRules: defaultRules,
		auditSink:    sessionstore.AuditAdapter{Store: store},
		registry:     session.NewRegistry(session.NewBaseLayer()),
		store:        store,
		breaker: breaker.New(breaker.Config{
			ErrorThreshold: cfg.BreakerThreshold,
			ErrorWindow:    cfg.BreakerWindow,
			MinCooldown:    cfg.BreakerCooldown,
		}),
		muxes: make(map[string]*session.Multiplexer),
		procs: make(map[string]*agentproc.Supervisor),
		rules: make(map[string]*permission.Bridge),
	}
	h.breaker.SetOnOpen(h.broadcastRateLimited)
	return h
}

// broadcastRateLimited notifies every currently active session that the
// upstream circuit breaker has opened (spec §4.4). Installed as the
// breaker's SetOnOpen callback.
func (h *hub) broadcastRateLimited(time.Duration) {
	h.mu.Lock()
	muxes := make([]*session.Multiplexer, 0, len(h.muxes))
	for _, m := range h.muxes {
		muxes = append(muxes, m)
	}
	h.mu.Unlock()

	for _, m := range muxes {
		m.NotifyRateLimited()
	}
}

// Registry satisfies localserver.SessionHub.
func (h *hub) Registry() *session.Registry { return h.registry }

// Multiplexer satisfies localserver.SessionHub.
func (h *hub) Multiplexer(sessionID string) (*session.Multiplexer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.muxes[sessionID]
	return m, ok
}

// Bridge returns the permission bridge for sessionID, if one exists.
func (h *hub) Bridge(sessionID string) (*permission.Bridge, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.rules[sessionID]
	return b, ok
}

// StartSession spawns a new agent subprocess, wires its event log,
// multiplexer and permission bridge, and registers everything under a
// freshly minted session id (spec §4.1 "Converse" / session creation
// path). It satisfies localserver.SessionHub.
func (h *hub) StartSession(workingDir, model string, allowedTools []string) (string, error) {
	sessionID := uuid.NewString()
	if _, err := h.spawnSession(sessionID, workingDir, model, allowedTools, h.defaultRules, h.auditSink); err != nil {
		return "", err
	}
	return sessionID, nil
}

// spawnSession is StartSession's implementation, parameterized over the
// rule set and audit sink so tests (and a future per-session config
// surface) can supply their own instead of the daemon-wide defaults.
func (h *hub) spawnSession(sessionID, workingDir, model string, allowedTools []string, rules *permission.RuleSet, auditSink permission.AuditSink) (*session.Multiplexer, error) {
	if !h.breaker.AllowSpawn() {
		return nil, apperr.New(apperr.RateLimited, "circuit breaker open: refusing to spawn agent process")
	}

	s := h.registry.Create(sessionID, workingDir, model, allowedTools)
	if err := h.store.CreateSession(sessionID, workingDir, model, ""); err != nil {
		return nil, err
	}
	log := session.NewEventLog(s, h.store)

	procCfg := agentproc.DefaultConfig()
	procCfg.Binary = h.cfg.AgentBinary
	procCfg.WorkingDir = workingDir
	procCfg.Model = model
	procCfg.AllowedTools = allowedTools
	procCfg.MinVersion = h.cfg.MinAgentVersion
	procCfg.MaxVersion = h.cfg.MaxAgentVersion
	procCfg.DevelopmentMode = h.cfg.DevelopmentMode
	procCfg.MaxConsecutiveCrashes = h.cfg.MaxConsecutiveCrashes
	procCfg.CrashWindow = h.cfg.CrashWindow

	proc, err := agentproc.New(procCfg, sessionID, h.logger)
	if err != nil {
		return nil, err
	}

	mux := session.NewMultiplexer(s, log, proc, h.logger)
	bridge := permission.NewBridge(sessionID, rules, auditSink)
	mux.SetBridge(bridge)
	mux.SetBreaker(h.breaker)

	if err := proc.Spawn(context.Background()); err != nil {
		mux.Close()
		return nil, err
	}

	h.mu.Lock()
	h.muxes[sessionID] = mux
	h.procs[sessionID] = proc
	h.rules[sessionID] = bridge
	h.mu.Unlock()

	return mux, nil
}

// TerminateSession stops a session's process, closes its multiplexer, and
// removes it from the registry (spec §4.2 "Session termination").
func (h *hub) TerminateSession(sessionID string) error {
	h.mu.Lock()
	mux, hasMux := h.muxes[sessionID]
	proc, hasProc := h.procs[sessionID]
	delete(h.muxes, sessionID)
	delete(h.procs, sessionID)
	delete(h.rules, sessionID)
	h.mu.Unlock()

	if hasMux {
		mux.Close()
	}
	if hasProc {
		_ = proc.Shutdown(context.Background())
	}
	return h.registry.Terminate(sessionID)
}
