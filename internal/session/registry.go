package session

import (
	"sync"
	"sync/atomic"

	"github.com/coderelay/sessioncore/internal/apperr"
)

// Registry tracks every live session by id, lock-free on the hot path.
// Grounded directly on the teacher's daemon.SessionRegistry
// (sync.Map + atomic counters, Register/Unregister/Get), generalized
// from a single status field to the full Session record.
type Registry struct {
	sessions sync.Map // map[string]*Session

	totalRegistered   atomic.Int64
	totalUnregistered atomic.Int64

	base *BaseLayer
}

// NewRegistry constructs an empty registry sharing one process-wide
// command base layer across every session it creates.
func NewRegistry(base *BaseLayer) *Registry {
	if base == nil {
		base = NewBaseLayer()
	}
	return &Registry{base: base}
}

// Create makes a new Session, registers it, and returns it. Callers
// creating a session via Converse with an empty session id use this;
// Attach is used for non-empty ids (spec §4.2 "Session attachment").
func (r *Registry) Create(id, workingDir, model string, allowedTools []string) *Session {
	s := New(id, workingDir, model, allowedTools, r.base)
	r.sessions.Store(id, s)
	r.totalRegistered.Add(1)
	return s
}

// Get retrieves a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Attach returns the existing session for id, or SessionNotFound.
func (r *Registry) Attach(id string) (*Session, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, apperr.New(apperr.SessionNotFound, "session "+id+" not found")
	}
	return s, nil
}

// Terminate marks a session terminated, releases its input lock, clears
// its command layer, and removes it from the registry.
func (r *Registry) Terminate(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return apperr.New(apperr.SessionNotFound, "session "+id+" not found")
	}
	if err := s.SetStatus(StatusTerminated); err != nil {
		return err
	}
	s.InputLock().ForceRelease()
	s.Commands().Clear()
	r.sessions.Delete(id)
	r.totalUnregistered.Add(1)
	return nil
}

// List returns every currently registered session.
func (r *Registry) List() []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

// Counts reports registry-wide statistics (mirrors the teacher's
// SessionRegistry.Info).
type Counts struct {
	Active            int64
	TotalRegistered   int64
	TotalUnregistered int64
}

func (r *Registry) Counts() Counts {
	return Counts{
		Active:            r.totalRegistered.Load() - r.totalUnregistered.Load(),
		TotalRegistered:   r.totalRegistered.Load(),
		TotalUnregistered: r.totalUnregistered.Load(),
	}
}
