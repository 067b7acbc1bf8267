// Package session is the Session Multiplexer (spec §4.2): it holds
// per-session state above the Agent Process Supervisor and below the
// wire — the durable event log, live subscribers, the input lock,
// pending permissions, and the command layer.
//
// Grounded on the teacher's internal/daemon/session.go SessionRegistry
// (sync.Map plus atomic counters, Register/Unregister/Get) generalized
// from a single status field to the full Session record of spec §3
// (status, sequence, compaction boundary, usage counters).
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the one-way (except active<->idle) status lifecycle of
// spec §3's Session type.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusIdle         Status = "idle"
	StatusActive       Status = "active"
	StatusCompacting   Status = "compacting"
	StatusError        Status = "error"
	StatusTerminated   Status = "terminated"
)

// Usage accumulates token/cost counters reported by turn_complete and
// usage_report events.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostCentiUSD int64
}

// Session is one multiplexed conversation: working directory, model,
// tool allow-list, worktree identity, status, and the durable event log
// state (sequence counter, compaction boundary).
type Session struct {
	ID              string
	WorkingDir      string
	Model           string
	AllowedTools    []string
	WorktreeID      string
	CreatedAt       time.Time

	mu                sync.RWMutex
	status            Status
	lastUpdated       time.Time
	sequence          uint64
	compactionBoundary uint64
	usage             Usage

	subs      *subscriberSet
	inputLock *InputLock
	commands  *CommandLayer
}

// New constructs an initializing Session. The caller (the daemon wiring
// a Supervisor to it) transitions it to idle once the agent's system
// event arrives.
func New(id, workingDir, model string, allowedTools []string, base *BaseLayer) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		WorkingDir:   workingDir,
		Model:        model,
		AllowedTools: allowedTools,
		CreatedAt:    now,
		status:       StatusInitializing,
		lastUpdated:  now,
		subs:         newSubscriberSet(),
		inputLock:    newInputLock(),
		commands:     newCommandLayer(base),
	}
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// validTransitions encodes spec §3's one-way status lifecycle
// (active <-> idle is the sole reversible edge).
var validTransitions = map[Status]map[Status]bool{
	StatusInitializing: {StatusIdle: true, StatusActive: true, StatusError: true, StatusTerminated: true},
	StatusIdle:         {StatusActive: true, StatusCompacting: true, StatusError: true, StatusTerminated: true},
	StatusActive:       {StatusIdle: true, StatusError: true, StatusTerminated: true},
	StatusCompacting:   {StatusIdle: true, StatusError: true, StatusTerminated: true},
	StatusError:        {StatusTerminated: true},
	StatusTerminated:   {},
}

// SetStatus applies a status transition, rejecting one that violates the
// one-way lifecycle of spec §3.
func (s *Session) SetStatus(next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == next {
		return nil
	}
	if !validTransitions[s.status][next] {
		return fmt.Errorf("session %s: invalid status transition %s -> %s", s.ID, s.status, next)
	}
	s.status = next
	s.lastUpdated = time.Now().UTC()
	return nil
}

// Sequence returns the last-assigned sequence number.
func (s *Session) Sequence() uint64 {
	return atomic.LoadUint64(&s.sequence)
}

// CompactionBoundary returns the sequence below which events have been
// deleted by compaction.
func (s *Session) CompactionBoundary() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compactionBoundary
}

// nextSequence assigns and returns the next strictly-increasing
// sequence number (spec §3 Event invariant).
func (s *Session) nextSequence() uint64 {
	return atomic.AddUint64(&s.sequence, 1)
}

// AddUsage accumulates token/cost counters (spec §3 "cumulative token
// and cost counters").
func (s *Session) AddUsage(u Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.InputTokens += u.InputTokens
	s.usage.OutputTokens += u.OutputTokens
	s.usage.CostCentiUSD += u.CostCentiUSD
}

func (s *Session) Usage() Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage
}

func (s *Session) Commands() *CommandLayer { return s.commands }

func (s *Session) InputLock() *InputLock { return s.inputLock }

// Subscribe attaches a new client stream starting at fromSeq (spec §4.2
// "Subscriber"). Callers should follow up with EventLog.ReplayFrom to
// deliver any events the subscriber missed before live fan-out resumes.
func (s *Session) Subscribe(clientID string, fromSeq uint64) *Subscriber {
	return s.subs.Attach(clientID, fromSeq)
}

// Unsubscribe detaches clientID, closing its event channel, and releases
// the input lock if clientID was its holder (spec §3: "release is
// triggered by holder release, holder disconnect, or session
// termination") so a disconnected holder never blocks future Acquire
// calls.
func (s *Session) Unsubscribe(clientID string) {
	s.subs.Detach(clientID)
	s.inputLock.Release(clientID)
}

// SubscriberCount reports the number of currently attached subscribers.
func (s *Session) SubscriberCount() int {
	return s.subs.Count()
}
