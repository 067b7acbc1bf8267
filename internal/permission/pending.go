package permission

import (
	"sync"
	"time"
)

// HeldDeadline and UnheldDeadline are spec §4.4's default pending
// permission deadlines.
const (
	HeldDeadline   = 60 * time.Second
	UnheldDeadline = 7 * 24 * time.Hour
)

// Pending is one outstanding tool-authorization request awaiting either
// a rule-engine resolution or a human response (spec §3 Pending
// Permission).
type Pending struct {
	RequestID string
	SessionID string
	ToolName  string
	Args      map[string]string

	CreatedAt time.Time
	Deadline  time.Time

	resolved chan Decision
	mu       sync.Mutex
	done     bool
}

// newPending starts the clock: deadline is fixed at creation and never
// extended on reconnect (spec §4.4).
func newPending(requestID, sessionID, toolName string, args map[string]string, inputLockHeld bool) *Pending {
	now := time.Now().UTC()
	d := UnheldDeadline
	if inputLockHeld {
		d = HeldDeadline
	}
	return &Pending{
		RequestID: requestID,
		SessionID: sessionID,
		ToolName:  toolName,
		Args:      args,
		CreatedAt: now,
		Deadline:  now.Add(d),
		resolved:  make(chan Decision, 1),
	}
}

// Resolve completes the pending entry exactly once; later calls are
// no-ops, matching the teacher's overlay/input.go single-resolution
// idiom for an approval prompt.
func (p *Pending) Resolve(d Decision) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return false
	}
	p.done = true
	p.resolved <- d
	return true
}

// Wait blocks until resolved, the deadline passes (auto-deny), or stop
// fires (e.g. session termination).
func (p *Pending) Wait(stop <-chan struct{}) Decision {
	timer := time.NewTimer(time.Until(p.Deadline))
	defer timer.Stop()
	select {
	case d := <-p.resolved:
		return d
	case <-timer.C:
		p.Resolve(DecisionDeny)
		return DecisionDeny
	case <-stop:
		p.Resolve(DecisionDeny)
		return DecisionDeny
	}
}

// Table tracks every pending permission by request id.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Pending
}

func NewTable() *Table { return &Table{entries: make(map[string]*Pending)} }

// Create registers a new pending entry and returns it.
func (t *Table) Create(requestID, sessionID, toolName string, args map[string]string, inputLockHeld bool) *Pending {
	p := newPending(requestID, sessionID, toolName, args, inputLockHeld)
	t.mu.Lock()
	t.entries[requestID] = p
	t.mu.Unlock()
	return p
}

// Get retrieves a pending entry by request id.
func (t *Table) Get(requestID string) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[requestID]
	return p, ok
}

// Delete removes a resolved or expired entry.
func (t *Table) Delete(requestID string) {
	t.mu.Lock()
	delete(t.entries, requestID)
	t.mu.Unlock()
}
