package session

import (
	"sync"

	"github.com/coderelay/sessioncore/internal/apperr"
)

// InputLock is the single mutual-exclusion holder over a session's user
// input (spec §3 Input Lock): at most one holder, released by explicit
// release, holder disconnect, or session termination.
type InputLock struct {
	mu     sync.Mutex
	holder string // empty means unheld
}

func newInputLock() *InputLock { return &InputLock{} }

// Acquire grants the lock to clientID if unheld or already held by
// clientID. Returns NoInputLock if another client holds it.
func (l *InputLock) Acquire(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" && l.holder != clientID {
		return apperr.New(apperr.NoInputLock, "input lock held by another client")
	}
	l.holder = clientID
	return nil
}

// Release clears the lock if held by clientID; releasing a lock you
// don't hold is a no-op, matching disconnect-triggered release being
// idempotent.
func (l *InputLock) Release(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == clientID {
		l.holder = ""
	}
}

// ForceRelease unconditionally clears the lock, used on session
// termination.
func (l *InputLock) ForceRelease() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holder = ""
}

// Holder returns the current holder, or "" if unheld.
func (l *InputLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
