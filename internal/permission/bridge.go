package permission

import (
	"sync"
	"time"
)

// Bridge resolves one session's permission_request/user_question events
// by consulting the rule engine and any active auto-approve grant before
// falling back to a human-held Pending entry (spec §4.4 "Permission
// lifecycle").
type Bridge struct {
	sessionID string
	rules     *RuleSet
	pending   *Table
	audit     AuditSink

	mu          sync.Mutex
	grant       *Grant
	sessionMemo map[string]Decision // allow_session memoization, tool name -> decision
}

// NewBridge constructs a Bridge for one session. rules may be nil to
// always fall through to the human path.
func NewBridge(sessionID string, rules *RuleSet, audit AuditSink) *Bridge {
	return &Bridge{
		sessionID:   sessionID,
		rules:       rules,
		pending:     NewTable(),
		audit:       audit,
		sessionMemo: make(map[string]Decision),
	}
}

// SetGrant installs or clears (nil) the session's auto-approve grant.
func (b *Bridge) SetGrant(g *Grant) {
	b.mu.Lock()
	b.grant = g
	b.mu.Unlock()
}

// RevokeGrant forces subsequent calls back to the human path.
func (b *Bridge) RevokeGrant() {
	b.mu.Lock()
	g := b.grant
	b.mu.Unlock()
	if g != nil {
		g.Revoke()
	}
}

// Request evaluates a new permission request, resolving synchronously
// via memoized allow_session, the rule engine, or an auto-approve
// grant, and otherwise registering a Pending entry for the human path.
func (b *Bridge) Request(requestID, toolName string, args map[string]string, inputLockHeld bool) (decision Decision, resolved bool, pending *Pending) {
	b.mu.Lock()
	if d, ok := b.sessionMemo[toolName]; ok {
		b.mu.Unlock()
		return d, true, nil
	}
	grant := b.grant
	b.mu.Unlock()

	if grant != nil && grant.Allowed(toolName) {
		b.recordAudit(requestID, toolName, args, DecisionAllowOnce)
		return DecisionAllowOnce, true, nil
	}

	if b.rules != nil {
		if d := b.rules.Evaluate(toolName, args); d != DecisionAskUser {
			b.memoizeIfSession(toolName, d)
			return d, true, nil
		}
	}

	p := b.pending.Create(requestID, b.sessionID, toolName, args, inputLockHeld)
	return "", false, p
}

// Resolve applies a human decision to a pending request, memoizing
// allow_session for the remainder of the session's lifetime.
func (b *Bridge) Resolve(requestID string, decision Decision) bool {
	p, ok := b.pending.Get(requestID)
	if !ok {
		return false
	}
	if !p.Resolve(decision) {
		return false
	}
	b.memoizeIfSession(p.ToolName, decision)
	b.pending.Delete(requestID)
	return true
}

func (b *Bridge) memoizeIfSession(toolName string, d Decision) {
	if d != DecisionAllowSession {
		return
	}
	b.mu.Lock()
	b.sessionMemo[toolName] = d
	b.mu.Unlock()
}

func (b *Bridge) recordAudit(requestID, toolName string, args map[string]string, d Decision) {
	if b.audit == nil {
		return
	}
	_ = b.audit.Append(AuditRecord{
		RequestID: requestID,
		SessionID: b.sessionID,
		ToolName:  toolName,
		Args:      args,
		Decision:  d,
		At:        time.Now().UTC(),
	})
}
