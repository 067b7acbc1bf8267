package permission

import (
	"sync"
	"time"

	"github.com/coderelay/sessioncore/internal/apperr"
)

// AutoApproveCaps bounds an auto-approve grant (spec §4.4 "Auto-approve
// guardrails" defaults).
type AutoApproveCaps struct {
	AllowedTools []string // mandatory explicit allow-list
	Duration     time.Duration
	MaxCalls     int
	MaxPerMinute int
}

// DefaultAutoApproveCaps returns spec §4.4's named defaults.
func DefaultAutoApproveCaps() AutoApproveCaps {
	return AutoApproveCaps{Duration: time.Hour, MaxCalls: 1000, MaxPerMinute: 60}
}

// Validate enforces the mandatory allow-list and the configurable
// duration range (60s-24h per spec §4.4).
func (c *AutoApproveCaps) Validate() error {
	if len(c.AllowedTools) == 0 {
		return apperr.New(apperr.InvalidPermissionConfig, "auto-approve requires an explicit tool allow-list")
	}
	if c.Duration < time.Minute || c.Duration > 24*time.Hour {
		return apperr.New(apperr.InvalidPermissionConfig, "auto-approve duration out of range [60s, 24h]")
	}
	if c.MaxCalls <= 0 {
		c.MaxCalls = 1000
	}
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = 60
	}
	return nil
}

// AuditRecord is one appended entry for every auto-approved call
// (spec §4.4: "retention floor 90 days").
type AuditRecord struct {
	RequestID string
	SessionID string
	ToolName  string
	Args      map[string]string
	Decision  Decision
	At        time.Time
}

// AuditRetentionFloor is the minimum retention spec §4.4 requires for
// auto-approve audit records.
const AuditRetentionFloor = 90 * 24 * time.Hour

// AuditSink durably records AuditRecords. internal/sessionstore or a
// dedicated audit table implements this.
type AuditSink interface {
	Append(AuditRecord) error
}

// Grant is one active auto-approve authorization for a session: caps,
// revocation state, and call accounting.
type Grant struct {
	caps      AutoApproveCaps
	createdAt time.Time

	mu        sync.Mutex
	revoked   bool
	callCount int
	window    []time.Time // call timestamps within the last minute, for MaxPerMinute
}

// NewGrant validates caps and starts a new auto-approve grant.
func NewGrant(caps AutoApproveCaps) (*Grant, error) {
	if err := caps.Validate(); err != nil {
		return nil, err
	}
	return &Grant{caps: caps, createdAt: time.Now().UTC()}, nil
}

// Revoke forces subsequent calls back to the human path (spec §4.4
// "mid-execution revoke").
func (g *Grant) Revoke() {
	g.mu.Lock()
	g.revoked = true
	g.mu.Unlock()
}

// Allowed reports whether toolName may be auto-approved right now,
// consuming one unit of the call/rate caps if so.
func (g *Grant) Allowed(toolName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.revoked {
		return false
	}
	if time.Since(g.createdAt) > g.caps.Duration {
		return false
	}
	if !containsTool(g.caps.AllowedTools, toolName) {
		return false
	}
	if g.callCount >= g.caps.MaxCalls {
		return false
	}

	now := time.Now()
	cutoff := now.Add(-time.Minute)
	kept := g.window[:0]
	for _, t := range g.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= g.caps.MaxPerMinute {
		g.window = kept
		return false
	}
	kept = append(kept, now)
	g.window = kept
	g.callCount++
	return true
}

func containsTool(allowed []string, name string) bool {
	for _, a := range allowed {
		if a == name {
			return true
		}
	}
	return false
}
