package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAudit struct {
	records []AuditRecord
}

func (m *memAudit) Append(r AuditRecord) error {
	m.records = append(m.records, r)
	return nil
}

func TestBridgeRuleHitResolvesSynchronously(t *testing.T) {
	rules, err := NewRuleSet([]*Rule{
		{ToolMatch: MatchExact, Pattern: "read", Decision: DecisionAllowOnce},
		{ToolMatch: MatchPrefix, Pattern: "danger_", Decision: DecisionDeny},
	}, DecisionAskUser)
	require.NoError(t, err)

	b := NewBridge("sess-1", rules, nil)

	d, resolved, pending := b.Request("r1", "read", nil, true)
	assert.True(t, resolved)
	assert.Nil(t, pending)
	assert.Equal(t, DecisionAllowOnce, d)

	d, resolved, _ = b.Request("r2", "danger_rm", nil, true)
	assert.True(t, resolved)
	assert.Equal(t, DecisionDeny, d)
}

func TestBridgeFallsThroughToHumanWhenNoRuleMatches(t *testing.T) {
	rules, err := NewRuleSet([]*Rule{{ToolMatch: MatchExact, Pattern: "read", Decision: DecisionAllowOnce}}, DecisionAskUser)
	require.NoError(t, err)
	b := NewBridge("sess-1", rules, nil)

	d, resolved, pending := b.Request("r1", "bash", nil, true)
	assert.False(t, resolved)
	assert.Empty(t, d)
	require.NotNil(t, pending)
	assert.Equal(t, HeldDeadline, pending.Deadline.Sub(pending.CreatedAt).Round(time.Second))
}

func TestBridgeAllowSessionIsMemoized(t *testing.T) {
	b := NewBridge("sess-1", nil, nil)

	_, resolved, pending := b.Request("r1", "bash", nil, true)
	require.False(t, resolved)
	require.True(t, b.Resolve("r1", DecisionAllowSession))
	_ = pending

	d, resolved, _ := b.Request("r2", "bash", nil, true)
	assert.True(t, resolved)
	assert.Equal(t, DecisionAllowSession, d)
}

func TestBridgeAutoApproveGrantConsumesCapsAndAudits(t *testing.T) {
	audit := &memAudit{}
	b := NewBridge("sess-1", nil, audit)
	grant, err := NewGrant(AutoApproveCaps{AllowedTools: []string{"read"}, Duration: time.Hour, MaxCalls: 1, MaxPerMinute: 60})
	require.NoError(t, err)
	b.SetGrant(grant)

	d, resolved, _ := b.Request("r1", "read", nil, true)
	assert.True(t, resolved)
	assert.Equal(t, DecisionAllowOnce, d)
	require.Len(t, audit.records, 1)

	// Second call exceeds MaxCalls=1 and falls through to the human path.
	_, resolved, pending := b.Request("r2", "read", nil, true)
	assert.False(t, resolved)
	assert.NotNil(t, pending)
}

func TestBridgeRevokeGrantForcesHumanPath(t *testing.T) {
	b := NewBridge("sess-1", nil, nil)
	grant, err := NewGrant(AutoApproveCaps{AllowedTools: []string{"read"}, Duration: time.Hour, MaxCalls: 10, MaxPerMinute: 60})
	require.NoError(t, err)
	b.SetGrant(grant)
	b.RevokeGrant()

	_, resolved, pending := b.Request("r1", "read", nil, true)
	assert.False(t, resolved)
	assert.NotNil(t, pending)
}

func TestPendingExpiryAutoDenies(t *testing.T) {
	p := newPending("r1", "sess-1", "bash", nil, true)
	p.Deadline = time.Now().Add(10 * time.Millisecond)
	stop := make(chan struct{})
	d := p.Wait(stop)
	assert.Equal(t, DecisionDeny, d)
}

func TestAutoApproveCapsValidateRequiresAllowList(t *testing.T) {
	caps := AutoApproveCaps{Duration: time.Hour}
	assert.Error(t, caps.Validate())
}

func TestAutoApproveCapsValidateDurationRange(t *testing.T) {
	caps := AutoApproveCaps{AllowedTools: []string{"read"}, Duration: time.Second}
	assert.Error(t, caps.Validate())
}
