package relayauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRevocation struct{ revoked map[string]bool }

func (m *memRevocation) IsRevoked(jti string) (bool, error) { return m.revoked[jti], nil }

func TestIssueAndVerifyRoundTrips(t *testing.T) {
	rev := &memRevocation{revoked: map[string]bool{}}
	iss := NewIssuer([]byte("secret"), time.Hour, rev)

	tok, err := iss.Issue("user-1")
	require.NoError(t, err)

	claims, err := iss.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestVerifyRejectsRevokedToken(t *testing.T) {
	rev := &memRevocation{revoked: map[string]bool{}}
	iss := NewIssuer([]byte("secret"), time.Hour, rev)

	tok, err := iss.Issue("user-1")
	require.NoError(t, err)
	claims, err := iss.Verify(tok)
	require.NoError(t, err)

	rev.revoked[claims.ID] = true
	_, err = iss.Verify(tok)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	rev := &memRevocation{revoked: map[string]bool{}}
	iss := NewIssuer([]byte("secret"), time.Hour, rev)
	iss.ttl = -time.Minute // NewIssuer replaces a non-positive ttl with its default

	tok, err := iss.Issue("user-1")
	require.NoError(t, err)

	_, err = iss.Verify(tok)
	assert.Error(t, err)
}

func TestVerifyRejectsWrongSigningKey(t *testing.T) {
	rev := &memRevocation{revoked: map[string]bool{}}
	a := NewIssuer([]byte("secret-a"), time.Hour, rev)
	b := NewIssuer([]byte("secret-b"), time.Hour, rev)

	tok, err := a.Issue("user-1")
	require.NoError(t, err)

	_, err = b.Verify(tok)
	assert.Error(t, err)
}
