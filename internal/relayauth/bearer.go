// Package relayauth is the relay's client and daemon authentication:
// short-lived bearer credentials for clients (spec §4.3 "Client
// admission") signed with github.com/golang-jwt/jwt/v5, and
// certificate-chain verification for daemon tunnels against a
// configured trust anchor (spec §4.3 "Tunnel admission").
package relayauth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the bearer credential's payload: the user identifier plus
// the standard registered claims (exp, iat, jti).
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// RevocationChecker consults the relay's local revocation table
// (spec §4.3: "token revocation on the client path is stateful").
type RevocationChecker interface {
	IsRevoked(jti string) (bool, error)
}

// Issuer signs and verifies bearer credentials.
type Issuer struct {
	signingKey []byte
	ttl        time.Duration
	revocation RevocationChecker
}

// NewIssuer constructs an Issuer. ttl is the credential lifetime
// (short-lived per spec §4.3).
func NewIssuer(signingKey []byte, ttl time.Duration, revocation RevocationChecker) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{signingKey: signingKey, ttl: ttl, revocation: revocation}
}

// Issue mints a new bearer credential for userID.
func (iss *Issuer) Issue(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(iss.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(iss.signingKey)
}

// Verify parses and validates a bearer credential, checking signature,
// expiry, and the revocation table.
func (iss *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("relayauth: unexpected signing method")
		}
		return iss.signingKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("relayauth: invalid token")
	}

	if iss.revocation != nil {
		revoked, err := iss.revocation.IsRevoked(claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, errors.New("relayauth: token revoked")
		}
	}
	return claims, nil
}

// ClientAuthenticator adapts an Issuer to the relay's authentication
// surface, exposing only the authenticated user id a connected client
// resolves to (spec §4.3 "Client admission").
type ClientAuthenticator struct{ Issuer *Issuer }

func (a ClientAuthenticator) Verify(bearerToken string) (userID string, err error) {
	claims, err := a.Issuer.Verify(bearerToken)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}
