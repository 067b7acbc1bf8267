package relaystore

import (
	"database/sql"
	"time"
)

// RefreshToken is one row of the refresh_tokens table (spec §6: "hash,
// expiry, revoked, rotated-at, successor-id").
type RefreshToken struct {
	TokenHash     string
	UserID        string
	ExpiresAt     time.Time
	Revoked       bool
	RotatedAt     *time.Time
	SuccessorHash string
}

// StoreRefreshToken inserts a newly issued refresh token by its hash
// (never the raw token).
func (s *Store) StoreRefreshToken(tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO refresh_tokens (token_hash, user_id, expires_at) VALUES (?, ?, ?)`,
		tokenHash, userID, expiresAt.Format(time.RFC3339),
	)
	return err
}

// LookupRefreshToken returns the token row for tokenHash.
func (s *Store) LookupRefreshToken(tokenHash string) (*RefreshToken, error) {
	var (
		rt        RefreshToken
		expiresAt string
		rotatedAt sql.NullString
		successor sql.NullString
		revoked   int
	)
	err := s.db.QueryRow(
		`SELECT token_hash, user_id, expires_at, revoked, rotated_at, successor_hash FROM refresh_tokens WHERE token_hash = ?`,
		tokenHash,
	).Scan(&rt.TokenHash, &rt.UserID, &expiresAt, &revoked, &rotatedAt, &successor)
	if err != nil {
		return nil, err
	}
	rt.Revoked = revoked != 0
	rt.SuccessorHash = successor.String
	if t, err := time.Parse(time.RFC3339, expiresAt); err == nil {
		rt.ExpiresAt = t
	}
	if rotatedAt.Valid {
		if t, err := time.Parse(time.RFC3339, rotatedAt.String); err == nil {
			rt.RotatedAt = &t
		}
	}
	return &rt, nil
}

// RotateRefreshToken marks oldHash rotated, recording newHash as its
// successor so a reuse of oldHash within the grace window can still be
// exchanged once (replay-tolerant rotation).
func (s *Store) RotateRefreshToken(oldHash, newHash string) error {
	_, err := s.db.Exec(
		`UPDATE refresh_tokens SET rotated_at = ?, successor_hash = ? WHERE token_hash = ?`,
		time.Now().UTC().Format(time.RFC3339), newHash, oldHash,
	)
	return err
}

// RevokeRefreshToken marks a token permanently unusable.
func (s *Store) RevokeRefreshToken(tokenHash string) error {
	_, err := s.db.Exec(`UPDATE refresh_tokens SET revoked = 1 WHERE token_hash = ?`, tokenHash)
	return err
}
