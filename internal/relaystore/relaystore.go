// Package relaystore is the Relay's embedded WAL-mode relational store
// (spec §6 "Relay store"): users, refresh tokens, registered machines,
// the message buffer, device push tokens, issued certificates, and the
// auto-approve audit log.
//
// Grounded on the teacher's internal/daemon/state.go persistence idiom,
// generalized from a single debounced JSON blob to relational tables
// backed by modernc.org/sqlite in WAL mode, per spec.md §6.
package relaystore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id       TEXT PRIMARY KEY,
	email         TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token_hash     TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	expires_at     TEXT NOT NULL,
	revoked        INTEGER NOT NULL DEFAULT 0,
	rotated_at     TEXT,
	successor_hash TEXT
);

CREATE TABLE IF NOT EXISTS machines (
	machine_id  TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	last_seen   TEXT,
	registered_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS message_buffer (
	machine_id  TEXT NOT NULL,
	request_id  TEXT NOT NULL,
	method      TEXT,
	payload     BLOB,
	metadata    BLOB,
	priority    INTEGER NOT NULL,
	expires_at  TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	delivered   INTEGER NOT NULL DEFAULT 0,
	dead_letter INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (machine_id, request_id)
);

CREATE TABLE IF NOT EXISTS push_tokens (
	user_id    TEXT NOT NULL,
	device_id  TEXT NOT NULL,
	token      TEXT NOT NULL,
	platform   TEXT,
	created_at TEXT NOT NULL,
	PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS certificates (
	serial     TEXT PRIMARY KEY,
	subject    TEXT NOT NULL,
	not_before TEXT NOT NULL,
	not_after  TEXT NOT NULL,
	revoked    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS audit_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL,
	tool_name      TEXT NOT NULL,
	argument_digest TEXT,
	decision       TEXT NOT NULL,
	at             TEXT NOT NULL
);
`

// Store is the relay's durable store.
type Store struct {
	db *sql.DB
}

// Open creates/migrates the database at path with WAL mode enabled for
// concurrent readers during writes (spec §6).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("relaystore: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("relaystore: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateUser inserts a new user with a pre-hashed password.
func (s *Store) CreateUser(userID, email, passwordHash string) error {
	_, err := s.db.Exec(
		`INSERT INTO users (user_id, email, password_hash, created_at) VALUES (?, ?, ?, datetime('now'))`,
		userID, email, passwordHash,
	)
	return err
}

// UserByEmail looks up a user's id and password hash by email, for
// login verification.
func (s *Store) UserByEmail(email string) (userID, passwordHash string, err error) {
	err = s.db.QueryRow(`SELECT user_id, password_hash FROM users WHERE email = ?`, email).Scan(&userID, &passwordHash)
	return
}

// RegisterMachine upserts a machine's ownership and status.
func (s *Store) RegisterMachine(machineID, userID, status string) error {
	_, err := s.db.Exec(
		`INSERT INTO machines (machine_id, user_id, status, last_seen, registered_at)
		 VALUES (?, ?, ?, datetime('now'), datetime('now'))
		 ON CONFLICT(machine_id) DO UPDATE SET status = excluded.status, last_seen = datetime('now')`,
		machineID, userID, status,
	)
	return err
}

// MachineOwner returns the owning user id for a machine, or sql.ErrNoRows.
func (s *Store) MachineOwner(machineID string) (userID string, err error) {
	err = s.db.QueryRow(`SELECT user_id FROM machines WHERE machine_id = ?`, machineID).Scan(&userID)
	return
}

// InsertBufferedMessage persists one entry of the message buffer table.
func (s *Store) InsertBufferedMessage(machineID, requestID, method string, payload, metadata []byte, priority int, createdAt, expiresAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO message_buffer (machine_id, request_id, method, payload, metadata, priority, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		machineID, requestID, method, payload, metadata, priority,
		expiresAt.Format(time.RFC3339Nano), createdAt.Format(time.RFC3339Nano),
	)
	return err
}

// DeleteBufferedMessage removes a delivered or expired entry.
func (s *Store) DeleteBufferedMessage(machineID, requestID string) error {
	_, err := s.db.Exec(`DELETE FROM message_buffer WHERE machine_id = ? AND request_id = ?`, machineID, requestID)
	return err
}

// MarkDeadLetter moves an entry whose payload failed to deserialize on
// reload into the dead-letter state, counted separately (spec §9).
func (s *Store) MarkDeadLetter(machineID, requestID string) error {
	_, err := s.db.Exec(
		`UPDATE message_buffer SET dead_letter = 1 WHERE machine_id = ? AND request_id = ?`,
		machineID, requestID,
	)
	return err
}

// AppendAudit inserts one auto-approve audit row (spec §6 "Audit log").
func (s *Store) AppendAudit(sessionID, toolName, argumentDigest, decision string) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (session_id, tool_name, argument_digest, decision, at) VALUES (?, ?, ?, ?, datetime('now'))`,
		sessionID, toolName, argumentDigest, decision,
	)
	return err
}

// IssueCertificate records an issued certificate's serial/subject/validity.
func (s *Store) IssueCertificate(serial, subject string, notBefore, notAfter time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO certificates (serial, subject, not_before, not_after) VALUES (?, ?, ?, ?)`,
		serial, subject, notBefore.Format(time.RFC3339), notAfter.Format(time.RFC3339),
	)
	return err
}

// RevokeCertificate sets a certificate's revocation flag.
func (s *Store) RevokeCertificate(serial string) error {
	_, err := s.db.Exec(`UPDATE certificates SET revoked = 1 WHERE serial = ?`, serial)
	return err
}

// IsCertificateRevoked checks the stateful local revocation table
// (spec §4.3 "Certificate revocation checks on the tunnel path are
// stateful").
func (s *Store) IsCertificateRevoked(serial string) (bool, error) {
	var revoked int
	err := s.db.QueryRow(`SELECT revoked FROM certificates WHERE serial = ?`, serial).Scan(&revoked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return revoked != 0, nil
}
