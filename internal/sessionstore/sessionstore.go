// Package sessionstore is the daemon's durable event log (spec §6
// "Sessions store"): per-session metadata, the append-only event log
// keyed by (session_id, sequence), the compaction-boundary column, and
// usage totals.
//
// Grounded on the teacher's internal/daemon/state.go StateManager (the
// debounced JSON-file persistence idiom) generalized from a single
// JSON blob to a relational append-only log, backed by modernc.org/sqlite
// in WAL mode per spec.md §6's persistent-state-layout requirement.
package sessionstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/coderelay/sessioncore/internal/permission"
	"github.com/coderelay/sessioncore/internal/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id           TEXT PRIMARY KEY,
	working_dir          TEXT NOT NULL,
	model                TEXT NOT NULL,
	worktree_id          TEXT,
	status               TEXT NOT NULL,
	compaction_boundary  INTEGER NOT NULL DEFAULT 0,
	input_tokens         INTEGER NOT NULL DEFAULT 0,
	output_tokens        INTEGER NOT NULL DEFAULT 0,
	cost_centi_usd       INTEGER NOT NULL DEFAULT 0,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	session_id    TEXT NOT NULL,
	sequence      INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	parent_tool   TEXT,
	payload       BLOB,
	PRIMARY KEY (session_id, sequence)
);

CREATE TABLE IF NOT EXISTS permission_audit (
	request_id  TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	tool_name   TEXT NOT NULL,
	args        BLOB,
	decision    TEXT NOT NULL,
	at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_permission_audit_at ON permission_audit (at);
`

// Store implements session.Store against a WAL-mode sqlite database.
type Store struct {
	db *sql.DB
}

// Open creates/migrates the database at path and enables WAL mode for
// concurrent readers during a writer's append (spec §6).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateSession inserts session metadata; used at session creation
// alongside registry.Create.
func (s *Store) CreateSession(sessionID, workingDir, model, worktreeID string) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, working_dir, model, worktree_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'initializing', datetime('now'), datetime('now'))`,
		sessionID, workingDir, model, worktreeID,
	)
	return err
}

// Append persists ev (spec's session.Store interface). The events table
// is append-only: a (session_id, sequence) collision is a programmer
// error, left for sqlite's primary key to reject.
func (s *Store) Append(ev *wire.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO events (session_id, sequence, kind, timestamp, parent_tool, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Sequence, string(ev.Kind), ev.Timestamp.Format("2006-01-02T15:04:05.000000000Z07:00"),
		ev.ParentToolID, payload,
	)
	if err != nil {
		return fmt.Errorf("sessionstore: append event: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE sessions SET updated_at = datetime('now') WHERE session_id = ?`, ev.SessionID,
	)
	return err
}

// DeleteBelow removes events with sequence < boundary, keeping
// keepSequence (the initial system record), and records the new
// compaction boundary (spec §4.2 "Compaction").
func (s *Store) DeleteBelow(sessionID string, boundary uint64, keepSequence uint64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM events WHERE session_id = ? AND sequence < ? AND sequence != ?`,
		sessionID, boundary, keepSequence,
	); err != nil {
		return fmt.Errorf("sessionstore: delete below boundary: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE sessions SET compaction_boundary = ?, updated_at = datetime('now') WHERE session_id = ?`,
		boundary, sessionID,
	); err != nil {
		return fmt.Errorf("sessionstore: update boundary: %w", err)
	}
	return tx.Commit()
}

// LoadFrom returns events with sequence >= from, in order, for
// reconnection replay after a daemon restart.
func (s *Store) LoadFrom(sessionID string, from uint64) ([]*wire.Event, error) {
	rows, err := s.db.Query(
		`SELECT sequence, kind, timestamp, parent_tool, payload FROM events
		 WHERE session_id = ? AND sequence >= ? ORDER BY sequence ASC`,
		sessionID, from,
	)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: load events: %w", err)
	}
	defer rows.Close()

	var out []*wire.Event
	for rows.Next() {
		var (
			seq        uint64
			kind       string
			ts         string
			parentTool sql.NullString
			payload    []byte
		)
		if err := rows.Scan(&seq, &kind, &ts, &parentTool, &payload); err != nil {
			return nil, fmt.Errorf("sessionstore: scan event: %w", err)
		}
		ev := &wire.Event{
			SessionID:    sessionID,
			Sequence:     seq,
			Kind:         wire.EventKind(kind),
			ParentToolID: parentTool.String,
		}
		if t, err := parseTimestamp(ts); err == nil {
			ev.Timestamp = t
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("sessionstore: unmarshal payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpdateUsage adds the given token/cost deltas to a session's cumulative
// counters (spec §3 "cumulative token and cost counters").
func (s *Store) UpdateUsage(sessionID string, inputTokens, outputTokens, costCentiUSD int64) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?,
		 cost_centi_usd = cost_centi_usd + ?, updated_at = datetime('now') WHERE session_id = ?`,
		inputTokens, outputTokens, costCentiUSD, sessionID,
	)
	return err
}

// AppendAudit records one auto-approve decision in the permission_audit
// table. permission.AuditSink is satisfied through AuditAdapter, which
// calls it.
func (s *Store) AppendAudit(rec permission.AuditRecord) error {
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal audit args: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO permission_audit (request_id, session_id, tool_name, args, decision, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.SessionID, rec.ToolName, args, string(rec.Decision),
		rec.At.Format("2006-01-02T15:04:05.000000000Z07:00"),
	)
	return err
}

// PruneAudit deletes audit records whose timestamp sorts before olderThan
// (given in the layout AppendAudit writes). It does not itself apply
// permission.AuditRetentionFloor, and nothing in this repository calls it.
func (s *Store) PruneAudit(olderThan string) error {
	_, err := s.db.Exec(`DELETE FROM permission_audit WHERE at < ?`, olderThan)
	return err
}

// AuditAdapter exposes a Store's audit table as a permission.AuditSink.
// It exists as a separate type rather than a method on Store directly
// because Store already has an Append method for events with an
// incompatible signature.
type AuditAdapter struct{ Store *Store }

// Append satisfies permission.AuditSink.
func (a AuditAdapter) Append(rec permission.AuditRecord) error { return a.Store.AppendAudit(rec) }

// UpdateStatus persists a session's current status column.
func (s *Store) UpdateStatus(sessionID, status string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, updated_at = datetime('now') WHERE session_id = ?`,
		status, sessionID,
	)
	return err
}
