package relaystore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/coderelay/sessioncore/internal/permission"
	"github.com/coderelay/sessioncore/internal/relay"
	"github.com/coderelay/sessioncore/internal/wire"
)

// BufferAdapter satisfies relay.BufferStore against the message_buffer
// table, marshaling wire.Frame as JSON for storage.
type BufferAdapter struct{ store *Store }

func NewBufferAdapter(s *Store) *BufferAdapter { return &BufferAdapter{store: s} }

func (a *BufferAdapter) Insert(b relay.BufferedRequest) error {
	payload, err := json.Marshal(b.Frame)
	if err != nil {
		return err
	}
	return a.store.InsertBufferedMessage(
		b.MachineID, b.RequestID, b.Frame.MethodName, payload, nil,
		int(b.Priority), b.CreatedAt, b.ExpiresAt,
	)
}

func (a *BufferAdapter) Delete(machineID, requestID string) error {
	return a.store.DeleteBufferedMessage(machineID, requestID)
}

func (a *BufferAdapter) LoadAll() ([]relay.BufferedRequest, error) {
	rows, err := a.store.db.Query(
		`SELECT machine_id, request_id, payload, priority, created_at, expires_at FROM message_buffer WHERE delivered = 0 AND dead_letter = 0`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.BufferedRequest
	for rows.Next() {
		var (
			machineID, requestID, createdAt, expiresAt string
			payload                                    []byte
			priority                                   int
		)
		if err := rows.Scan(&machineID, &requestID, &payload, &priority, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		var f wire.Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			// Corrupt payload: dead-letter it and skip (spec §9).
			_ = a.store.MarkDeadLetter(machineID, requestID)
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, createdAt)
		expires, _ := time.Parse(time.RFC3339Nano, expiresAt)
		out = append(out, relay.BufferedRequest{
			MachineID: machineID,
			RequestID: requestID,
			Frame:     &f,
			Priority:  wire.Priority(priority),
			CreatedAt: created,
			ExpiresAt: expires,
		})
	}
	return out, rows.Err()
}

// AuditAdapter satisfies permission.AuditSink against the audit_log
// table. Argument values are digested (not stored raw) to keep the
// audit row small and avoid retaining sensitive tool input verbatim.
type AuditAdapter struct{ store *Store }

func NewAuditAdapter(s *Store) *AuditAdapter { return &AuditAdapter{store: s} }

func (a *AuditAdapter) Append(r permission.AuditRecord) error {
	args, _ := json.Marshal(r.Args)
	digest := sha256.Sum256(args)
	return a.store.AppendAudit(r.SessionID, r.ToolName, hex.EncodeToString(digest[:]), string(r.Decision))
}
