package session

import (
	"sync"

	"github.com/coderelay/sessioncore/internal/wire"
)

// Store durably persists a session's event log. internal/sessionstore
// implements this against a modernc.org/sqlite WAL-mode table keyed by
// (session_id, sequence), per spec §6.
type Store interface {
	Append(ev *wire.Event) error
	// DeleteBelow removes events with sequence < boundary, keeping the
	// initial system record, as spec §4.2 "Compaction" requires.
	DeleteBelow(sessionID string, boundary uint64, keepSequence uint64) error
	// LoadFrom returns events with sequence >= from, in order.
	LoadFrom(sessionID string, from uint64) ([]*wire.Event, error)
}

// nopStore discards events; used when a session runs without durable
// storage (e.g. unit tests).
type nopStore struct{}

func (nopStore) Append(*wire.Event) error                             { return nil }
func (nopStore) DeleteBelow(string, uint64, uint64) error              { return nil }
func (nopStore) LoadFrom(string, uint64) ([]*wire.Event, error)        { return nil, nil }

// EventLog is the durable, strictly-ordered append log for one session,
// fanning each appended event out to live subscribers (spec §4.2 "Event
// log and fan-out").
type EventLog struct {
	session *Session
	store   Store

	mu     sync.RWMutex
	events []*wire.Event // in-memory tail, pruned below compaction boundary
}

// NewEventLog builds an EventLog over store (use a nopStore for
// storage-less tests).
func NewEventLog(s *Session, store Store) *EventLog {
	if store == nil {
		store = nopStore{}
	}
	return &EventLog{session: s, store: store}
}

// Append assigns the next sequence number to ev, persists it, appends it
// to the in-memory tail, and fans it out to subscribers. This is the
// sole entry point the supervisor's translated events flow through.
func (l *EventLog) Append(ev *wire.Event) (*wire.Event, error) {
	ev.Sequence = l.session.nextSequence()
	if err := l.store.Append(ev); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()

	l.session.subs.broadcast(ev)
	return ev, nil
}

// ReplayFrom returns the events a reconnecting subscriber starting at
// sequence `from` should receive, applying the compaction-boundary rule
// of spec §4.2 "Reconnection replay".
func (l *EventLog) ReplayFrom(from uint64) (snapshot *wire.Event, tail []*wire.Event) {
	boundary := l.session.CompactionBoundary()

	l.mu.RLock()
	defer l.mu.RUnlock()

	if from < boundary {
		snapshot = &wire.Event{
			SessionID: l.session.ID,
			Kind:      wire.EventSessionInfo,
			Payload:   map[string]any{wire.PayloadIsCompacted: true},
		}
		from = boundary
	}
	for _, ev := range l.events {
		if ev.Sequence >= from {
			tail = append(tail, ev)
		}
	}
	return snapshot, tail
}

// Compact marks the compaction boundary at boundarySeq (the most recent
// completed assistant turn) and drops in-memory/durable events below it,
// keeping the initial system record (spec §4.2 "Compaction").
func (l *EventLog) Compact(boundarySeq uint64) error {
	l.session.mu.Lock()
	l.session.compactionBoundary = boundarySeq
	l.session.mu.Unlock()

	var initialSeq uint64 = 1
	l.mu.Lock()
	kept := l.events[:0]
	for _, ev := range l.events {
		if ev.Sequence >= boundarySeq || ev.Sequence == initialSeq {
			kept = append(kept, ev)
		}
	}
	l.events = kept
	l.mu.Unlock()

	return l.store.DeleteBelow(l.session.ID, boundarySeq, initialSeq)
}
