package session

import (
	"sync"

	"github.com/coderelay/sessioncore/internal/apperr"
	"github.com/coderelay/sessioncore/internal/wire"
)

// SubscriberSoftCap bounds a subscriber's outstanding send buffer before
// it is detached (spec §4.2, default 256 events).
const SubscriberSoftCap = 256

// Subscriber is one client stream attached to a session (spec §3
// Subscriber): an opaque client id, its last-delivered sequence, and a
// bounded outbound channel fed by the EventLog's fan-out.
type Subscriber struct {
	ClientID string

	events  chan *wire.Event
	detach  chan *apperr.Error
	mu      sync.Mutex
	lastAck uint64
	closed  bool
}

func newSubscriber(clientID string, lastAck uint64) *Subscriber {
	return &Subscriber{
		ClientID: clientID,
		events:   make(chan *wire.Event, SubscriberSoftCap),
		detach:   make(chan *apperr.Error, 1),
		lastAck:  lastAck,
	}
}

// Events returns the channel the client stream should range over.
func (sub *Subscriber) Events() <-chan *wire.Event { return sub.events }

// Detached fires at most once, carrying the reason the subscriber was
// forcibly disconnected (e.g. SubscriberSlow).
func (sub *Subscriber) Detached() <-chan *apperr.Error { return sub.detach }

// Ack records the last sequence the client has processed, advancing its
// replay starting point on reconnect.
func (sub *Subscriber) Ack(seq uint64) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if seq > sub.lastAck {
		sub.lastAck = seq
	}
}

func (sub *Subscriber) LastAck() uint64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.lastAck
}

func (sub *Subscriber) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.events)
}

// subscriberSet is the per-session fan-out registry: non-blocking sends
// so that one slow subscriber never delays ingest (spec §4.2 "Fan-out is
// non-blocking").
type subscriberSet struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: make(map[string]*Subscriber)}
}

// Attach registers a new subscriber with the given starting sequence.
func (set *subscriberSet) Attach(clientID string, fromSeq uint64) *Subscriber {
	sub := newSubscriber(clientID, fromSeq)
	set.mu.Lock()
	set.subs[clientID] = sub
	set.mu.Unlock()
	return sub
}

// Detach removes clientID from the set, e.g. on explicit disconnect.
func (set *subscriberSet) Detach(clientID string) {
	set.mu.Lock()
	sub, ok := set.subs[clientID]
	delete(set.subs, clientID)
	set.mu.Unlock()
	if ok {
		sub.close()
	}
}

// broadcast delivers ev to every attached subscriber, without comparing
// ev.Sequence to the subscriber's last-delivered sequence, detaching any
// whose buffer is full (spec §4.2 "SubscriberSlow").
func (set *subscriberSet) broadcast(ev *wire.Event) {
	set.mu.Lock()
	targets := make([]*Subscriber, 0, len(set.subs))
	for _, sub := range set.subs {
		targets = append(targets, sub)
	}
	set.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.events <- ev:
			sub.Ack(ev.Sequence)
		default:
			set.Detach(sub.ClientID)
			select {
			case sub.detach <- apperr.New(apperr.SessionClosed, "SubscriberSlow").
				WithDetail(map[string]any{"soft_cap": SubscriberSoftCap}):
			default:
			}
		}
	}
}

func (set *subscriberSet) Count() int {
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.subs)
}
