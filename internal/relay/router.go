package relay

import (
	"sync"

	"github.com/coderelay/sessioncore/internal/apperr"
	"github.com/coderelay/sessioncore/internal/wire"
)

// ClientSender is the subset of a client's stream transport the router
// needs to demultiplex responses back to (spec §4.3 "Routing").
type ClientSender interface {
	SendFrame(f *wire.Frame) error
}

// Router demultiplexes tunnel frames by request id, forwarding daemon
// responses to the originating client stream, and forwarding client
// requests to the target machine's tunnel (buffering if offline).
type Router struct {
	tunnels *Registry
	buffer  *Buffer

	mu      sync.Mutex
	inFlight map[string]ClientSender // request id -> client stream
}

func NewRouter(tunnels *Registry, buffer *Buffer) *Router {
	return &Router{tunnels: tunnels, buffer: buffer, inFlight: make(map[string]ClientSender)}
}

// Route forwards a client's request frame to machineID's tunnel,
// registering the client stream so the matching response frame can be
// demultiplexed back (spec §4.3 "Routing"). Falls back to durable
// buffering if the machine has no active tunnel or the send fails
// (spec §4.3 "Buffering for offline daemons").
func (rt *Router) Route(machineID string, f *wire.Frame, client ClientSender, priority wire.Priority) error {
	rt.mu.Lock()
	rt.inFlight[f.RequestID] = client
	rt.mu.Unlock()

	err := rt.tunnels.Send(machineID, f)
	if err == nil {
		return nil
	}

	if rt.buffer == nil {
		return err
	}
	return rt.buffer.Enqueue(machineID, f, priority)
}

// Deliver is called when a tunnel frame arrives from a daemon; it
// forwards the frame to the originating client stream by request id.
func (rt *Router) Deliver(f *wire.Frame) error {
	rt.mu.Lock()
	client, ok := rt.inFlight[f.RequestID]
	if ok && f.EndOfStream {
		delete(rt.inFlight, f.RequestID)
	}
	rt.mu.Unlock()

	if !ok {
		return apperr.New(apperr.SessionNotFound, "no in-flight client for request id "+f.RequestID)
	}
	return client.SendFrame(f)
}

// Forget drops in-flight bookkeeping for a request id, e.g. on client
// disconnect.
func (rt *Router) Forget(requestID string) {
	rt.mu.Lock()
	delete(rt.inFlight, requestID)
	rt.mu.Unlock()
}

// DrainBuffered flushes every request durably buffered for machineID,
// in delivery order, onto its now-reconnected tunnel (spec §4.3
// "Buffering for offline daemons": "M reconnects after 20 min. Relay
// delivers the buffered response first..."). The originating client
// stream is still registered in rt.inFlight from the original Route
// call, so Deliver demultiplexes the eventual response normally; a
// request whose client has since disconnected is forwarded anyway and
// simply has no in-flight entry to deliver into.
func (rt *Router) DrainBuffered(machineID string) {
	if rt.buffer == nil {
		return
	}
	for _, item := range rt.buffer.Drain(machineID) {
		_ = rt.tunnels.Send(machineID, item.Frame)
	}
}
