// Package relay is the Reverse-Tunnel Relay (spec §4.3): a stateless
// router, with durable side-buffers, bridging inbound client RPCs and
// outbound daemon tunnels.
//
// Grounded on the teacher's internal/tunnel/manager.go + tunnel.go
// (sync.Map registry, atomic active counter, Done()-channel cleanup
// idiom) generalized from a subprocess-backed CLI tunnel
// (cloudflared/ngrok) to a server-side bidirectional stream registry
// keyed by machine id.
package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coderelay/sessioncore/internal/apperr"
	"github.com/coderelay/sessioncore/internal/wire"
)

// TunnelSender is the subset of the relay's per-tunnel transport the
// registry needs: sending a frame and observing closure.
type TunnelSender interface {
	SendFrame(f *wire.Frame) error
	Close(reason *apperr.Error) error
	Done() <-chan struct{}
}

// Tunnel is one admitted daemon connection (spec §3 Tunnel
// Registration): machine id, capabilities, owning user, admission time.
type Tunnel struct {
	MachineID    string
	UserID       string
	Capabilities []string
	AdmittedAt   time.Time

	sender TunnelSender
}

// Registry is the in-memory, volatile tunnel table (spec §4.3: "the
// tunnel registry is volatile and rebuilds from reconnections").
type Registry struct {
	tunnels sync.Map // map[string]*Tunnel
	active  atomic.Int32
}

func NewRegistry() *Registry { return &Registry{} }

// Admit inserts (machine-id -> stream) into the registry. A previously
// registered stream for the same machine id is closed with
// TunnelSuperseded (spec §4.3 "Tunnel admission").
func (r *Registry) Admit(machineID, userID string, capabilities []string, sender TunnelSender) *Tunnel {
	t := &Tunnel{
		MachineID:    machineID,
		UserID:       userID,
		Capabilities: capabilities,
		AdmittedAt:   time.Now().UTC(),
		sender:       sender,
	}

	if prevVal, loaded := r.tunnels.Load(machineID); loaded {
		prev := prevVal.(*Tunnel)
		_ = prev.sender.Close(apperr.New(apperr.TunnelSuperseded, "a newer tunnel registered for this machine"))
		r.active.Add(-1)
	}

	r.tunnels.Store(machineID, t)
	r.active.Add(1)

	go func() {
		<-sender.Done()
		r.removeIfCurrent(machineID, t)
	}()

	return t
}

func (r *Registry) removeIfCurrent(machineID string, t *Tunnel) {
	if cur, ok := r.tunnels.Load(machineID); ok && cur.(*Tunnel) == t {
		r.tunnels.Delete(machineID)
		r.active.Add(-1)
	}
}

// Get returns the active tunnel for a machine id, if any.
func (r *Registry) Get(machineID string) (*Tunnel, bool) {
	v, ok := r.tunnels.Load(machineID)
	if !ok {
		return nil, false
	}
	return v.(*Tunnel), true
}

// Send routes a frame to the machine's active tunnel. Returns
// MachineOffline if no tunnel is registered.
func (r *Registry) Send(machineID string, f *wire.Frame) error {
	t, ok := r.Get(machineID)
	if !ok {
		return apperr.New(apperr.MachineOffline, "no active tunnel for machine "+machineID)
	}
	return t.sender.SendFrame(f)
}

// ActiveCount reports the number of currently registered tunnels
// (observability surface, spec §4.3).
func (r *Registry) ActiveCount() int { return int(r.active.Load()) }
