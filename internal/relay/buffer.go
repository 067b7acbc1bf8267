package relay

import (
	"container/heap"
	"sync"
	"time"

	"github.com/coderelay/sessioncore/internal/apperr"
	"github.com/coderelay/sessioncore/internal/wire"
)

// DefaultMaxBufferedPerMachine and DefaultMaxBufferedMessageBytes are
// spec §4.3's named caps.
const (
	DefaultMaxBufferedPerMachine   = 1000
	DefaultMaxBufferedMessageBytes = 1 << 20
	DefaultSweepInterval           = time.Hour
	DefaultBufferRetention         = 7 * 24 * time.Hour
)

// BufferedRequest is one durably persisted request awaiting an offline
// daemon's reconnection (spec §3 Buffered Request).
type BufferedRequest struct {
	MachineID string
	RequestID string
	Frame     *wire.Frame
	Priority  wire.Priority
	CreatedAt time.Time
	ExpiresAt time.Time
}

// BufferStore durably persists buffered requests. internal/relaystore
// implements this against the message buffer table (spec §6).
type BufferStore interface {
	Insert(BufferedRequest) error
	Delete(machineID, requestID string) error
	LoadAll() ([]BufferedRequest, error)
}

// priorityHeap orders BufferedRequests by priority ascending, then
// creation time ascending within priority (spec §4.3 delivery order).
type priorityHeap []*BufferedRequest

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(*BufferedRequest)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Buffer is the relay's durable, priority-ordered per-machine message
// buffer (spec §4.3 "Buffering for offline daemons").
type Buffer struct {
	store BufferStore

	maxPerMachine int
	maxMessageSz  int
	retention     time.Duration

	mu    sync.Mutex
	heaps map[string]*priorityHeap // machine id -> heap
}

// NewBuffer constructs a Buffer. On startup the caller should call
// Reload to restore undelivered, unexpired entries from store
// (spec §4.3 "Failure semantics": "the buffer is durable and is
// reloaded").
func NewBuffer(store BufferStore, maxPerMachine, maxMessageSz int, retention time.Duration) *Buffer {
	if maxPerMachine <= 0 {
		maxPerMachine = DefaultMaxBufferedPerMachine
	}
	if maxMessageSz <= 0 {
		maxMessageSz = DefaultMaxBufferedMessageBytes
	}
	if retention <= 0 {
		retention = DefaultBufferRetention
	}
	return &Buffer{
		store:         store,
		maxPerMachine: maxPerMachine,
		maxMessageSz:  maxMessageSz,
		retention:     retention,
		heaps:         make(map[string]*priorityHeap),
	}
}

// Reload restores undelivered, unexpired entries after a relay restart.
// Entries whose payload failed to deserialize are the store's
// responsibility to move to a dead-letter column (spec §9); Reload only
// sees well-formed entries.
func (b *Buffer) Reload() error {
	items, err := b.store.LoadAll()
	if err != nil {
		return err
	}
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range items {
		item := items[i]
		if item.ExpiresAt.Before(now) {
			continue
		}
		h := b.heapFor(item.MachineID)
		heap.Push(h, &item)
	}
	return nil
}

func (b *Buffer) heapFor(machineID string) *priorityHeap {
	h, ok := b.heaps[machineID]
	if !ok {
		h = &priorityHeap{}
		heap.Init(h)
		b.heaps[machineID] = h
	}
	return h
}

// Enqueue persists and buffers a request frame for machineID. Enforces
// the per-machine count cap and per-message size cap (spec §4.3).
func (b *Buffer) Enqueue(machineID string, f *wire.Frame, priority wire.Priority) error {
	if len(f.Body)+len(f.StreamData) > b.maxMessageSz {
		return apperr.New(apperr.BufferFull, "message exceeds per-message size cap").
			WithDetail(map[string]any{"cap_bytes": b.maxMessageSz})
	}

	b.mu.Lock()
	h := b.heapFor(machineID)
	if h.Len() >= b.maxPerMachine {
		b.mu.Unlock()
		return apperr.New(apperr.BufferFull, "per-machine buffer cap reached").
			WithDetail(map[string]any{"cap": b.maxPerMachine})
	}

	now := time.Now().UTC()
	item := &BufferedRequest{
		MachineID: machineID,
		RequestID: f.RequestID,
		Frame:     f,
		Priority:  priority,
		CreatedAt: now,
		ExpiresAt: now.Add(b.retention),
	}
	heap.Push(h, item)
	b.mu.Unlock()

	return b.store.Insert(*item)
}

// Drain removes and returns every buffered entry for machineID in
// delivery order (priority ascending, then creation time ascending),
// for replay on reconnect.
func (b *Buffer) Drain(machineID string) []*BufferedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.heaps[machineID]
	if !ok {
		return nil
	}
	var out []*BufferedRequest
	for h.Len() > 0 {
		item := heap.Pop(h).(*BufferedRequest)
		out = append(out, item)
		_ = b.store.Delete(item.MachineID, item.RequestID)
	}
	delete(b.heaps, machineID)
	return out
}

// Depth reports the number of buffered entries for machineID
// (observability surface, spec §4.3).
func (b *Buffer) Depth(machineID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.heaps[machineID]; ok {
		return h.Len()
	}
	return 0
}

// Sweep purges expired entries across all machines (spec §4.3
// "A background sweeper purges expired entries at a fixed cadence").
func (b *Buffer) Sweep() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for machineID, h := range b.heaps {
		kept := (*h)[:0]
		for _, item := range *h {
			if item.ExpiresAt.Before(now) {
				_ = b.store.Delete(item.MachineID, item.RequestID)
				continue
			}
			kept = append(kept, item)
		}
		*h = kept
		heap.Init(h)
		if h.Len() == 0 {
			delete(b.heaps, machineID)
		}
	}
}

// RunSweeper runs Sweep on a ticker until stop is closed.
func (b *Buffer) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.Sweep()
		case <-stop:
			return
		}
	}
}
