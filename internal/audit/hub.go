package audit

import (
	"log/slog"
	"sync"
)

// Listener receives the bounded in-memory snapshot, newest entry first.
// Listeners must not modify the slice.
type Listener func(snapshot []Entry)

// hub fans snapshots out to subscribers. The ledger worker publishes after
// every append and reset; delivery happens on the publishing goroutine.
//
// deliverMu orders deliveries so a new subscriber never sees its initial
// snapshot after a newer one. Listeners must not call subscribe themselves.
type hub struct {
	deliverMu sync.Mutex
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]Listener
	current   []Entry
}

func newHub() *hub {
	return &hub{listeners: make(map[uint64]Listener)}
}

// subscribe registers fn and immediately delivers the current snapshot.
// The returned func removes the listener; calling it twice is harmless.
func (h *hub) subscribe(fn Listener) func() {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	snapshot := h.current
	h.mu.Unlock()

	deliver(id, fn, snapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// publish stores snapshot as current and hands it to every listener.
func (h *hub) publish(snapshot []Entry) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	h.current = snapshot
	ids := make([]uint64, 0, len(h.listeners))
	fns := make([]Listener, 0, len(h.listeners))
	for id, fn := range h.listeners {
		ids = append(ids, id)
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for i, fn := range fns {
		deliver(ids[i], fn, snapshot)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// deliver calls fn, containing any panic to that listener.
func deliver(id uint64, fn Listener, snapshot []Entry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("audit listener panicked", "listener", id, "panic", r)
		}
	}()
	fn(snapshot)
}
