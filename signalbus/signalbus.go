// Package signalbus is the process-wide fan-out described by spec.md §3/
// §4.4: the Flow Engine (and, less often, the Session Manager) emits
// structured `{type, payload}` envelopes that an outer application
// subscribes to. Grounded on nedpals-davi-nfc-agent's
// consumerserver.Server client-registry idiom (map of subscriber ID to
// callback, guarded by a mutex, torn down via a returned unsubscribe
// closure) and its use of github.com/google/uuid for opaque client IDs.
package signalbus

import (
	"sync"

	"github.com/google/uuid"
)

// Signal is one structured event: Type is the action/error tag from
// spec.md §4.4 (e.g. "insert-card", "enter-pin", "pin-blocked"); Payload
// carries the accompanying card snapshot and any status additions.
type Signal struct {
	Type    string
	Payload map[string]any
}

// Callback receives a Signal. A nil Callback is legal to register
// (spec.md's "null-callback-is-legal" contract for outer layers that
// have not yet wired a UI) and is simply never invoked, so registering
// one before the real listener is attached is not an error.
type Callback func(Signal)

// Bus fans a single stream of signals out to every registered listener.
// Safe for concurrent use: the Flow Engine emits from its worker
// goroutine while the outer application subscribes/unsubscribes from
// another.
type Bus struct {
	mu        sync.Mutex
	listeners map[string]Callback
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{listeners: make(map[string]Callback)}
}

// Subscribe registers cb and returns an opaque subscription ID plus an
// unsubscribe function. A nil cb is accepted and treated as a no-op
// listener.
func (b *Bus) Subscribe(cb Callback) (id string, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id = uuid.New().String()
	b.listeners[id] = cb
	return id, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
}

// Emit fans s out to every registered non-nil listener. Listeners are
// invoked synchronously on the calling goroutine, in no particular order;
// callers that must not block (e.g. a flow worker holding the operation
// mutex) are expected to keep their callbacks fast.
func (b *Bus) Emit(s Signal) {
	b.mu.Lock()
	cbs := make([]Callback, 0, len(b.listeners))
	for _, cb := range b.listeners {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()
	for _, cb := range cbs {
		if cb != nil {
			cb(s)
		}
	}
}

// Count reports the number of registered listeners, including nil ones.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
