// Package transport abstracts the reader/target detection model described
// in spec.md §4.1: PC/SC polling on desktop, or a platform NFC dispatcher
// on mobile. Only the PC/SC backend is implemented here (grounded on the
// teacher's card/reader.go, which wraps github.com/ebfe/scard); the NFC
// backend is external per spec.md §1 and is represented only by the
// Channel contract it must satisfy.
package transport

import (
	"context"
	"errors"
	"sync"
)

// State is the channel-visible connection state from spec.md §4.1's
// "channel state visible on mobile" contract. Desktop backends still
// expose it so the Session Manager has one state model for both.
type State int

const (
	StateIdle State = iota
	StateWaitingForCard
	StateConnected
)

// EventKind distinguishes the structured events a Channel emits.
type EventKind int

const (
	EventReaderAvailabilityChanged EventKind = iota
	EventTargetDetected
	EventTargetLost
	EventError
)

// ErrorKind classifies Channel-level failures per spec.md §7.
type ErrorKind int

const (
	ErrorKindTransport ErrorKind = iota
	ErrorKindProtocol
)

// Event is the structured payload delivered to a Channel's subscriber.
// Exactly one of the kind-specific fields is meaningful per Kind.
type Event struct {
	Kind             EventKind
	ReaderAvailable  bool   // EventReaderAvailabilityChanged
	TargetUID        string // EventTargetDetected, lowercase hex
	ErrorKind        ErrorKind
	ErrorMessage     string
}

// Listener receives Channel events. Session Manager and Flow Engine each
// register one.
type Listener func(Event)

// ErrNotConnected is returned by Transmit when no target is connected.
var ErrNotConnected = errors.New("transport: no target connected")

// Channel is the contract spec.md §4.1 requires of every backend:
// reader/target detection, a serialized synchronous-looking Transmit,
// and the handful of lifecycle operations the Session Manager and Flow
// Engine both depend on.
type Channel interface {
	// StartDetection begins reader/target detection; idempotent.
	StartDetection(ctx context.Context) error
	// StopDetection halts detection; idempotent, safe to call when not
	// started.
	StopDetection()

	// Subscribe registers a listener for channel events. Returns an
	// unsubscribe function.
	Subscribe(Listener) (unsubscribe func())

	// Transmit sends one APDU and returns the raw response including
	// SW1SW2. Safe to call concurrently; calls are serialized so APDU
	// exchanges never interleave (spec.md §4.1, §5 ordering).
	Transmit(apdu []byte) ([]byte, error)

	// Disconnect tears down the current target connection without
	// stopping detection.
	Disconnect()

	// ForceScan disconnects the current target and re-arms detection so
	// TargetDetected fires again for the same physical card, per
	// spec.md §4.1 and the INIT/factory-reset post-conditions in §4.3.
	ForceScan()

	// SetState transitions the mobile-visible channel state; a no-op on
	// backends that don't model one (e.g. plain PC/SC).
	SetState(State)
	State() State
}

// baseChannel centralizes the bookkeeping common to every backend:
// listener fan-out, transmit serialization, and same-UID suppression.
// Backends embed it and drive it from their own detection loop.
type baseChannel struct {
	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int

	transmitMu sync.Mutex

	state      State
	currentUID string
	connected  bool
}

func newBaseChannel() baseChannel {
	return baseChannel{listeners: make(map[int]Listener)}
}

func (b *baseChannel) Subscribe(l Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *baseChannel) emit(e Event) {
	b.mu.Lock()
	ls := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	b.mu.Unlock()
	for _, l := range ls {
		l(e)
	}
}

func (b *baseChannel) SetState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *baseChannel) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// onTargetSeen applies the same-UID suppression rule from spec.md §4.1:
// a target_detected event fires exactly once per transition from
// no-card to card-present; re-taps of the same UID while connected are
// suppressed. Returns whether an event should be emitted.
func (b *baseChannel) onTargetSeen(uid string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected && b.currentUID == uid {
		return false
	}
	b.currentUID = uid
	b.connected = true
	return true
}

func (b *baseChannel) onTargetLost() {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
}
