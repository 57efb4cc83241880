// Package session implements the Session Manager of spec.md §4.3: it
// owns one Channel, one Command Set, a pairing store, and the session
// state machine, exposing a flat procedural API for non-flow workflows.
// Grounded on the teacher's cmd/root.go connect-and-verify sequence
// (connectAndPrepareReader: connect, reset, verify PIN/ADM, detect
// applet) generalized into an event-driven state machine since the
// teacher's CLI runs that sequence once per process invocation while
// this module must run it once per card insertion, indefinitely.
package session

import "fmt"

// State is the SessionState sum type from spec.md §3. External
// representation uses the kebab-case names via String().
type State int

const (
	UnknownReaderState State = iota
	NoReadersFound
	WaitingForReader
	ReaderConnectionError
	WaitingForCard
	ConnectingCard
	EmptyKeycard
	NotKeycard
	ConnectionError
	PairingError
	BlockedPIN
	BlockedPUK
	Ready
	Authorized
	FactoryResetting
)

func (s State) String() string {
	switch s {
	case UnknownReaderState:
		return "unknown-reader-state"
	case NoReadersFound:
		return "no-readers-found"
	case WaitingForReader:
		return "waiting-for-reader"
	case ReaderConnectionError:
		return "reader-connection-error"
	case WaitingForCard:
		return "waiting-for-card"
	case ConnectingCard:
		return "connecting-card"
	case EmptyKeycard:
		return "empty-keycard"
	case NotKeycard:
		return "not-keycard"
	case ConnectionError:
		return "connection-error"
	case PairingError:
		return "pairing-error"
	case BlockedPIN:
		return "blocked-pin"
	case BlockedPUK:
		return "blocked-puk"
	case Ready:
		return "ready"
	case Authorized:
		return "authorized"
	case FactoryResetting:
		return "factory-resetting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrAlreadyStarted is returned by Manager.Start when called twice
// without an intervening Stop (spec.md §4.3 "idempotent-rejecting").
var ErrAlreadyStarted = fmt.Errorf("session: already started")
