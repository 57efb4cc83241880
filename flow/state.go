// Package flow implements the Flow Engine of spec.md §4.4: a single
// active, pausable/resumable/cancellable scripted procedure driving the
// same Channel/Command Set the Session Manager can also drive, never at
// the same time. Grounded on the teacher's cmd package's step-by-step
// GlobalPlatform provisioning sequences (connect, select, authenticate,
// install, verify), generalized from a linear CLI script into a
// pausable state machine that can hand control back to a UI between
// steps.
package flow

import "fmt"

// FlowState is the engine-level state of spec.md §3/§4.4.
type FlowState int

const (
	Idle FlowState = iota
	Running
	Paused
	Resuming
	Cancelling
)

func (s FlowState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Resuming:
		return "resuming"
	case Cancelling:
		return "cancelling"
	default:
		return fmt.Sprintf("flow-state(%d)", int(s))
	}
}

// ValidTransition is the pure adjacency check spec.md §9's redesign note
// calls for: a `valid_transition(s, t) -> bool` with all locking isolated
// to the mutating entry point, never inside this function.
func ValidTransition(from, to FlowState) bool {
	if from == to {
		return true
	}
	switch from {
	case Idle:
		return to == Running
	case Running:
		return to == Paused || to == Cancelling || to == Idle
	case Paused:
		return to == Resuming || to == Cancelling || to == Running
	case Resuming:
		return to == Running
	case Cancelling:
		return to == Idle
	default:
		return false
	}
}

// FlowType is the closed enumeration of spec.md §3 with stable integer
// codes; gaps (9, 10, 11) are reserved codes this module does not
// implement a flow body for.
type FlowType int

const (
	GetAppInfo     FlowType = 0
	RecoverAccount FlowType = 1
	LoadAccount    FlowType = 2
	Login          FlowType = 3
	ExportPublic   FlowType = 4
	Sign           FlowType = 5
	ChangePIN      FlowType = 6
	ChangePUK      FlowType = 7
	ChangePairing  FlowType = 8
	GetMetadata    FlowType = 12
	StoreMetadata  FlowType = 13
)

func (f FlowType) String() string {
	switch f {
	case GetAppInfo:
		return "get-app-info"
	case RecoverAccount:
		return "recover-account"
	case LoadAccount:
		return "load-account"
	case Login:
		return "login"
	case ExportPublic:
		return "export-public"
	case Sign:
		return "sign"
	case ChangePIN:
		return "change-pin"
	case ChangePUK:
		return "change-puk"
	case ChangePairing:
		return "change-pairing"
	case GetMetadata:
		return "get-metadata"
	case StoreMetadata:
		return "store-metadata"
	default:
		return fmt.Sprintf("flow-type(%d)", int(f))
	}
}

// ErrAlreadyRunning is returned by StartFlow when a flow is already
// active.
var ErrAlreadyRunning = fmt.Errorf("flow: already running")

// ErrUnknownFlow is returned by StartFlow for an unregistered FlowType.
var ErrUnknownFlow = fmt.Errorf("flow: unknown flow type")

// ErrNotPaused is returned by ResumeFlow when the engine is not Paused.
var ErrNotPaused = fmt.Errorf("flow: not paused")

// ErrNotRunning is returned by CancelFlow when no flow is active.
var ErrNotRunning = fmt.Errorf("flow: not running")
