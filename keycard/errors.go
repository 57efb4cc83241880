package keycard

import "fmt"

// The typed error values spec.md §7 requires callers to branch on. Kept
// as concrete types rather than sentinel values or numeric codes, per
// spec.md §9's "re-architecture of source idioms" directive to express
// kinds, not codes.

// WrongPIN is returned by VerifyPIN/Authorize on an incorrect PIN.
type WrongPIN struct{ Remaining int }

func (e WrongPIN) Error() string {
	return fmt.Sprintf("keycard: wrong PIN, %d attempts remaining", e.Remaining)
}

// WrongPUK is returned by UnblockPIN on an incorrect PUK.
type WrongPUK struct{ Remaining int }

func (e WrongPUK) Error() string {
	return fmt.Sprintf("keycard: wrong PUK, %d attempts remaining", e.Remaining)
}

// PINBlocked is terminal for the card instance until factory reset.
type PINBlocked struct{}

func (PINBlocked) Error() string { return "keycard: PIN blocked" }

// PUKBlocked is terminal for the card instance until factory reset.
type PUKBlocked struct{}

func (PUKBlocked) Error() string { return "keycard: PUK blocked" }

// NoAvailableSlots is returned by Pair when the card has no free pairing
// slot left (SW 0x6A84). Terminal — the user must factory-reset.
type NoAvailableSlots struct{}

func (NoAvailableSlots) Error() string { return "keycard: no available pairing slots" }

// WrongPairingPassword is returned by Pair on a bad pairing password.
// Recoverable via re-prompt.
type WrongPairingPassword struct{}

func (WrongPairingPassword) Error() string { return "keycard: wrong pairing password" }

// SecureChannelRequired maps SW 0x6982 when no secure channel is open.
type SecureChannelRequired struct{}

func (SecureChannelRequired) Error() string { return "keycard: secure channel required" }

// ConditionsNotSatisfied maps SW 0x6985.
type ConditionsNotSatisfied struct{}

func (ConditionsNotSatisfied) Error() string { return "keycard: conditions of use not satisfied" }

// CardInternalError maps SW 0x6F05/0x6F00, most often caused by skipping
// GET_STATUS immediately after opening the secure channel (spec.md §4.3).
type CardInternalError struct{ SW uint16 }

func (e CardInternalError) Error() string {
	return fmt.Sprintf("keycard: card internal error (SW=%04X)", e.SW)
}

// TransportError wraps a failure in the underlying Channel (disconnect,
// short read, timeout).
type TransportError struct{ Err error }

func (e TransportError) Error() string { return fmt.Sprintf("keycard: transport: %v", e.Err) }
func (e TransportError) Unwrap() error { return e.Err }

// CardProtocolError wraps an unexpected status word or malformed TLV not
// covered by a more specific type above.
type CardProtocolError struct {
	SW      uint16
	Message string
}

func (e CardProtocolError) Error() string {
	return fmt.Sprintf("keycard: card protocol error: %s (SW=%04X)", e.Message, e.SW)
}

// StateError reports that an operation was invoked in a state that
// forbids it (e.g. authorize before Ready).
type StateError struct{ Message string }

func (e StateError) Error() string { return "keycard: " + e.Message }

// Cancelled is produced by Flow Engine cancellation.
type Cancelled struct{}

func (Cancelled) Error() string { return "keycard: cancelled" }
