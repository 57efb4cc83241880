// Package keycard holds the data model shared by the transport, command
// set, session, and flow packages: the wire-level structures of
// spec.md §3 (ApplicationInfo, ApplicationStatus, PairingInfo, Secrets,
// KeyPair, Metadata), so every package above transport can depend on one
// vocabulary instead of redeclaring it. The session and flow state
// machines live in their own packages.
package keycard

import "fmt"

// ApplicationInfo is returned by SELECT (spec.md §3).
type ApplicationInfo struct {
	Installed               bool
	Initialized             bool
	InstanceUID             []byte // 16 bytes, empty on uninitialized
	SecureChannelPublicKey  []byte // 65-byte uncompressed EC point
	AppVersionMajor         int
	AppVersionMinor         int
	AvailablePairingSlots   int
	KeyUID                  []byte // 0 or 32 bytes
}

// Valid checks the SELECT invariant from spec.md §3: either InstanceUID
// or SecureChannelPublicKey must be non-empty, or SELECT failed.
func (a ApplicationInfo) Valid() bool {
	return len(a.InstanceUID) > 0 || len(a.SecureChannelPublicKey) > 0
}

// InstanceUIDHex is the lookup key into the PairingStore.
func (a ApplicationInfo) InstanceUIDHex() string {
	return fmt.Sprintf("%x", a.InstanceUID)
}

// HasKeys reports whether a BIP32 master key is currently loaded.
func (a ApplicationInfo) HasKeys() bool {
	return len(a.KeyUID) == 32
}

// WalletRootExtendedSupported implements the version predicate from
// spec.md §9's "Open questions": the source's `major >= 3 AND minor >= 1`
// check misclassifies e.g. 4.0, so this implements the lexicographic
// reading "(major, minor) >= (3, 1)" instead.
func (a ApplicationInfo) WalletRootExtendedSupported() bool {
	if a.AppVersionMajor != 3 {
		return a.AppVersionMajor > 3
	}
	return a.AppVersionMinor >= 1
}

// ApplicationStatus is returned by GET_STATUS(Application) (spec.md §3).
type ApplicationStatus struct {
	PINRetryCount   int // 0..3, -1 = unknown/not fetched
	PUKRetryCount   int // 0..5, -1 = unknown/not fetched
	KeyInitialized  bool
	DerivationPath  []uint32 // optional
}

// UnknownApplicationStatus is the sentinel value used before the first
// successful GET_STATUS, per spec.md §3's -1 sentinel convention.
var UnknownApplicationStatus = ApplicationStatus{PINRetryCount: -1, PUKRetryCount: -1}

// PairingInfo is one pairing record (spec.md §3).
type PairingInfo struct {
	Key   []byte // 32 bytes, the pairing master key derived at PAIR time
	Index int    // slot allocated by the card, 0..max_slots-1
}

// Valid reports the PairingInfo invariant: key.len == 32.
func (p PairingInfo) Valid() bool {
	return len(p.Key) == 32
}

// Secrets is the transient PIN/PUK/pairing-password bundle passed to
// INIT. It must never be persisted (spec.md §3).
type Secrets struct {
	PIN             string
	PUK             string
	PairingPassword string
}

// Validate enforces the PIN/PUK length rule from spec.md §6: PIN is 6
// ASCII digits, PUK is 12 ASCII digits.
func (s Secrets) Validate() error {
	if len(s.PIN) != 6 || !allDigits(s.PIN) {
		return fmt.Errorf("keycard: PIN must be 6 ASCII digits")
	}
	if len(s.PUK) != 12 || !allDigits(s.PUK) {
		return fmt.Errorf("keycard: PUK must be 12 ASCII digits")
	}
	return nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DefaultPairingPassword is used when INIT or PAIR is not given an
// explicit pairing password (spec.md §6).
const DefaultPairingPassword = "KeycardDefaultPairing"

// ExportKind selects which fields export_key/export_key_extended return.
type ExportKind int

const (
	ExportPublicOnly ExportKind = iota
	ExportPrivateAndPublic
	ExportExtendedPublic
)

// WalletKey is the parsed result of an export_key call (spec.md §3's
// "KeyPair").
type WalletKey struct {
	PublicKey  []byte // 65 bytes
	PrivateKey []byte // optional, 32 bytes
	ChainCode  []byte // optional, 32 bytes
	Address    []byte // derived, 20 bytes
}
