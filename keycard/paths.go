package keycard

// Derivation path constants from spec.md §4.3/§6. Each is expressed as a
// sequence of BIP32 index values; the hardened bit (0x80000000) is ORed
// in by HardenedIndex rather than baked into the literal, so the paths
// read the same way they are written in BIP44 notation.

const hardenedBit uint32 = 0x80000000

// HardenedIndex applies BIP32 hardened derivation to an index.
func HardenedIndex(i uint32) uint32 { return i | hardenedBit }

// MasterPath is the root of the on-card key tree, "m".
var MasterPath = []uint32{}

// WalletRootPath is "m/44'/60'/0'/0", the EIP-2334-style account root
// that export_key_extended returns as an extended public key.
var WalletRootPath = []uint32{
	HardenedIndex(44),
	HardenedIndex(60),
	HardenedIndex(0),
	0,
}

// WalletPath is "m/44'/60'/0'/0/0", the first Ethereum wallet account.
var WalletPath = []uint32{
	HardenedIndex(44),
	HardenedIndex(60),
	HardenedIndex(0),
	0,
	0,
}

// WalletPathAt derives "m/44'/60'/0'/0/<index>" for arbitrary accounts.
func WalletPathAt(index uint32) []uint32 {
	return []uint32{
		HardenedIndex(44),
		HardenedIndex(60),
		HardenedIndex(0),
		0,
		index,
	}
}

// EIP1581Path is "m/43'/60'/1581'", the root for non-wallet purposes.
var EIP1581Path = []uint32{
	HardenedIndex(43),
	HardenedIndex(60),
	HardenedIndex(1581),
}

// WhisperPath is "m/43'/60'/1581'/0'/0", used for Whisper identity keys.
var WhisperPath = []uint32{
	HardenedIndex(43),
	HardenedIndex(60),
	HardenedIndex(1581),
	HardenedIndex(0),
	0,
}

// EncryptionPath is "m/43'/60'/1581'/1'/0", used for symmetric-key
// encryption key agreement.
var EncryptionPath = []uint32{
	HardenedIndex(43),
	HardenedIndex(60),
	HardenedIndex(1581),
	HardenedIndex(1),
	0,
}
