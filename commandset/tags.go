// Package commandset is the thin typed wrapper over APDUs described in
// spec.md §4.2: it owns the secure channel's live crypto state and
// exposes one Go method per card operation. Grounded on the teacher's
// card/globalplatform_scp02.go / globalplatform_scp03.go (APDU
// construction, response TLV parsing, counter bookkeeping) with the
// concrete TLV layouts and instruction bodies redesigned for the
// Keycard applet's commands, which spec.md §1 excludes as an external
// collaborator and so are not pinned to any specific wire format.
package commandset

// BER-TLV tags used by the Keycard applet's response templates. These
// are this module's own concrete choice for the "TLV bytes" spec.md §4.2
// leaves unspecified for export_key, and for the SELECT/GET_STATUS
// templates spec.md §3 describes only by field, not by wire tag.
const (
	tagApplicationInfoTemplate = 0xA4
	tagInstanceUID             = 0x8F
	tagECPublicKey             = 0x80
	tagAppVersion              = 0x02
	tagPairingSlots            = 0x03
	tagKeyUID                  = 0x8E

	tagApplicationStatusTemplate = 0xA3
	tagPinPukRetries             = 0x02
	tagKeyInitialized            = 0x01
	tagDerivationPath            = 0x04

	tagKeyPairTemplate = 0xA1
	tagPublicKey        = 0x80
	tagPrivateKey       = 0x81
	tagChainCode        = 0x82

	tagMnemonicIndexes = 0x40
)
