package flow

// Action tags: the signal `type` emitted on every pause (spec.md §4.4's
// "Emitted signal tags"), plus "flow-result" for a completed flow.
const (
	ActionInsertCard    = "insert-card"
	ActionCardInserted  = "card-inserted"
	ActionEnterPairing  = "enter-pairing"
	ActionEnterPIN      = "enter-pin"
	ActionEnterNewPIN   = "enter-new-pin"
	ActionEnterNewPUK   = "enter-new-puk"
	ActionEnterNewPair  = "enter-new-pairing"
	ActionEnterPath     = "enter-path"
	ActionEnterMnemonic = "enter-mnemonic"
	ActionEnterName     = "enter-name"
	ActionSwapCard      = "swap-card"
	ActionFlowResult    = "flow-result"
)

// Error tags carried inside a pause event's `error` field.
const (
	ErrConnectionError     = "connection-error"
	ErrEnterPIN            = "enter-pin"
	ErrWrongPIN            = "wrong-pin"
	ErrPINBlocked          = "pin-blocked"
	ErrEnterPairing        = "enter-pairing"
	ErrNoKeys              = "no-keys"
	ErrHasKeys             = "has-keys"
	ErrRequireInit         = "require-init"
	ErrLoadingKeys         = "loading-keys"
	ErrCancelled           = "cancelled"
	ErrCardError           = "card-error"
	ErrSelectFailed        = "select-failed"
	ErrAuthFailed          = "auth-failed"
	ErrChangeFailed        = "change-failed"
	ErrExportFailed        = "export-failed"
	ErrGenerateFailed      = "generate-failed"
	ErrLoadFailed          = "load-failed"
	ErrMissingCredentials  = "missing-credentials"
	ErrFactoryResetFailed  = "factory-reset-failed"
	ErrOK                  = "ok"
)
