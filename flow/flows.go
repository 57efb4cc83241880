package flow

import (
	"encoding/hex"

	"github.com/status-keycard/keycard-go/cryptoutil"
	"github.com/status-keycard/keycard-go/keycard"
)

func init() {
	registry[GetAppInfo] = flowGetAppInfo
	registry[Login] = flowLogin
	registry[RecoverAccount] = flowRecoverAccount
	registry[LoadAccount] = flowLoadAccount
	registry[Sign] = flowSign
	registry[ChangePIN] = flowChangePIN
	registry[ChangePUK] = flowChangePUK
	registry[ChangePairing] = flowChangePairing
	registry[ExportPublic] = flowExportPublic
	registry[GetMetadata] = flowGetMetadata
	registry[StoreMetadata] = flowStoreMetadata
}

// makeCurrentOnce returns true on its first call, false afterward: the
// card's implicit "current key" pointer must be seeded exactly once per
// secure channel session (spec.md §4.3).
func makeCurrentOnce() func() bool {
	first := true
	return func() bool {
		if first {
			first = false
			return true
		}
		return false
	}
}

func flowPrelude(e *Engine, fc *flowContext, pinRequired bool) error {
	if err := e.waitForCard(fc); err != nil {
		return err
	}
	if err := e.selectKeycard(fc); err != nil {
		return err
	}
	return e.openSecureChannelAndAuthenticate(fc, pinRequired)
}

// flowGetAppInfo implements spec.md §4.4's get_app_info: a prelude
// without PIN by default, a destructive factory-reset branch, or a
// best-effort PIN check that enriches the result when it succeeds.
func flowGetAppInfo(e *Engine, fc *flowContext) (map[string]any, error) {
	if err := e.waitForCard(fc); err != nil {
		return nil, err
	}
	if err := e.selectKeycard(fc); err != nil {
		return nil, err
	}

	if truthy(fc.params()["factory-reset"]) {
		if err := e.openSecureChannelAndAuthenticate(fc, true); err != nil {
			return nil, err
		}
		cmds := e.commandSet()
		if err := cmds.FactoryReset(); err != nil {
			return nil, err
		}
		e.channel.ForceScan()
		return map[string]any{"factory-reset": true}, nil
	}

	if err := e.openSecureChannelAndAuthenticate(fc, false); err != nil {
		return nil, err
	}

	result := map[string]any{}
	if pin := stringParam(fc.params(), "pin"); pin != "" {
		cmds := e.commandSet()
		if err := cmds.VerifyPIN(pin); err == nil {
			if st, err := cmds.GetStatus(); err == nil {
				fc.status = st
			}
			result["pin-retries"] = fc.status.PINRetryCount
			result["puk-retries"] = fc.status.PUKRetryCount
			result["paired"] = true
		}
	}
	return result, nil
}

// flowLogin implements spec.md §4.4's login: authenticate, then export
// the Whisper and Encryption identity keys a running session needs.
func flowLogin(e *Engine, fc *flowContext) (map[string]any, error) {
	if err := flowPrelude(e, fc, true); err != nil {
		return nil, err
	}
	cmds := e.commandSet()
	makeCurrent := makeCurrentOnce()

	whisper, err := cmds.ExportKey(true, makeCurrent(), keycard.WhisperPath, keycard.ExportPrivateAndPublic)
	if err != nil {
		return nil, err
	}
	encryption, err := cmds.ExportKey(true, makeCurrent(), keycard.EncryptionPath, keycard.ExportPrivateAndPublic)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"whisper-key":    walletKeyToMap(whisper),
		"encryption-key": walletKeyToMap(encryption),
	}, nil
}

// flowRecoverAccount implements spec.md §4.4's recover_account: the full
// key set an account-recovery UI needs to reconstruct wallet addresses
// and identity keys from an already-loaded card.
func flowRecoverAccount(e *Engine, fc *flowContext) (map[string]any, error) {
	if err := flowPrelude(e, fc, true); err != nil {
		return nil, err
	}
	cmds := e.commandSet()
	makeCurrent := makeCurrentOnce()

	encryption, err := cmds.ExportKey(true, makeCurrent(), keycard.EncryptionPath, keycard.ExportPrivateAndPublic)
	if err != nil {
		return nil, err
	}
	whisper, err := cmds.ExportKey(true, makeCurrent(), keycard.WhisperPath, keycard.ExportPrivateAndPublic)
	if err != nil {
		return nil, err
	}
	eip1581, err := cmds.ExportKey(true, makeCurrent(), keycard.EIP1581Path, keycard.ExportPublicOnly)
	if err != nil {
		return nil, err
	}
	var walletRoot keycard.WalletKey
	if fc.info.WalletRootExtendedSupported() {
		walletRoot, err = cmds.ExportKeyExtended(true, makeCurrent(), keycard.WalletRootPath)
	} else {
		walletRoot, err = cmds.ExportKey(true, makeCurrent(), keycard.WalletRootPath, keycard.ExportPublicOnly)
	}
	if err != nil {
		return nil, err
	}
	wallet, err := cmds.ExportKey(true, makeCurrent(), keycard.WalletPath, keycard.ExportPublicOnly)
	if err != nil {
		return nil, err
	}
	master, err := cmds.ExportKey(true, makeCurrent(), keycard.MasterPath, keycard.ExportPublicOnly)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"encryption-key":  walletKeyToMap(encryption),
		"whisper-key":     walletKeyToMap(whisper),
		"eip1581-key":     walletKeyToMap(eip1581),
		"wallet-root-key": walletKeyToMap(walletRoot),
		"wallet-key":      walletKeyToMap(wallet),
		"master-key":      walletKeyToMap(master),
	}, nil
}

// flowLoadAccount implements spec.md §4.4's load_account, including its
// §9-resolved "pause then load" mnemonic sequencing: the card is
// supplied a full mnemonic (entered or generated and echoed back) before
// any seed is installed, never generated-and-installed in one step.
func flowLoadAccount(e *Engine, fc *flowContext) (map[string]any, error) {
	if err := e.waitForCard(fc); err != nil {
		return nil, err
	}
	if err := e.selectKeycard(fc); err != nil {
		return nil, err
	}

	if !fc.info.Initialized {
		params, err := e.pauseAndWait(fc, ActionEnterNewPIN, ErrRequireInit, nil)
		if err != nil {
			return nil, err
		}
		secrets := keycard.Secrets{
			PIN:             stringParam(params, "new-pin"),
			PUK:             stringParam(params, "new-puk"),
			PairingPassword: stringParam(params, "new-pairing-pass"),
		}
		if secrets.PairingPassword == "" {
			secrets.PairingPassword = keycard.DefaultPairingPassword
		}
		cmds := e.commandSet()
		if err := cmds.Init(fc.info.SecureChannelPublicKey, secrets); err != nil {
			return nil, err
		}
		e.channel.Disconnect()
		e.channel.ForceScan()
		if err := e.waitForCard(fc); err != nil {
			return nil, err
		}
		if err := e.selectKeycard(fc); err != nil {
			return nil, err
		}
	}

	if err := e.openSecureChannelAndAuthenticate(fc, true); err != nil {
		return nil, err
	}

	if fc.info.HasKeys() && !truthy(fc.params()["overwrite"]) {
		if err := e.pauseAndRestart(fc, ActionSwapCard, ErrHasKeys); err != nil {
			return nil, err
		}
	}

	cmds := e.commandSet()
	mnemonic := stringParam(fc.params(), "mnemonic")
	if mnemonic == "" {
		words := 12
		if n, ok := fc.params()["mnemonic-length"].(int); ok && n > 0 {
			words = n
		}
		indexes, err := cmds.GenerateMnemonic(words / 3)
		if err != nil {
			return nil, err
		}
		params, err := e.pauseAndWait(fc, ActionEnterMnemonic, ErrLoadingKeys, map[string]any{"mnemonic-indexes": indexes})
		if err != nil {
			return nil, err
		}
		mnemonic = stringParam(params, "mnemonic")
	}

	seed := cryptoutil.BIP39Seed(mnemonic, stringParam(fc.params(), "passphrase"))
	keyUID, err := cmds.LoadSeed(seed)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key-uid": hex.EncodeToString(keyUID)}, nil
}

// flowSign implements spec.md §4.4's sign: authenticate, then sign a
// caller-supplied hash at a caller-supplied derivation path, pausing for
// either if not already provided.
func flowSign(e *Engine, fc *flowContext) (map[string]any, error) {
	if err := flowPrelude(e, fc, true); err != nil {
		return nil, err
	}

	hash, herr := hexParam(fc.params(), "tx-hash")
	path, pok := pathParam(fc.params(), "bip44-path")
	for herr != nil || !pok {
		if _, err := e.pauseAndWait(fc, ActionEnterPath, ErrMissingCredentials, nil); err != nil {
			return nil, err
		}
		hash, herr = hexParam(fc.params(), "tx-hash")
		path, pok = pathParam(fc.params(), "bip44-path")
	}

	sig, err := e.commandSet().Sign(hash, path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tx-signature": hex.EncodeToString(sig)}, nil
}

// flowChangePIN implements spec.md §4.4's change_pin.
func flowChangePIN(e *Engine, fc *flowContext) (map[string]any, error) {
	if err := flowPrelude(e, fc, true); err != nil {
		return nil, err
	}
	newPIN, err := requireParam(e, fc, "new-pin", ActionEnterNewPIN)
	if err != nil {
		return nil, err
	}
	if err := e.commandSet().ChangePIN(newPIN); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// flowChangePUK implements spec.md §4.4's change_puk.
func flowChangePUK(e *Engine, fc *flowContext) (map[string]any, error) {
	if err := flowPrelude(e, fc, true); err != nil {
		return nil, err
	}
	newPUK, err := requireParam(e, fc, "new-puk", ActionEnterNewPUK)
	if err != nil {
		return nil, err
	}
	if err := e.commandSet().ChangePUK(newPUK); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// flowChangePairing implements spec.md §4.4's change_pairing.
func flowChangePairing(e *Engine, fc *flowContext) (map[string]any, error) {
	if err := flowPrelude(e, fc, true); err != nil {
		return nil, err
	}
	newPW, err := requireParam(e, fc, "new-pairing-pass", ActionEnterNewPair)
	if err != nil {
		return nil, err
	}
	if err := e.commandSet().ChangePairingSecret(newPW); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// requireParam pauses for key if absent from params, returning its
// string value once present.
func requireParam(e *Engine, fc *flowContext, key, actionTag string) (string, error) {
	if v := stringParam(fc.params(), key); v != "" {
		return v, nil
	}
	for {
		params, err := e.pauseAndWait(fc, actionTag, ErrMissingCredentials, nil)
		if err != nil {
			return "", err
		}
		if v := stringParam(params, key); v != "" {
			return v, nil
		}
	}
}

// flowExportPublic implements spec.md §4.4's export_public: a single
// path or a batch of paths, each exported public-only, returned in the
// same shape (single object, or array) as the request.
func flowExportPublic(e *Engine, fc *flowContext) (map[string]any, error) {
	if err := flowPrelude(e, fc, true); err != nil {
		return nil, err
	}
	cmds := e.commandSet()
	makeCurrent := makeCurrentOnce()

	if paths, ok := fc.params()["paths"].([]any); ok {
		out := make([]map[string]any, 0, len(paths))
		for _, raw := range paths {
			path, ok := raw.([]uint32)
			if !ok {
				if list, ok2 := raw.([]any); ok2 {
					path, _ = pathParam(map[string]any{"p": list}, "p")
				}
			}
			key, err := cmds.ExportKey(true, makeCurrent(), path, keycard.ExportPublicOnly)
			if err != nil {
				return nil, err
			}
			out = append(out, walletKeyToMap(key))
		}
		return map[string]any{"keys": out}, nil
	}

	path, ok := pathParam(fc.params(), "path")
	if !ok {
		if _, err := e.pauseAndWait(fc, ActionEnterPath, ErrMissingCredentials, nil); err != nil {
			return nil, err
		}
		path, _ = pathParam(fc.params(), "path")
	}
	key, err := cmds.ExportKey(true, makeCurrent(), path, keycard.ExportPublicOnly)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": walletKeyToMap(key)}, nil
}

// flowGetMetadata implements spec.md §4.4's get_metadata: authenticate,
// read the public data slot, decode it.
func flowGetMetadata(e *Engine, fc *flowContext) (map[string]any, error) {
	if err := flowPrelude(e, fc, true); err != nil {
		return nil, err
	}
	raw, err := e.commandSet().GetData(publicMetadataSlot)
	if err != nil {
		return nil, err
	}
	meta, err := keycard.DecodeMetadata(raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": meta.Name, "wallet-indexes": meta.Indexes}, nil
}

// flowStoreMetadata implements spec.md §4.4's store_metadata: pause for
// a card name if not supplied, then encode and write the public slot.
func flowStoreMetadata(e *Engine, fc *flowContext) (map[string]any, error) {
	if err := flowPrelude(e, fc, true); err != nil {
		return nil, err
	}
	name, err := requireParam(e, fc, "name", ActionEnterName)
	if err != nil {
		return nil, err
	}
	indexes, _ := pathParam(fc.params(), "wallet-indexes")

	blob, err := keycard.EncodeMetadata(keycard.Metadata{Name: name, Indexes: indexes})
	if err != nil {
		return nil, err
	}
	if err := e.commandSet().StoreData(publicMetadataSlot, blob); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}
