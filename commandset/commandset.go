package commandset

import (
	"encoding/binary"
	"fmt"

	"github.com/status-keycard/keycard-go/apdu"
	"github.com/status-keycard/keycard-go/cryptoutil"
	"github.com/status-keycard/keycard-go/keycard"
	"github.com/status-keycard/keycard-go/transport"
)

// keycardCLA is the CLA byte the applet expects on every command, mirroring
// the teacher's single-CLA GlobalPlatform commands.
const keycardCLA = 0x80

// CommandSet owns the typed APDU surface and the secure channel's live
// crypto state, per spec.md §4.2. It is opaque to the Session Manager and
// Flow Engine beyond the operations below; the Session Manager creates a
// fresh CommandSet for each new card connection, while the Flow Engine
// reuses one across successive flows for as long as the same card UID
// stays connected.
type CommandSet struct {
	channel transport.Channel
	sc      *cryptoutil.SecureChannel

	cachedStatus keycard.ApplicationStatus
}

// New wraps a connected Channel. The secure channel is not established
// until OpenSecureChannel succeeds.
func New(channel transport.Channel) *CommandSet {
	return &CommandSet{channel: channel, cachedStatus: keycard.UnknownApplicationStatus}
}

func (c *CommandSet) transmit(cmd apdu.Command) (*apdu.Response, error) {
	raw, err := c.channel.Transmit(cmd.Bytes())
	if err != nil {
		return nil, keycard.TransportError{Err: err}
	}
	return apdu.ParseResponse(raw)
}

// transmitSecure wraps data through the open secure channel, transmits
// it, and unwraps the response before status-word mapping. Every call
// through this path advances the MAC chaining state (spec.md §4.2
// "side effects").
func (c *CommandSet) transmitSecure(ins, p1, p2 byte, data []byte) (*apdu.Response, error) {
	if c.sc == nil || !c.sc.Opened() {
		return nil, keycard.SecureChannelRequired{}
	}
	wrapped, err := c.sc.Wrap(data)
	if err != nil {
		return nil, keycard.CardProtocolError{Message: fmt.Sprintf("wrap: %v", err)}
	}
	resp, err := c.transmit(apdu.Command{Cla: keycardCLA, Ins: ins, P1: p1, P2: p2, Data: wrapped})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		if err := mapError(resp); err != nil {
			return nil, err
		}
	}
	plain, err := c.sc.Unwrap(resp.Data)
	if err != nil {
		return nil, keycard.CardProtocolError{Message: fmt.Sprintf("unwrap: %v", err)}
	}
	if err := mapError(resp); err != nil {
		return nil, err
	}
	return &apdu.Response{Data: plain, SW1: resp.SW1, SW2: resp.SW2}, nil
}

// mapError implements the SW → error mapping table of spec.md §4.2.
func mapError(resp *apdu.Response) error {
	if resp.IsOK() {
		return nil
	}
	sw := resp.SW()
	switch sw {
	case apdu.SWOK:
		return nil
	case apdu.SWNoAvailableSlots:
		return keycard.NoAvailableSlots{}
	case apdu.SWSecurityNotSatisfied:
		return keycard.SecureChannelRequired{}
	case apdu.SWConditionsNotSatisfied:
		return keycard.ConditionsNotSatisfied{}
	case 0x6F05, 0x6F00:
		return keycard.CardInternalError{SW: sw}
	}
	if remaining, ok := apdu.SWIsPINError(sw); ok {
		if remaining == 0 {
			// Caller distinguishes PIN vs PUK context; see VerifyPIN/UnblockPIN.
			return keycard.WrongPIN{Remaining: 0}
		}
		return keycard.WrongPIN{Remaining: remaining}
	}
	return keycard.CardProtocolError{SW: sw, Message: apdu.SWString(sw)}
}

// Select issues SELECT and parses the ApplicationInfo template.
func (c *CommandSet) Select() (keycard.ApplicationInfo, error) {
	resp, err := c.transmit(apdu.Command{
		Cla: 0x00, Ins: apdu.InsSelect, P1: 0x04, P2: 0x00,
		Data: keycardAID,
	})
	if err != nil {
		return keycard.ApplicationInfo{}, err
	}
	if err := mapError(resp); err != nil {
		return keycard.ApplicationInfo{}, err
	}
	info, err := parseApplicationInfo(resp.Data)
	if err != nil {
		return keycard.ApplicationInfo{}, keycard.CardProtocolError{Message: err.Error()}
	}
	if !info.Valid() {
		return keycard.ApplicationInfo{}, keycard.CardProtocolError{Message: "SELECT: neither instance UID nor public key present"}
	}
	return info, nil
}

func parseApplicationInfo(data []byte) (keycard.ApplicationInfo, error) {
	elements, err := apdu.ParseTLV(data)
	if err != nil {
		return keycard.ApplicationInfo{}, err
	}
	template, ok := apdu.Find(elements, tagApplicationInfoTemplate)
	if !ok {
		return keycard.ApplicationInfo{}, fmt.Errorf("SELECT response missing application info template")
	}
	var info keycard.ApplicationInfo
	if uid, ok := apdu.Find(template.Children, tagInstanceUID); ok {
		info.InstanceUID = uid.Value
		info.Initialized = len(uid.Value) > 0
	}
	if pub, ok := apdu.Find(template.Children, tagECPublicKey); ok {
		info.SecureChannelPublicKey = pub.Value
	}
	if ver, ok := apdu.Find(template.Children, tagAppVersion); ok && len(ver.Value) == 2 {
		info.AppVersionMajor = int(ver.Value[0])
		info.AppVersionMinor = int(ver.Value[1])
	}
	if slots, ok := apdu.Find(template.Children, tagPairingSlots); ok && len(slots.Value) >= 1 {
		info.AvailablePairingSlots = int(slots.Value[0])
	}
	if uid, ok := apdu.Find(template.Children, tagKeyUID); ok {
		info.KeyUID = uid.Value
	}
	info.Installed = true
	return info, nil
}

// keycardAID is this module's own AID for the applet; it has no bearing
// on spec conformance since SELECT's on-wire AID is outside spec.md §1's
// scope.
var keycardAID = []byte{0xA0, 0x00, 0x00, 0x08, 0x04, 0x00, 0x01}

// Init personalizes a freshly-installed applet with PIN, PUK, and pairing
// password, encrypted under the ECDH secret against the card's SELECT
// public key (spec.md §4.2 "init(Secrets) → ok").
func (c *CommandSet) Init(appPublicKey []byte, secrets keycard.Secrets) error {
	if err := secrets.Validate(); err != nil {
		return err
	}
	sc, err := cryptoutil.NewSecureChannel(appPublicKey)
	if err != nil {
		return keycard.CardProtocolError{Message: err.Error()}
	}
	iv, err := cryptoutil.RandomBytes(16)
	if err != nil {
		return keycard.CardProtocolError{Message: err.Error()}
	}
	payload := []byte(secrets.PIN + secrets.PUK + secrets.PairingPassword)
	ciphertext, err := sc.WrapInit(iv, payload)
	if err != nil {
		return keycard.CardProtocolError{Message: err.Error()}
	}
	data := append(append(append([]byte{}, sc.PublicKey()...), iv...), ciphertext...)
	resp, err := c.transmit(apdu.Command{Cla: keycardCLA, Ins: apdu.InsInit, P1: 0x00, P2: 0x00, Data: data})
	if err != nil {
		return err
	}
	return mapError(resp)
}

// Pair runs the two-step challenge/response described by
// cryptoutil.SecureChannel's pairing helpers, grounded on the teacher's
// GlobalPlatform INITIALIZE-UPDATE/EXTERNAL-AUTHENTICATE challenge
// exchange (card/globalplatform_scp02.go).
func (c *CommandSet) Pair(appPublicKey []byte, password string) (keycard.PairingInfo, error) {
	sc, err := cryptoutil.NewSecureChannel(appPublicKey)
	if err != nil {
		return keycard.PairingInfo{}, keycard.CardProtocolError{Message: err.Error()}
	}
	challenge, err := cryptoutil.RandomBytes(32)
	if err != nil {
		return keycard.PairingInfo{}, keycard.CardProtocolError{Message: err.Error()}
	}

	step0Data := append(append([]byte{}, sc.PublicKey()...), challenge...)
	resp1, err := c.transmit(apdu.Command{Cla: keycardCLA, Ins: apdu.InsPair, P1: 0x00, P2: 0x00, Data: step0Data})
	if err != nil {
		return keycard.PairingInfo{}, err
	}
	if resp1.SW() == apdu.SWNoAvailableSlots {
		return keycard.PairingInfo{}, keycard.NoAvailableSlots{}
	}
	if err := mapError(resp1); err != nil {
		return keycard.PairingInfo{}, err
	}
	if len(resp1.Data) != 64 {
		return keycard.PairingInfo{}, keycard.CardProtocolError{Message: "PAIR step 1: unexpected response length"}
	}
	cardCryptogram := resp1.Data[:32]
	cardChallenge := resp1.Data[32:]
	if !sc.VerifyPairingCryptogram(challenge, cardCryptogram) {
		return keycard.PairingInfo{}, keycard.WrongPairingPassword{}
	}

	proof := cryptoutil.PairingPasswordProof(password, cardChallenge)
	resp2, err := c.transmit(apdu.Command{Cla: keycardCLA, Ins: apdu.InsPair, P1: 0x01, P2: 0x00, Data: proof})
	if err != nil {
		return keycard.PairingInfo{}, err
	}
	if resp2.SW() == apdu.SWSecurityNotSatisfied {
		return keycard.PairingInfo{}, keycard.WrongPairingPassword{}
	}
	if err := mapError(resp2); err != nil {
		return keycard.PairingInfo{}, err
	}
	if len(resp2.Data) != 33 {
		return keycard.PairingInfo{}, keycard.CardProtocolError{Message: "PAIR step 2: unexpected response length"}
	}
	index := int(resp2.Data[0])
	salt := resp2.Data[1:]
	key := sc.DerivePairingKey(salt)
	return keycard.PairingInfo{Key: key, Index: index}, nil
}

// OpenSecureChannel runs OPEN_SECURE_CHANNEL followed by
// MUTUALLY_AUTHENTICATE, leaving c.sc ready for every subsequent
// transmitSecure call. Callers MUST immediately follow this with
// GetStatus (spec.md §4.2's note on 0x6F05/0x6F00) before doing anything
// else with the channel.
func (c *CommandSet) OpenSecureChannel(appPublicKey []byte, pairing keycard.PairingInfo) error {
	if !pairing.Valid() {
		return keycard.StateError{Message: "OpenSecureChannel: invalid pairing info"}
	}
	sc, err := cryptoutil.NewSecureChannel(appPublicKey)
	if err != nil {
		return keycard.CardProtocolError{Message: err.Error()}
	}
	resp, err := c.transmit(apdu.Command{
		Cla: keycardCLA, Ins: apdu.InsOpenSecureChannel,
		P1: byte(pairing.Index), P2: 0x00, Data: sc.PublicKey(),
	})
	if err != nil {
		return err
	}
	if err := mapError(resp); err != nil {
		return err
	}
	if len(resp.Data) != 16 {
		return keycard.CardProtocolError{Message: "OPEN_SECURE_CHANNEL: unexpected response length"}
	}
	if err := sc.Open(pairing.Key, resp.Data); err != nil {
		return keycard.CardProtocolError{Message: err.Error()}
	}
	c.sc = sc

	challenge, err := cryptoutil.RandomBytes(32)
	if err != nil {
		return keycard.CardProtocolError{Message: err.Error()}
	}
	authResp, err := c.transmitSecure(apdu.InsMutuallyAuthenticate, 0x00, 0x00, challenge)
	if err != nil {
		c.sc = nil
		return err
	}
	if len(authResp.Data) != 32 {
		c.sc = nil
		return keycard.CardProtocolError{Message: "MUTUALLY_AUTHENTICATE: unexpected response length"}
	}
	return nil
}

// ResetSecureChannel forgets the live session keys without closing the
// physical channel, per spec.md §4.2.
func (c *CommandSet) ResetSecureChannel() {
	if c.sc != nil {
		c.sc.Reset()
	}
	c.cachedStatus = keycard.UnknownApplicationStatus
}

// CachedApplicationStatus returns the last GetStatus result without
// issuing an APDU, for facades that must never block on card I/O
// (spec.md §4.3 "Status reporting").
func (c *CommandSet) CachedApplicationStatus() keycard.ApplicationStatus {
	return c.cachedStatus
}

// GetStatus issues GET_STATUS(P1=0x00, application) and caches the
// result for CachedApplicationStatus.
func (c *CommandSet) GetStatus() (keycard.ApplicationStatus, error) {
	resp, err := c.transmitSecure(apdu.InsGetStatus, 0x00, 0x00, nil)
	if err != nil {
		return keycard.ApplicationStatus{}, err
	}
	status, err := parseApplicationStatus(resp.Data)
	if err != nil {
		return keycard.ApplicationStatus{}, keycard.CardProtocolError{Message: err.Error()}
	}
	c.cachedStatus = status
	return status, nil
}

func parseApplicationStatus(data []byte) (keycard.ApplicationStatus, error) {
	elements, err := apdu.ParseTLV(data)
	if err != nil {
		return keycard.ApplicationStatus{}, err
	}
	template, ok := apdu.Find(elements, tagApplicationStatusTemplate)
	if !ok {
		return keycard.ApplicationStatus{}, fmt.Errorf("GET_STATUS response missing status template")
	}
	status := keycard.UnknownApplicationStatus
	if retries, ok := apdu.Find(template.Children, tagPinPukRetries); ok && len(retries.Value) == 2 {
		status.PINRetryCount = int(retries.Value[0])
		status.PUKRetryCount = int(retries.Value[1])
	}
	if init, ok := apdu.Find(template.Children, tagKeyInitialized); ok && len(init.Value) == 1 {
		status.KeyInitialized = init.Value[0] != 0
	}
	if path, ok := apdu.Find(template.Children, tagDerivationPath); ok {
		status.DerivationPath = decodePath(path.Value)
	}
	return status, nil
}

func decodePath(data []byte) []uint32 {
	if len(data)%4 != 0 {
		return nil
	}
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(data[i*4 : i*4+4])
	}
	return out
}

func encodePath(path []uint32) []byte {
	out := make([]byte, len(path)*4)
	for i, v := range path {
		binary.BigEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// VerifyPIN checks the user PIN over the secure channel.
func (c *CommandSet) VerifyPIN(pin string) error {
	_, err := c.transmitSecure(apdu.InsVerifyPIN, 0x00, 0x00, []byte(pin))
	if wp, ok := err.(keycard.WrongPIN); ok {
		if wp.Remaining == 0 {
			return keycard.PINBlocked{}
		}
	}
	return err
}

// ChangePIN sets a new PIN over the secure channel.
func (c *CommandSet) ChangePIN(newPIN string) error {
	_, err := c.transmitSecure(apdu.InsChangePIN, 0x00, 0x00, []byte(newPIN))
	return err
}

// ChangePUK sets a new PUK over the secure channel.
func (c *CommandSet) ChangePUK(newPUK string) error {
	_, err := c.transmitSecure(apdu.InsChangePIN, 0x01, 0x00, []byte(newPUK))
	return err
}

// UnblockPIN resets a blocked PIN using the PUK.
func (c *CommandSet) UnblockPIN(puk, newPIN string) error {
	_, err := c.transmitSecure(apdu.InsUnblockPIN, 0x00, 0x00, []byte(puk+newPIN))
	if wp, ok := err.(keycard.WrongPIN); ok {
		if wp.Remaining == 0 {
			return keycard.PUKBlocked{}
		}
		return keycard.WrongPUK{Remaining: wp.Remaining}
	}
	return err
}

// ChangePairingSecret sets a new pairing password over the secure
// channel; existing pairing records derived from the old password remain
// valid until the card is unpaired.
func (c *CommandSet) ChangePairingSecret(newPassword string) error {
	_, err := c.transmitSecure(apdu.InsChangePIN, 0x02, 0x00, []byte(newPassword))
	return err
}

// GenerateMnemonic asks the card for checksumWords*32-bit entropy and
// returns the BIP39 wordlist indices it chose, per spec.md §4.2.
func (c *CommandSet) GenerateMnemonic(checksumWords int) ([]uint16, error) {
	resp, err := c.transmitSecure(apdu.InsGenerateMnemonic, byte(checksumWords), 0x00, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Data)%2 != 0 {
		return nil, keycard.CardProtocolError{Message: "GENERATE_MNEMONIC: odd response length"}
	}
	indexes := make([]uint16, len(resp.Data)/2)
	for i := range indexes {
		indexes[i] = binary.BigEndian.Uint16(resp.Data[i*2:])
	}
	return indexes, nil
}

// LoadSeed installs a 64-byte BIP39 seed as the card's master key,
// returning the resulting key UID.
func (c *CommandSet) LoadSeed(seed []byte) ([]byte, error) {
	if len(seed) != 64 {
		return nil, keycard.StateError{Message: "LoadSeed: seed must be 64 bytes"}
	}
	resp, err := c.transmitSecure(apdu.InsLoadKey, 0x02, 0x00, seed)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// FactoryReset wipes the applet back to its pre-initialized state.
func (c *CommandSet) FactoryReset() error {
	_, err := c.transmitSecure(apdu.InsFactoryReset, 0x00, 0x00, nil)
	return err
}

// ExportKey exports a key at path, per spec.md §4.2. derive selects
// whether the card derives to path first; makeCurrent seeds the card's
// implicit "current key" pointer (required exactly once per session,
// spec.md §4.3).
func (c *CommandSet) ExportKey(derive, makeCurrent bool, path []uint32, kind keycard.ExportKind) (keycard.WalletKey, error) {
	p2 := byte(0x00)
	if derive {
		p2 |= 0x01
	}
	if makeCurrent {
		p2 |= 0x02
	}
	resp, err := c.transmitSecure(apdu.InsExportKey, byte(kind), p2, encodePath(path))
	if err != nil {
		return keycard.WalletKey{}, err
	}
	return parseWalletKey(resp.Data)
}

// ExportKeyExtended is ExportKey with the extended-public-key variant, used
// for the wallet-root export on applet versions ≥ 3.1 (spec.md §4.3).
func (c *CommandSet) ExportKeyExtended(derive, makeCurrent bool, path []uint32) (keycard.WalletKey, error) {
	return c.ExportKey(derive, makeCurrent, path, keycard.ExportExtendedPublic)
}

func parseWalletKey(data []byte) (keycard.WalletKey, error) {
	elements, err := apdu.ParseTLV(data)
	if err != nil {
		return keycard.WalletKey{}, err
	}
	template, ok := apdu.Find(elements, tagKeyPairTemplate)
	if !ok {
		return keycard.WalletKey{}, fmt.Errorf("export_key response missing key template")
	}
	var key keycard.WalletKey
	if pub, ok := apdu.Find(template.Children, tagPublicKey); ok {
		key.PublicKey = pub.Value
	}
	if priv, ok := apdu.Find(template.Children, tagPrivateKey); ok {
		key.PrivateKey = priv.Value
	}
	if cc, ok := apdu.Find(template.Children, tagChainCode); ok {
		key.ChainCode = cc.Value
	}
	if len(key.PublicKey) == 65 {
		addr, err := cryptoutil.AddressFromPublicKey(key.PublicKey)
		if err == nil {
			key.Address = addr
		}
	}
	return key, nil
}

// Sign computes an ECDSA signature over a 32-byte hash at path.
func (c *CommandSet) Sign(hash []byte, path []uint32) ([]byte, error) {
	if len(hash) != 32 {
		return nil, keycard.StateError{Message: "Sign: hash must be 32 bytes"}
	}
	data := append(append([]byte{}, hash...), encodePath(path)...)
	resp, err := c.transmitSecure(apdu.InsSign, 0x00, 0x00, data)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetData reads the given public-slot data record (spec.md §4.2).
func (c *CommandSet) GetData(slot byte) ([]byte, error) {
	resp, err := c.transmitSecure(apdu.InsGetData, slot, 0x00, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// StoreData writes the given public-slot data record.
func (c *CommandSet) StoreData(slot byte, data []byte) error {
	_, err := c.transmitSecure(apdu.InsStoreData, slot, 0x00, data)
	return err
}
