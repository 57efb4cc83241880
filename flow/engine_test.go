package flow

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/status-keycard/keycard-go/apdu"
	"github.com/status-keycard/keycard-go/cryptoutil"
	"github.com/status-keycard/keycard-go/internal/corelog"
	"github.com/status-keycard/keycard-go/pairing"
	"github.com/status-keycard/keycard-go/signalbus"
	"github.com/status-keycard/keycard-go/transport"
)

// Local copies of the commandset package's unexported BER-TLV tags; see
// session/manager_test.go for the same pattern and its rationale.
const (
	tagApplicationInfoTemplate = 0xA4
	tagInstanceUID             = 0x8F
	tagECPublicKey             = 0x80
	tagAppVersion              = 0x02
	tagPairingSlots            = 0x03

	tagApplicationStatusTemplate = 0xA3
	tagPinPukRetries             = 0x02
	tagKeyInitialized            = 0x01

	tagKeyPairTemplate = 0xA1
	tagPublicKey       = 0x80
	tagPrivateKey      = 0x81
	tagChainCode       = 0x82
)

const testPairingPassword = "KeycardDefaultPairing"

type cardFixture struct {
	t *testing.T

	appKey      *cryptoutil.KeyPair
	instanceUID []byte
	initialized bool

	pairSC     *cryptoutil.SecureChannel
	pairSalt   []byte
	pairingKey []byte
	pairingIdx int

	sc *cryptoutil.SecureChannel

	pinRetries, pukRetries int
	keyInitialized         bool

	metadata []byte
}

func newCardFixture(t *testing.T) *cardFixture {
	key, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate card key: %v", err)
	}
	return &cardFixture{
		t:           t,
		appKey:      key,
		instanceUID: bytes.Repeat([]byte{0xCD}, 16),
		initialized: true,
		pinRetries:  3,
		pukRetries:  5,
	}
}

func ok(data []byte) []byte   { return append(append([]byte{}, data...), 0x90, 0x00) }
func swBytes(s uint16) []byte { return []byte{byte(s >> 8), byte(s)} }

func (f *cardFixture) handle(raw []byte) ([]byte, error) {
	ins := raw[1]
	p1 := raw[2]
	p2 := raw[3]
	var data []byte
	if len(raw) > 4 {
		lc := int(raw[4])
		data = raw[5 : 5+lc]
	}

	switch ins {
	case apdu.InsSelect:
		return f.handleSelect(), nil
	case apdu.InsInit:
		return f.handleInit(data), nil
	case apdu.InsPair:
		return f.handlePair(p1, data), nil
	case apdu.InsOpenSecureChannel:
		return f.handleOpenSecureChannel(p1, data), nil
	default:
		return f.handleSecure(ins, p1, p2, data), nil
	}
}

// unpad80 reverses cryptoutil's ISO 7816-4 padding (0x80 then zero
// bytes) for this fixture's local INIT-payload decryption.
func unpad80(in []byte) ([]byte, error) {
	for i := len(in) - 1; i >= 0; i-- {
		switch in[i] {
		case 0x00:
			continue
		case 0x80:
			return in[:i], nil
		default:
			return nil, fmt.Errorf("flow: bad ISO 7816-4 padding")
		}
	}
	return nil, fmt.Errorf("flow: empty padded buffer")
}

func (f *cardFixture) handleSelect() []byte {
	uid := f.instanceUID
	if !f.initialized {
		uid = nil
	}
	template := apdu.EmitTLV(tagInstanceUID, uid)
	template = append(template, apdu.EmitTLV(tagECPublicKey, cryptoutil.PublicKeyToUncompressed(f.appKey.Public))...)
	template = append(template, apdu.EmitTLV(tagAppVersion, []byte{3, 1})...)
	template = append(template, apdu.EmitTLV(tagPairingSlots, []byte{5})...)
	return ok(apdu.EmitTLV(tagApplicationInfoTemplate, template))
}

// handleInit decrypts an INIT payload the way cryptoutil.WrapInit
// encrypted it: AES-256-CBC under SHA-512(ECDH secret)[:32], ISO 7816-4
// padded, no MAC (INIT precedes PAIR). It recomputes the ECDH secret
// independently via the exported cryptoutil.ECDH, since ECDH is
// symmetric in which side calls itself "host".
func (f *cardFixture) handleInit(data []byte) []byte {
	hostPub := data[:65]
	iv := data[65:81]
	ciphertext := data[81:]

	parsedPub, err := cryptoutil.ParseUncompressedPublicKey(hostPub)
	if err != nil {
		f.t.Fatalf("INIT: parse host pubkey: %v", err)
	}
	secret := cryptoutil.ECDH(f.appKey.Private, parsedPub)
	keyFull := sha512.Sum512(secret)
	key := keyFull[:32]

	block, err := aes.NewCipher(key)
	if err != nil {
		f.t.Fatalf("INIT: aes.NewCipher: %v", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		f.t.Fatalf("INIT: ciphertext not block-aligned")
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	plain, err = unpad80(plain)
	if err != nil {
		f.t.Fatalf("INIT: unpad: %v", err)
	}
	if len(plain) != 6+12+len(testPairingPassword) {
		f.t.Fatalf("INIT: unexpected payload length %d", len(plain))
	}
	f.initialized = true
	f.keyInitialized = false
	return ok(nil)
}

func (f *cardFixture) handlePair(p1 byte, data []byte) []byte {
	switch p1 {
	case 0x00:
		hostPub := data[:65]
		challenge := data[65:]
		sc, err := cryptoutil.NewSecureChannelWithKeyPair(f.appKey, hostPub)
		if err != nil {
			f.t.Fatalf("card NewSecureChannelWithKeyPair: %v", err)
		}
		f.pairSC = sc
		salt, err := cryptoutil.RandomBytes(32)
		if err != nil {
			f.t.Fatalf("random salt: %v", err)
		}
		f.pairSalt = salt
		cryptogram := sc.PairingCryptogram(challenge)
		return ok(append(append([]byte{}, cryptogram...), salt...))
	case 0x01:
		expected := cryptoutil.PairingPasswordProof(testPairingPassword, f.pairSalt)
		if !bytes.Equal(expected, data) {
			return swBytes(apdu.SWSecurityNotSatisfied)
		}
		f.pairingKey = f.pairSC.DerivePairingKey(f.pairSalt)
		f.pairingIdx = 0
		return ok(append([]byte{byte(f.pairingIdx)}, f.pairSalt...))
	}
	return swBytes(apdu.SWIncorrectP1P2)
}

func (f *cardFixture) handleOpenSecureChannel(p1 byte, hostPub []byte) []byte {
	if int(p1) != f.pairingIdx {
		return swBytes(apdu.SWIncorrectP1P2)
	}
	sc, err := cryptoutil.NewSecureChannelWithKeyPair(f.appKey, hostPub)
	if err != nil {
		f.t.Fatalf("card NewSecureChannelWithKeyPair: %v", err)
	}
	iv, err := cryptoutil.RandomBytes(16)
	if err != nil {
		f.t.Fatalf("random iv: %v", err)
	}
	if err := sc.Open(f.pairingKey, iv); err != nil {
		f.t.Fatalf("card Open: %v", err)
	}
	f.sc = sc
	return ok(iv)
}

func (f *cardFixture) handleSecure(ins, p1, p2 byte, wrapped []byte) []byte {
	plain, err := f.sc.Unwrap(wrapped)
	if err != nil {
		f.t.Fatalf("card Unwrap(ins=%02X): %v", ins, err)
	}

	var respPlain []byte
	switch ins {
	case apdu.InsMutuallyAuthenticate:
		respPlain = plain
	case apdu.InsGetStatus:
		template := apdu.EmitTLV(tagPinPukRetries, []byte{byte(f.pinRetries), byte(f.pukRetries)})
		initialized := byte(0)
		if f.keyInitialized {
			initialized = 1
		}
		template = append(template, apdu.EmitTLV(tagKeyInitialized, []byte{initialized})...)
		respPlain = apdu.EmitTLV(tagApplicationStatusTemplate, template)
	case apdu.InsGetData:
		respPlain = f.metadata
	case apdu.InsStoreData:
		f.metadata = append([]byte(nil), plain...)
		respPlain = nil
	case apdu.InsVerifyPIN:
		if string(plain) != "123456" {
			f.pinRetries--
			wrapped, werr := f.sc.Wrap(nil)
			if werr != nil {
				f.t.Fatalf("wrap error response: %v", werr)
			}
			return append(wrapped, byte(0x63), byte(0xC0|f.pinRetries))
		}
		respPlain = nil
	case apdu.InsLoadKey:
		if len(plain) != 64 {
			f.t.Fatalf("LoadSeed: expected 64-byte seed, got %d", len(plain))
		}
		f.keyInitialized = true
		respPlain = bytes.Repeat([]byte{0xEE}, 32)
	case apdu.InsExportKey:
		key, err := cryptoutil.GenerateKeyPair()
		if err != nil {
			f.t.Fatalf("generate export key: %v", err)
		}
		template := apdu.EmitTLV(tagPublicKey, cryptoutil.PublicKeyToUncompressed(key.Public))
		template = append(template, apdu.EmitTLV(tagChainCode, bytes.Repeat([]byte{0x11}, 32))...)
		template = append(template, apdu.EmitTLV(tagPrivateKey, bytes.Repeat([]byte{0x22}, 32))...)
		respPlain = apdu.EmitTLV(tagKeyPairTemplate, template)
	case apdu.InsGenerateMnemonic:
		indexes := []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
		buf := make([]byte, len(indexes)*2)
		for i, idx := range indexes {
			binary.BigEndian.PutUint16(buf[i*2:], idx)
		}
		respPlain = buf
	case apdu.InsSign:
		respPlain = bytes.Repeat([]byte{0x33}, 65)
	case apdu.InsChangePIN:
		respPlain = nil
	default:
		respPlain = nil
	}

	wrappedResp, err := f.sc.Wrap(respPlain)
	if err != nil {
		f.t.Fatalf("card Wrap: %v", err)
	}
	return ok(wrappedResp)
}

// collector gathers every signal emitted on a Bus, guarding against the
// Flow Engine's worker goroutine emitting concurrently with test
// assertions.
type collector struct {
	mu      sync.Mutex
	signals []signalbus.Signal
}

func (c *collector) add(s signalbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, s)
}

func (c *collector) last() signalbus.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.signals) == 0 {
		return signalbus.Signal{}
	}
	return c.signals[len(c.signals)-1]
}

func (c *collector) find(typ string) (signalbus.Signal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.signals) - 1; i >= 0; i-- {
		if c.signals[i].Type == typ {
			return c.signals[i], true
		}
	}
	return signalbus.Signal{}, false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func newEngineWithFixture(t *testing.T) (*Engine, *cardFixture, *transport.Mock, *collector) {
	t.Helper()
	fixture := newCardFixture(t)
	mock := transport.NewMock()
	mock.SetHandler(fixture.handle)

	store := pairing.NewStore(filepath.Join(t.TempDir(), "pairings.yaml"))
	bus := signalbus.New()
	col := &collector{}
	bus.Subscribe(col.add)

	e := New(mock, store, bus, corelog.NoOp())
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return e, fixture, mock, col
}

func TestFlowStateValidTransitionMatrix(t *testing.T) {
	allowed := map[[2]FlowState]bool{
		{Idle, Running}:       true,
		{Running, Paused}:     true,
		{Running, Cancelling}: true,
		{Running, Idle}:       true,
		{Paused, Resuming}:    true,
		{Paused, Cancelling}:  true,
		{Paused, Running}:     true,
		{Resuming, Running}:   true,
		{Cancelling, Idle}:    true,
	}
	states := []FlowState{Idle, Running, Paused, Resuming, Cancelling}
	for _, from := range states {
		for _, to := range states {
			want := from == to || allowed[[2]FlowState{from, to}]
			if got := ValidTransition(from, to); got != want {
				t.Errorf("ValidTransition(%v, %v) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestEngineGetAppInfoHappyPath(t *testing.T) {
	e, _, mock, col := newEngineWithFixture(t)
	defer e.Close()

	mock.Insert("04aabbccddeeff")
	if err := e.StartFlow(GetAppInfo, map[string]any{"pin": "123456"}); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	waitFor(t, time.Second, func() bool { return e.State() == Idle })

	result, found := col.find(ActionFlowResult)
	if !found {
		t.Fatal("expected a flow-result signal")
	}
	if result.Payload["error"] != ErrOK {
		t.Fatalf("error tag = %v, want ok", result.Payload["error"])
	}
	if result.Payload["paired"] != true {
		t.Fatalf("expected paired=true in result, got %+v", result.Payload)
	}
}

func TestEngineLoginExportsIdentityKeys(t *testing.T) {
	e, _, mock, col := newEngineWithFixture(t)
	defer e.Close()
	mock.Insert("04aabbccddeeff")

	if err := e.StartFlow(Login, map[string]any{"pin": "123456"}); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	waitFor(t, time.Second, func() bool { return e.State() == Idle })

	result, found := col.find(ActionFlowResult)
	if !found || result.Payload["error"] != ErrOK {
		t.Fatalf("expected successful flow-result, got %+v (found=%v)", result.Payload, found)
	}
	if _, ok := result.Payload["whisper-key"]; !ok {
		t.Fatal("expected whisper-key in result")
	}
	if _, ok := result.Payload["encryption-key"]; !ok {
		t.Fatal("expected encryption-key in result")
	}
}

func TestEngineStartFlowRejectsWhileRunning(t *testing.T) {
	e, _, mock, _ := newEngineWithFixture(t)
	defer e.Close()
	mock.Insert("04aabbccddeeff")

	if err := e.StartFlow(Sign, map[string]any{"pin": "123456"}); err != nil {
		t.Fatalf("first StartFlow: %v", err)
	}
	if err := e.StartFlow(GetAppInfo, nil); err != ErrAlreadyRunning {
		t.Fatalf("second StartFlow: got %v, want ErrAlreadyRunning", err)
	}
	e.CancelFlow()
}

func TestEngineSignPausesForMissingParamsThenResumes(t *testing.T) {
	e, _, mock, col := newEngineWithFixture(t)
	defer e.Close()
	mock.Insert("04aabbccddeeff")

	if err := e.StartFlow(Sign, map[string]any{"pin": "123456"}); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	waitFor(t, time.Second, func() bool { return e.State() == Paused })

	if _, found := col.find(ActionEnterPath); !found {
		t.Fatal("expected an enter-path pause")
	}

	err := e.ResumeFlow(map[string]any{
		"tx-hash":    "1122334455667788990011223344556677889900112233445566778899001122",
		"bip44-path": []any{44, 60, 0, 0, 0},
	})
	if err != nil {
		t.Fatalf("ResumeFlow: %v", err)
	}
	waitFor(t, time.Second, func() bool { return e.State() == Idle })

	result, found := col.find(ActionFlowResult)
	if !found || result.Payload["error"] != ErrOK {
		t.Fatalf("expected successful flow-result, got %+v (found=%v)", result.Payload, found)
	}
	if _, ok := result.Payload["tx-signature"]; !ok {
		t.Fatal("expected tx-signature in result")
	}
}

func TestEngineCancelWhileWaitingForCard(t *testing.T) {
	e, _, _, col := newEngineWithFixture(t)
	defer e.Close()

	if err := e.StartFlow(GetAppInfo, nil); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	waitFor(t, time.Second, func() bool { return e.State() == Paused })

	if err := e.CancelFlow(); err != nil {
		t.Fatalf("CancelFlow: %v", err)
	}
	if got := e.State(); got != Idle {
		t.Fatalf("state after cancel = %v, want Idle", got)
	}
	result, found := col.find(ActionFlowResult)
	if !found || result.Payload["error"] != ErrCancelled {
		t.Fatalf("expected cancelled flow-result, got %+v (found=%v)", result.Payload, found)
	}
}

func TestEngineResumeFlowRequiresPaused(t *testing.T) {
	e, _, _, _ := newEngineWithFixture(t)
	defer e.Close()

	if err := e.ResumeFlow(nil); err != ErrNotPaused {
		t.Fatalf("ResumeFlow on idle engine: got %v, want ErrNotPaused", err)
	}
}

func TestEngineCancelFlowRequiresRunning(t *testing.T) {
	e, _, _, _ := newEngineWithFixture(t)
	defer e.Close()

	if err := e.CancelFlow(); err != ErrNotRunning {
		t.Fatalf("CancelFlow on idle engine: got %v, want ErrNotRunning", err)
	}
}

func TestEngineLoadAccountPreInitThenGeneratesMnemonic(t *testing.T) {
	fixture := newCardFixture(t)
	fixture.initialized = false
	mock := transport.NewMock()
	mock.SetHandler(fixture.handle)

	store := pairing.NewStore(filepath.Join(t.TempDir(), "pairings.yaml"))
	bus := signalbus.New()
	col := &collector{}
	bus.Subscribe(col.add)

	e := New(mock, store, bus, corelog.NoOp())
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer e.Close()

	mock.Insert("04aabbccddeeff")
	if err := e.StartFlow(LoadAccount, map[string]any{"pin": "123456"}); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	waitFor(t, time.Second, func() bool { return e.State() == Paused })
	if _, found := col.find(ActionEnterNewPIN); !found {
		t.Fatal("expected an enter-new-pin pause for the pre-initialized card")
	}

	if err := e.ResumeFlow(map[string]any{
		"new-pin": "123456", "new-puk": "123456789012", "new-pairing-pass": testPairingPassword,
	}); err != nil {
		t.Fatalf("ResumeFlow(init): %v", err)
	}

	waitFor(t, time.Second, func() bool { return e.State() == Paused })
	if _, found := col.find(ActionEnterMnemonic); !found {
		t.Fatal("expected an enter-mnemonic pause once no mnemonic was supplied")
	}

	if err := e.ResumeFlow(map[string]any{
		"mnemonic": "test test test test test test test test test test test junk",
	}); err != nil {
		t.Fatalf("ResumeFlow(mnemonic): %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return e.State() == Idle })

	result, found := col.find(ActionFlowResult)
	if !found || result.Payload["error"] != ErrOK {
		t.Fatalf("expected successful flow-result, got %+v (found=%v)", result.Payload, found)
	}
	if _, ok := result.Payload["key-uid"]; !ok {
		t.Fatal("expected key-uid in result")
	}
}

func TestEngineChangePINPausesForNewValue(t *testing.T) {
	e, _, mock, col := newEngineWithFixture(t)
	defer e.Close()
	mock.Insert("04aabbccddeeff")

	if err := e.StartFlow(ChangePIN, map[string]any{"pin": "123456"}); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	waitFor(t, time.Second, func() bool { return e.State() == Paused })
	if _, found := col.find(ActionEnterNewPIN); !found {
		t.Fatal("expected an enter-new-pin pause")
	}

	if err := e.ResumeFlow(map[string]any{"new-pin": "654321"}); err != nil {
		t.Fatalf("ResumeFlow: %v", err)
	}
	waitFor(t, time.Second, func() bool { return e.State() == Idle })

	result, found := col.find(ActionFlowResult)
	if !found || result.Payload["error"] != ErrOK {
		t.Fatalf("expected successful flow-result, got %+v (found=%v)", result.Payload, found)
	}
}
