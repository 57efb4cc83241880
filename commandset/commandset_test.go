package commandset

import (
	"bytes"
	"testing"

	"github.com/status-keycard/keycard-go/apdu"
	"github.com/status-keycard/keycard-go/cryptoutil"
	"github.com/status-keycard/keycard-go/keycard"
	"github.com/status-keycard/keycard-go/transport"
)

const testPairingPassword = "test-pairing-password"

// cardFixture simulates the applet side of every command CommandSet
// issues. It plays its own static key (returned by SELECT) against the
// host's ephemeral keys using the same cryptoutil primitives the real
// host uses, so the tests below exercise a full ECDH + AES-CMAC round
// trip rather than canned bytes.
type cardFixture struct {
	t *testing.T

	appKey      *cryptoutil.KeyPair
	instanceUID []byte

	pairSC     *cryptoutil.SecureChannel
	pairSalt   []byte
	pairingKey []byte
	pairingIdx int

	sc *cryptoutil.SecureChannel

	pinRetries, pukRetries int
	keyInitialized         bool
	derivationPath         []uint32
}

func newCardFixture(t *testing.T) *cardFixture {
	key, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate card key: %v", err)
	}
	return &cardFixture{
		t:           t,
		appKey:      key,
		instanceUID: bytes.Repeat([]byte{0xAB}, 16),
		pinRetries:  3,
		pukRetries:  5,
	}
}

func ok(data []byte) []byte  { return append(append([]byte{}, data...), 0x90, 0x00) }
func swBytes(s uint16) []byte { return []byte{byte(s >> 8), byte(s)} }

// handle decodes one raw C-APDU (CLA INS P1 P2 Lc Data) and returns the
// raw R-APDU (Data SW1 SW2), the shape transport.Channel.Transmit uses.
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
	case apdu.InsPair:
		return f.handlePair(p1, data), nil
	case apdu.InsOpenSecureChannel:
		return f.handleOpenSecureChannel(p1, data), nil
	default:
		return f.handleSecure(ins, p1, p2, data), nil
	}
}

func (f *cardFixture) handleSelect() []byte {
	template := apdu.EmitTLV(tagInstanceUID, f.instanceUID)
	template = append(template, apdu.EmitTLV(tagECPublicKey, cryptoutil.PublicKeyToUncompressed(f.appKey.Public))...)
	template = append(template, apdu.EmitTLV(tagAppVersion, []byte{3, 1})...)
	template = append(template, apdu.EmitTLV(tagPairingSlots, []byte{5})...)
	return ok(apdu.EmitTLV(tagApplicationInfoTemplate, template))
}

// handlePair implements both PAIR steps against the host's real
// cryptoutil.SecureChannel messages: step 0 carries the host's ephemeral
// public key plus its 32-byte challenge; step 1 carries the pairing
// password proof.
func (f *cardFixture) handlePair(p1 byte, data []byte) []byte {
	switch p1 {
	case 0x00:
		if len(data) != 97 {
			f.t.Fatalf("PAIR step 0: unexpected data length %d", len(data))
		}
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
		respPlain = plain // echo the challenge back
	case apdu.InsGetStatus:
		template := apdu.EmitTLV(tagPinPukRetries, []byte{byte(f.pinRetries), byte(f.pukRetries)})
		initialized := byte(0)
		if f.keyInitialized {
			initialized = 1
		}
		template = append(template, apdu.EmitTLV(tagKeyInitialized, []byte{initialized})...)
		if len(f.derivationPath) > 0 {
			template = append(template, apdu.EmitTLV(tagDerivationPath, encodePath(f.derivationPath))...)
		}
		respPlain = apdu.EmitTLV(tagApplicationStatusTemplate, template)
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
	default:
		respPlain = nil
	}

	wrappedResp, err := f.sc.Wrap(respPlain)
	if err != nil {
		f.t.Fatalf("card Wrap: %v", err)
	}
	return ok(wrappedResp)
}

// fullyPaired drives SELECT → PAIR → OPEN_SECURE_CHANNEL → GET_STATUS
// against a fresh Mock+cardFixture pair, returning the CommandSet ready
// for further calls plus the fixture for assertions.
func fullyPaired(t *testing.T) (*CommandSet, *cardFixture, *transport.Mock) {
	t.Helper()
	fixture := newCardFixture(t)
	mock := transport.NewMock()
	mock.SetHandler(fixture.handle)

	cs := New(mock)
	info, err := cs.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !info.Initialized {
		t.Fatalf("expected initialized application info")
	}

	pairing, err := cs.Pair(info.SecureChannelPublicKey, testPairingPassword)
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if !pairing.Valid() {
		t.Fatalf("pairing info invalid: %+v", pairing)
	}

	if err := cs.OpenSecureChannel(info.SecureChannelPublicKey, pairing); err != nil {
		t.Fatalf("OpenSecureChannel: %v", err)
	}
	if _, err := cs.GetStatus(); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	return cs, fixture, mock
}

func TestCommandSetConnectSequence(t *testing.T) {
	cs, _, mock := fullyPaired(t)
	if cs.sc == nil || !cs.sc.Opened() {
		t.Fatal("expected secure channel to be open")
	}

	sent := mock.Sent()
	wantIns := []byte{apdu.InsSelect, apdu.InsPair, apdu.InsPair, apdu.InsOpenSecureChannel, apdu.InsMutuallyAuthenticate, apdu.InsGetStatus}
	if len(sent) != len(wantIns) {
		t.Fatalf("expected %d APDUs, got %d", len(wantIns), len(sent))
	}
	for i, want := range wantIns {
		if sent[i][1] != want {
			t.Fatalf("APDU %d: INS = %02X, want %02X", i, sent[i][1], want)
		}
	}
}

func TestCommandSetVerifyPINWrongDecrementsRetries(t *testing.T) {
	cs, fixture, _ := fullyPaired(t)

	err := cs.VerifyPIN("000000")
	if err == nil {
		t.Fatal("expected error for wrong PIN")
	}
	wp, ok := err.(keycard.WrongPIN)
	if !ok {
		t.Fatalf("expected keycard.WrongPIN, got %T: %v", err, err)
	}
	if wp.Remaining != 2 {
		t.Fatalf("expected 2 remaining attempts, got %d", wp.Remaining)
	}
	if fixture.pinRetries != 2 {
		t.Fatalf("fixture retry counter = %d, want 2", fixture.pinRetries)
	}

	if err := cs.VerifyPIN("123456"); err != nil {
		t.Fatalf("VerifyPIN with correct PIN: %v", err)
	}
}

func TestCommandSetGetStatusParsesTemplate(t *testing.T) {
	fixture := newCardFixture(t)
	fixture.keyInitialized = true
	fixture.derivationPath = []uint32{keycard.HardenedIndex(44), keycard.HardenedIndex(60)}
	mock := transport.NewMock()
	mock.SetHandler(fixture.handle)

	cs := New(mock)
	info, err := cs.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	pairing, err := cs.Pair(info.SecureChannelPublicKey, testPairingPassword)
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if err := cs.OpenSecureChannel(info.SecureChannelPublicKey, pairing); err != nil {
		t.Fatalf("OpenSecureChannel: %v", err)
	}

	status, err := cs.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !status.KeyInitialized {
		t.Fatal("expected KeyInitialized = true")
	}
	if len(status.DerivationPath) != 2 {
		t.Fatalf("expected 2-element derivation path, got %v", status.DerivationPath)
	}

	cached := cs.CachedApplicationStatus()
	if cached.PINRetryCount != status.PINRetryCount {
		t.Fatalf("cached status not updated: %+v vs %+v", cached, status)
	}
}

func TestCommandSetPairWrongPasswordSurfacesTypedError(t *testing.T) {
	fixture := newCardFixture(t)
	mock := transport.NewMock()
	mock.SetHandler(fixture.handle)
	cs := New(mock)

	info, err := cs.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	_, err = cs.Pair(info.SecureChannelPublicKey, "wrong-password")
	if _, ok := err.(keycard.WrongPairingPassword); !ok {
		t.Fatalf("expected keycard.WrongPairingPassword, got %T: %v", err, err)
	}
}
