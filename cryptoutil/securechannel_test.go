package cryptoutil

import (
	"bytes"
	"testing"
)

// cardSide is a minimal stand-in for the card's half of the ECDH +
// pairing + secure channel handshake, used only to exercise the host's
// SecureChannel implementation end to end.
type cardSide struct {
	keys   *KeyPair
	secret []byte
}

func newCardSide(hostPublicKey []byte) (*cardSide, error) {
	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	hostPub, err := ParseUncompressedPublicKey(hostPublicKey)
	if err != nil {
		return nil, err
	}
	secret := ECDH(keys.Private, hostPub)
	return &cardSide{keys: keys, secret: secret}, nil
}

func TestSecureChannelPairingAndWrapRoundTrip(t *testing.T) {
	cardForKeyExchange, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	cardPublicKey := PublicKeyToUncompressed(cardForKeyExchange.Public)

	host, err := NewSecureChannel(cardPublicKey)
	if err != nil {
		t.Fatalf("NewSecureChannel: %v", err)
	}

	// The card recomputes the same ECDH secret from the host's ephemeral
	// public key and its own static private key.
	hostPub, err := ParseUncompressedPublicKey(host.PublicKey())
	if err != nil {
		t.Fatalf("ParseUncompressedPublicKey: %v", err)
	}
	cardSecret := ECDH(cardForKeyExchange.Private, hostPub)
	if !bytes.Equal(cardSecret, host.secret) {
		t.Fatal("ECDH is not symmetric: host and card secrets differ")
	}

	challenge, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	cardCryptogram := func(secret, challenge []byte) []byte {
		sc := &SecureChannel{secret: secret}
		return sc.PairingCryptogram(challenge)
	}(cardSecret, challenge)
	if !host.VerifyPairingCryptogram(challenge, cardCryptogram) {
		t.Fatal("pairing cryptogram verification failed")
	}

	salt, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	hostPairingKey := host.DerivePairingKey(salt)
	cardPairingKey := func(secret, salt []byte) []byte {
		sc := &SecureChannel{secret: secret}
		return sc.DerivePairingKey(salt)
	}(cardSecret, salt)
	if !bytes.Equal(hostPairingKey, cardPairingKey) {
		t.Fatal("host and card derived different pairing keys")
	}

	responseIV, err := RandomBytes(16)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	if err := host.Open(hostPairingKey, responseIV); err != nil {
		t.Fatalf("Open: %v", err)
	}

	cardChannel := &SecureChannel{secret: cardSecret}
	if err := cardChannel.Open(cardPairingKey, responseIV); err != nil {
		t.Fatalf("card Open: %v", err)
	}

	plaintext := []byte{0x80, 0x20, 0x00, 0x00}
	wrapped, err := host.Wrap(plaintext)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	unwrapped, err := cardChannel.Unwrap(wrapped)
	if err != nil {
		t.Fatalf("card Unwrap: %v", err)
	}
	if !bytes.Equal(unwrapped, plaintext) {
		t.Fatalf("round trip mismatch: got % X, want % X", unwrapped, plaintext)
	}

	// A second message must chain off the new IV on both sides.
	plaintext2 := []byte{0x01, 0x02, 0x03}
	wrapped2, err := cardChannel.Wrap(plaintext2)
	if err != nil {
		t.Fatalf("card Wrap: %v", err)
	}
	unwrapped2, err := host.Unwrap(wrapped2)
	if err != nil {
		t.Fatalf("host Unwrap: %v", err)
	}
	if !bytes.Equal(unwrapped2, plaintext2) {
		t.Fatalf("second round trip mismatch: got % X, want % X", unwrapped2, plaintext2)
	}
}

func TestSecureChannelRejectsTamperedMAC(t *testing.T) {
	secret := bytes.Repeat([]byte{0x01}, 32)
	a := &SecureChannel{secret: secret}
	b := &SecureChannel{secret: secret}
	pairingKey := bytes.Repeat([]byte{0x02}, 32)
	iv := bytes.Repeat([]byte{0x03}, 16)
	if err := a.Open(pairingKey, iv); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Open(pairingKey, iv); err != nil {
		t.Fatalf("Open: %v", err)
	}

	wrapped, err := a.Wrap([]byte("hello"))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	wrapped[0] ^= 0xFF
	if _, err := b.Unwrap(wrapped); err == nil {
		t.Fatal("expected MAC verification to fail for tampered message")
	}
}

func TestSecureChannelRequiresOpen(t *testing.T) {
	sc := &SecureChannel{secret: bytes.Repeat([]byte{0x01}, 32)}
	if _, err := sc.Wrap([]byte("x")); err == nil {
		t.Fatal("expected error when wrapping before Open")
	}
}
