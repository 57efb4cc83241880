package cryptoutil

import (
	"bytes"
	"testing"
)

func TestAddressFromPublicKeyLength(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	addr, err := AddressFromPublicKey(PublicKeyToUncompressed(kp.Public))
	if err != nil {
		t.Fatalf("AddressFromPublicKey: %v", err)
	}
	if len(addr) != 20 {
		t.Fatalf("expected 20-byte address, got %d", len(addr))
	}
}

func TestAddressFromPublicKeyRejectsBadLength(t *testing.T) {
	if _, err := AddressFromPublicKey([]byte{0x04, 0x01}); err == nil {
		t.Fatal("expected error for short public key")
	}
}

func TestPublicKeyFromPrivateMatchesKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	priv := kp.Private.Serialize()
	derived, err := PublicKeyFromPrivate(priv)
	if err != nil {
		t.Fatalf("PublicKeyFromPrivate: %v", err)
	}
	if !bytes.Equal(derived, PublicKeyToUncompressed(kp.Public)) {
		t.Fatal("derived public key does not match the key pair's own public key")
	}
}

func TestKeccak256KnownVector(t *testing.T) {
	// Keccak-256("") is a well-known constant, independent of any wallet
	// derivation and a good sanity check that sha3.NewLegacyKeccak256 is
	// wired (not the NIST SHA3-256 variant, which differs on empty input).
	got := Keccak256(nil)
	want := "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"[:64]
	if hexEncode(got) != want {
		t.Fatalf("Keccak256(\"\") = %s, want %s", hexEncode(got), want)
	}
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xF]
	}
	return string(out)
}
