package cryptoutil

import (
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
	"golang.org/x/text/unicode/norm"
)

// BIP39Seed computes the 64-byte BIP39 seed from a mnemonic and optional
// passphrase: PBKDF2-HMAC-SHA512(password=NFKD(mnemonic), salt="mnemonic"
// || NFKD(passphrase), 2048 iterations, 64-byte output), per spec.md
// §4.3 "Mnemonic load" and the reference vector in §8 property 8.
//
// Grounded on the teacher's go.mod, which already requires
// golang.org/x/text for normalization; golang.org/x/crypto/pbkdf2 is
// pulled in the way ethereum-go-ethereum uses the same module for its
// own key-derivation helpers.
func BIP39Seed(mnemonic, passphrase string) []byte {
	normalizedMnemonic := norm.NFKD.String(mnemonic)
	normalizedPassphrase := norm.NFKD.String(passphrase)
	salt := "mnemonic" + normalizedPassphrase
	return pbkdf2.Key([]byte(normalizedMnemonic), []byte(salt), 2048, 64, sha512.New)
}

// Keccak256 hashes data with Keccak-256 (not SHA3-256 — no NIST padding
// byte), the function Ethereum uses for addresses and is why it needs
// golang.org/x/crypto/sha3's Keccak primitive rather than the stdlib
// sha3 FIPS variant.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// AddressFromPublicKey derives the 20-byte Ethereum-style address from a
// 65-byte uncompressed public key: the low 20 bytes of Keccak-256 of the
// 64-byte public key body (X||Y, the 0x04 prefix stripped).
func AddressFromPublicKey(uncompressedPub []byte) ([]byte, error) {
	if len(uncompressedPub) != 65 || uncompressedPub[0] != 0x04 {
		return nil, fmt.Errorf("cryptoutil: expected 65-byte uncompressed public key, got %d bytes", len(uncompressedPub))
	}
	digest := Keccak256(uncompressedPub[1:])
	return digest[len(digest)-20:], nil
}
