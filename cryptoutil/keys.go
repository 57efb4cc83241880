// Package cryptoutil provides the crypto primitives the Command Set and
// the key-export/address code need: secp256k1 key handling and ECDH for
// the secure channel, AES-based channel encryption/MAC, BIP39 seed
// derivation, and the Keccak-256 Ethereum address.
//
// Grounded on the teacher's GlobalPlatform SCP03 code
// (card/globalplatform_scp03.go: AES, CMAC, KDF-by-counter) and on
// ethereum-go-ethereum's crypto package for the secp256k1/Keccak stack.
package cryptoutil

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// KeyPair is a secp256k1 key pair, as used for both the host's ephemeral
// secure-channel key and exported card keys.
type KeyPair struct {
	Private *btcec.PrivateKey
	Public  *btcec.PublicKey
}

// GenerateKeyPair creates a fresh random secp256k1 key pair, used for the
// host's side of the ECDH used to open the secure channel.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: generate key: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PubKey()}, nil
}

// ParseUncompressedPublicKey parses the 65-byte 0x04||X||Y encoding the
// card returns in ApplicationInfo.SecureChannelPublicKey and in exported
// KeyPair.PublicKey.
func ParseUncompressedPublicKey(b []byte) (*btcec.PublicKey, error) {
	if len(b) != 65 || b[0] != 0x04 {
		return nil, fmt.Errorf("cryptoutil: not an uncompressed EC point (%d bytes)", len(b))
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: parse public key: %w", err)
	}
	return pub, nil
}

// PublicKeyToUncompressed renders a public key as the 65-byte 0x04||X||Y
// form used on the wire.
func PublicKeyToUncompressed(pub *btcec.PublicKey) []byte {
	return pub.SerializeUncompressed()
}

// PublicKeyFromPrivate derives the 65-byte uncompressed public key for a
// 32-byte secp256k1 private key, the "secp256k1 public-from-private"
// crypto helper listed in spec.md's component table.
func PublicKeyFromPrivate(priv []byte) ([]byte, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("cryptoutil: private key must be 32 bytes, got %d", len(priv))
	}
	pk := secp256k1.PrivKeyFromBytes(priv)
	defer pk.Zero()
	return pk.PubKey().SerializeUncompressed(), nil
}

// ECDH computes the shared secret for a local private key and a remote
// public key as the raw 32-byte X coordinate of the shared point (no
// hashing), the secret the secure-channel key derivation in
// securechannel.go builds on.
func ECDH(priv *btcec.PrivateKey, pub *btcec.PublicKey) []byte {
	var pubJacobian secp256k1.JacobianPoint
	pub.AsJacobian(&pubJacobian)

	var scalar secp256k1.ModNScalar
	scalar.Set(&priv.Key)

	var shared secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&scalar, &pubJacobian, &shared)
	shared.ToAffine()

	xBytes := shared.X.Bytes()
	return xBytes[:]
}

// RandomBytes returns n cryptographically random bytes, used for host
// challenges, IVs, and pairing randomness throughout the secure channel.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("cryptoutil: random bytes: %w", err)
	}
	return b, nil
}
