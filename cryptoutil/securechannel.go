package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
)

// SecureChannel holds the AES-256 secure-channel crypto state the Command
// Set owns while a channel is open: ECDH/pairing material before OPEN,
// and derived session keys plus the MAC chaining IV afterwards. This is
// the concrete, testable stand-in for the "AES-256 secure channel keyed
// by ECDH + a pairing secret" primitive spec.md declares an external
// collaborator; its AES-CBC/CMAC construction is adapted from the
// teacher's GlobalPlatform SCP03 session (card/globalplatform_scp03.go),
// generalized from 16-byte SCP03 keys to 32-byte AES-256 keys.
type SecureChannel struct {
	host *KeyPair

	// raw ECDH shared secret against the card's public key, fixed for
	// the life of this SecureChannel (one per pairing attempt / open).
	secret []byte

	// session state, valid only after Open succeeds.
	encKey []byte
	macKey []byte
	iv     []byte
	opened bool
}

// NewSecureChannel generates a fresh ephemeral host key pair and derives
// the ECDH secret against the card's SELECT-reported public key.
func NewSecureChannel(cardPublicKey []byte) (*SecureChannel, error) {
	host, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return NewSecureChannelWithKeyPair(host, cardPublicKey)
}

// NewSecureChannelWithKeyPair is NewSecureChannel with a caller-supplied
// local key pair instead of a fresh ephemeral one. The production
// Command Set never needs this (its side of every exchange is always
// ephemeral), but card-side test fixtures use it to play the applet's
// static SELECT key against a real host's ephemeral key, since ECDH is
// symmetric in which side calls it "host".
func NewSecureChannelWithKeyPair(local *KeyPair, remotePublicKey []byte) (*SecureChannel, error) {
	remotePub, err := ParseUncompressedPublicKey(remotePublicKey)
	if err != nil {
		return nil, err
	}
	secret := ECDH(local.Private, remotePub)
	return &SecureChannel{host: local, secret: secret}, nil
}

// PublicKey returns the host's ephemeral public key, sent to the card in
// PAIR and OPEN_SECURE_CHANNEL.
func (s *SecureChannel) PublicKey() []byte {
	return PublicKeyToUncompressed(s.host.Public)
}

// PairingCryptogram computes SHA-256(secret || challenge), the value the
// card's PAIR(P1=0) step compares against its own computation to prove
// both sides hold the same ECDH secret.
func (s *SecureChannel) PairingCryptogram(challenge []byte) []byte {
	h := sha256.New()
	h.Write(s.secret)
	h.Write(challenge)
	return h.Sum(nil)
}

// VerifyPairingCryptogram checks a card-returned cryptogram against the
// expected value for a given challenge.
func (s *SecureChannel) VerifyPairingCryptogram(challenge, cardCryptogram []byte) bool {
	return bytes.Equal(s.PairingCryptogram(challenge), cardCryptogram)
}

// DerivePairingKey computes the 32-byte pairing master key from the
// card-supplied salt: SHA-256(secret || salt). This becomes PairingInfo.Key.
func (s *SecureChannel) DerivePairingKey(salt []byte) []byte {
	h := sha256.New()
	h.Write(s.secret)
	h.Write(salt)
	return h.Sum(nil)
}

// PairingPasswordProof computes the second PAIR step's proof value:
// SHA-256(SHA-256(password) || salt), which the card compares to its own
// stored pairing-password hash.
func PairingPasswordProof(password string, salt []byte) []byte {
	pw := sha256.Sum256([]byte(password))
	h := sha256.New()
	h.Write(pw[:])
	h.Write(salt)
	return h.Sum(nil)
}

// Open derives the AES-256 session keys from the ECDH secret and the
// pairing key, and seeds the MAC chaining IV from the card's
// OPEN_SECURE_CHANNEL response. Once Open succeeds, Wrap/Unwrap protect
// every subsequent APDU.
func (s *SecureChannel) Open(pairingKey, responseIV []byte) error {
	if len(pairingKey) != 32 {
		return fmt.Errorf("cryptoutil: pairing key must be 32 bytes, got %d", len(pairingKey))
	}
	if len(responseIV) != 16 {
		return fmt.Errorf("cryptoutil: secure channel IV must be 16 bytes, got %d", len(responseIV))
	}
	sessionMaterial := sha512.Sum512(append(append([]byte{}, s.secret...), pairingKey...))
	s.encKey = append([]byte{}, sessionMaterial[:32]...)
	s.macKey = append([]byte{}, sessionMaterial[32:]...)
	s.iv = append([]byte{}, responseIV...)
	s.opened = true
	return nil
}

// WrapInit encrypts the INIT command payload (PIN||PUK||pairing password)
// before any pairing exists: AES-256-CBC under SHA-512(secret)[:32], IV
// chosen by the caller (typically fresh random bytes sent alongside the
// ciphertext), ISO 7816-4 padded. There is no MAC at this step since INIT
// precedes PAIR; the card's own possession of the matching ECDH secret is
// the only authentication available this early.
func (s *SecureChannel) WrapInit(iv, data []byte) ([]byte, error) {
	if len(iv) != 16 {
		return nil, fmt.Errorf("cryptoutil: init IV must be 16 bytes, got %d", len(iv))
	}
	key := sha512.Sum512(s.secret)
	return aesCBCEncrypt(key[:32], iv, pad80(data, aes.BlockSize))
}

// Reset forgets the derived session keys without discarding the ECDH
// secret, mirroring CommandSet.ResetSecureChannel.
func (s *SecureChannel) Reset() {
	s.encKey, s.macKey, s.iv = nil, nil, nil
	s.opened = false
}

// Opened reports whether session keys have been derived via Open.
func (s *SecureChannel) Opened() bool {
	return s.opened
}

// Wrap encrypts plaintext for transmission: AES-256-CBC under the
// chaining IV, ISO 7816-4 padded, MACed with AES-CMAC over IV||ciphertext
// keyed by the MAC key. It advances the chaining IV to the computed MAC,
// so the very next Unwrap/Wrap call picks up where this one left off.
func (s *SecureChannel) Wrap(plaintext []byte) (wrapped []byte, err error) {
	if !s.opened {
		return nil, fmt.Errorf("cryptoutil: secure channel not open")
	}
	padded := pad80(plaintext, aes.BlockSize)
	ciphertext, err := aesCBCEncrypt(s.encKey, s.iv, padded)
	if err != nil {
		return nil, err
	}
	mac, err := aesCMAC(s.macKey, append(append([]byte{}, s.iv...), ciphertext...))
	if err != nil {
		return nil, err
	}
	s.iv = mac
	return append(append([]byte{}, mac...), ciphertext...), nil
}

// Unwrap reverses Wrap for a card response of the same mac||ciphertext
// shape, verifying the MAC before decrypting and advancing the chain.
func (s *SecureChannel) Unwrap(wrapped []byte) (plaintext []byte, err error) {
	if !s.opened {
		return nil, fmt.Errorf("cryptoutil: secure channel not open")
	}
	if len(wrapped) < aes.BlockSize {
		return nil, fmt.Errorf("cryptoutil: wrapped response too short")
	}
	mac := wrapped[:aes.BlockSize]
	ciphertext := wrapped[aes.BlockSize:]

	expected, err := aesCMAC(s.macKey, append(append([]byte{}, s.iv...), ciphertext...))
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(mac, expected) {
		return nil, fmt.Errorf("cryptoutil: secure channel MAC mismatch")
	}

	padded, err := aesCBCDecrypt(s.encKey, s.iv, ciphertext)
	if err != nil {
		return nil, err
	}
	s.iv = mac
	return unpad80(padded)
}

func aesCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cryptoutil: data not block aligned (%d bytes)", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cryptoutil: data not block aligned (%d bytes)", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func pad80(in []byte, blockSize int) []byte {
	out := make([]byte, len(in), len(in)+blockSize)
	copy(out, in)
	out = append(out, 0x80)
	for len(out)%blockSize != 0 {
		out = append(out, 0x00)
	}
	return out
}

func unpad80(in []byte) ([]byte, error) {
	for i := len(in) - 1; i >= 0; i-- {
		switch in[i] {
		case 0x80:
			return in[:i], nil
		case 0x00:
			continue
		default:
			return nil, fmt.Errorf("cryptoutil: invalid ISO 7816-4 padding")
		}
	}
	return nil, fmt.Errorf("cryptoutil: missing ISO 7816-4 padding")
}

// aesCMAC computes AES-CMAC (NIST SP 800-38B) for a key of any AES
// length (16/24/32 bytes), adapted from the teacher's SCP03 AES-CMAC
// (card/globalplatform_scp03.go) which only supported AES-128.
func aesCMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	zero := make([]byte, aes.BlockSize)
	l := make([]byte, aes.BlockSize)
	block.Encrypt(l, zero)

	const rb = 0x87
	k1 := leftShiftOneBit(l)
	if l[0]&0x80 != 0 {
		k1[aes.BlockSize-1] ^= rb
	}
	k2 := leftShiftOneBit(k1)
	if k1[0]&0x80 != 0 {
		k2[aes.BlockSize-1] ^= rb
	}

	var n int
	if len(msg) == 0 {
		n = 1
	} else {
		n = (len(msg) + aes.BlockSize - 1) / aes.BlockSize
	}
	complete := len(msg) != 0 && len(msg)%aes.BlockSize == 0

	var last []byte
	if complete {
		start := (n - 1) * aes.BlockSize
		last = xorBytes(msg[start:start+aes.BlockSize], k1)
	} else {
		padded := pad80(msg, aes.BlockSize)
		start := (n - 1) * aes.BlockSize
		last = xorBytes(padded[start:start+aes.BlockSize], k2)
	}

	buf := make([]byte, n*aes.BlockSize)
	if len(msg) >= aes.BlockSize {
		copy(buf, msg[:(n-1)*aes.BlockSize])
	}
	copy(buf[(n-1)*aes.BlockSize:], last)

	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
	return buf[len(buf)-aes.BlockSize:], nil
}

func leftShiftOneBit(in []byte) []byte {
	out := make([]byte, len(in))
	var carry byte
	for i := len(in) - 1; i >= 0; i-- {
		out[i] = (in[i] << 1) | carry
		carry = (in[i] >> 7) & 0x01
	}
	return out
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
