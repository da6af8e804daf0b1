package crypto

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const KeySize = 32

type PublicKey [KeySize]byte

type PrivateKey [KeySize]byte

type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

var ErrBadKey = errors.New("malformed key")

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(randReader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: PublicKey(*pub), Private: PrivateKey(*priv)}, nil
}

func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

func (k PublicKey) IsZero() bool {
	var zero PublicKey
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

func (k PrivateKey) String() string {
	return "PrivateKey{REDACTED}"
}

func (k PrivateKey) GoString() string {
	return "crypto.PrivateKey{REDACTED}"
}

func (k PrivateKey) Base64() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

func (k PrivateKey) IsZero() bool {
	var zero PrivateKey
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrBadKey, KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return PublicKeyFromBytes(raw)
}

func ParsePrivateKey(s string) (PrivateKey, error) {
	var k PrivateKey
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrBadKey, KeySize, len(raw))
	}
	copy(k[:], raw)
	Zero(raw)
	return k, nil
}

// Validate checks that the pair is non-zero and that Public is derived
// from Private.
func (kp KeyPair) Validate() error {
	if kp.Public.IsZero() || kp.Private.IsZero() {
		return fmt.Errorf("%w: empty key material", ErrBadKey)
	}
	derived, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if subtle.ConstantTimeCompare(derived, kp.Public[:]) != 1 {
		return fmt.Errorf("%w: public key does not match private key", ErrBadKey)
	}
	return nil
}
