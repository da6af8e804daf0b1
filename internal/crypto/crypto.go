// internal/crypto/crypto.go
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// txrelay crypto suite v1
//
// - payload body: XChaCha20-Poly1305 under a single-use master key
// - master key per recipient: NaCl box (X25519 + XSalsa20-Poly1305)
// - content hash: SHA3-512 over the payload ciphertext
// -----------------------------------------------------------------------------

const (
	// XChaCha20-Poly1305 sizes
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24
	XOverhead  = chacha20poly1305.Overhead   // 16

	// NaCl box sizes
	BoxNonceSize = 24
	BoxOverhead  = box.Overhead // 16

	MasterKeySize = XKeySize
)

var ErrAuthFailed = errors.New("authenticated decryption failed")

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_512(msg []byte) [64]byte {
	return sha3.Sum512(msg)
}

// -----------------------------------------------------------------------------
// Randomness
// -----------------------------------------------------------------------------

var randReader io.Reader = rand.Reader

func RandomBytes(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(randReader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func RandomNonce() ([24]byte, error) {
	var n [24]byte
	if _, err := io.ReadFull(randReader, n[:]); err != nil {
		return n, err
	}
	return n, nil
}

func NewMasterKey() ([]byte, error) {
	return RandomBytes(MasterKeySize)
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

func XSealWithNonce(key32, nonce24, plaintext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce24, plaintext, aad), nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce24, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

// -----------------------------------------------------------------------------
// NaCl box (sender-private / recipient-public)
// -----------------------------------------------------------------------------

// BoxSeal seals msg so that only the holder of peer's private key (or of
// priv, with peer's public key) can open it.
func BoxSeal(msg []byte, nonce *[24]byte, peer PublicKey, priv PrivateKey) []byte {
	pub := [32]byte(peer)
	sk := [32]byte(priv)
	return box.Seal(nil, msg, nonce, &pub, &sk)
}

func BoxOpen(sealed []byte, nonce *[24]byte, peer PublicKey, priv PrivateKey) ([]byte, error) {
	pub := [32]byte(peer)
	sk := [32]byte(priv)
	out, ok := box.Open(nil, sealed, nonce, &pub, &sk)
	if !ok {
		return nil, ErrAuthFailed
	}
	return out, nil
}

// Zero wipes b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
