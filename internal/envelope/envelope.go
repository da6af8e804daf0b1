// Package envelope seals payloads for a set of recipients and opens them for
// either the sender or one of the recipients.
//
// The payload body is encrypted once under a fresh master key; the master key
// is then boxed separately for every recipient (the sender included) with
// NaCl box using the sender's private key. The transaction hash covers the
// payload ciphertext only, so boxes can be appended later without changing
// the identifier.
package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"

	"txrelay/internal/crypto"
)

const HashSize = 64

// TxHash identifies a stored envelope: SHA3-512 over CipherText.
type TxHash [HashSize]byte

var (
	ErrKey             = errors.New("envelope: malformed key")
	ErrEmptyRecipients = errors.New("envelope: empty recipient set")

	// ErrUnauthorized is the common parent of every failure to open an
	// envelope. Callers must not distinguish its children on the wire.
	ErrUnauthorized      = errors.New("not authorized")
	ErrRecipientNotFound = fmt.Errorf("%w: no recipient box for key", ErrUnauthorized)
	ErrDecryption        = fmt.Errorf("%w: decryption failed", ErrUnauthorized)

	ErrBadHash = errors.New("envelope: malformed transaction hash")
)

type RecipientBox struct {
	RecipientKey    crypto.PublicKey
	SealedMasterKey []byte
}

type EncodedPayload struct {
	SenderKey       crypto.PublicKey
	CipherText      []byte
	CipherTextNonce [24]byte
	RecipientBoxes  []RecipientBox
	RecipientNonce  [24]byte
}

func (h TxHash) String() string {
	return base64.StdEncoding.EncodeToString(h[:])
}

func (h TxHash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

func ParseTxHash(s string) (TxHash, error) {
	var h TxHash
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadHash, err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("%w: need %d bytes, got %d", ErrBadHash, HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Seal encrypts payload for recipients. The sender is always added as an
// implicit recipient; duplicate recipient keys are collapsed, keeping the
// first occurrence.
func Seal(payload []byte, sender crypto.KeyPair, recipients []crypto.PublicKey) (*EncodedPayload, error) {
	if err := sender.Validate(); err != nil {
		return nil, fmt.Errorf("%w: sender: %v", ErrKey, err)
	}
	if len(recipients) == 0 {
		return nil, ErrEmptyRecipients
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload is %d bytes, limit %d", ErrTooLarge, len(payload), MaxPayload)
	}
	master, err := crypto.NewMasterKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(master)
	ctNonce, err := crypto.RandomNonce()
	if err != nil {
		return nil, err
	}
	rNonce, err := crypto.RandomNonce()
	if err != nil {
		return nil, err
	}
	return sealWith(payload, sender, recipients, master, ctNonce, rNonce)
}

func sealWith(payload []byte, sender crypto.KeyPair, recipients []crypto.PublicKey, master []byte, ctNonce, rNonce [24]byte) (*EncodedPayload, error) {
	ct, err := crypto.XSealWithNonce(master, ctNonce[:], payload, nil)
	if err != nil {
		return nil, err
	}
	keys := make([]crypto.PublicKey, 0, len(recipients)+1)
	seen := make(map[crypto.PublicKey]bool, len(recipients)+1)
	for _, r := range recipients {
		if r.IsZero() {
			return nil, fmt.Errorf("%w: zero recipient key", ErrKey)
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		keys = append(keys, r)
	}
	if !seen[sender.Public] {
		keys = append(keys, sender.Public)
	}
	if len(keys) > MaxRecipientBoxes {
		return nil, fmt.Errorf("%w: %d recipients", ErrTooLarge, len(keys))
	}
	env := &EncodedPayload{
		SenderKey:       sender.Public,
		CipherText:      ct,
		CipherTextNonce: ctNonce,
		RecipientNonce:  rNonce,
		RecipientBoxes:  make([]RecipientBox, 0, len(keys)),
	}
	for _, k := range keys {
		env.RecipientBoxes = append(env.RecipientBoxes, RecipientBox{
			RecipientKey:    k,
			SealedMasterKey: crypto.BoxSeal(master, &rNonce, k, sender.Private),
		})
	}
	return env, nil
}

// Hash is deterministic over CipherText alone.
func Hash(env *EncodedPayload) TxHash {
	return TxHash(crypto.SHA3_512(env.CipherText))
}

// Open recovers the payload. A sender opens any box with its own private key
// and the box's recipient key; a recipient opens its own box with its private
// key and the envelope's sender key.
func Open(env *EncodedPayload, requester crypto.KeyPair, asSender bool) ([]byte, error) {
	if env == nil || len(env.RecipientBoxes) == 0 {
		return nil, ErrRecipientNotFound
	}
	var (
		rb   RecipientBox
		peer crypto.PublicKey
	)
	if asSender {
		if requester.Public != env.SenderKey {
			return nil, ErrRecipientNotFound
		}
		rb = env.RecipientBoxes[0]
		peer = rb.RecipientKey
	} else {
		found := false
		for _, b := range env.RecipientBoxes {
			if b.RecipientKey == requester.Public {
				rb = b
				found = true
				break
			}
		}
		if !found {
			return nil, ErrRecipientNotFound
		}
		peer = env.SenderKey
	}
	nonce := env.RecipientNonce
	master, err := crypto.BoxOpen(rb.SealedMasterKey, &nonce, peer, requester.Private)
	if err != nil {
		return nil, ErrDecryption
	}
	defer crypto.Zero(master)
	pt, err := crypto.XOpen(master, env.CipherTextNonce[:], env.CipherText, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return pt, nil
}

// Recipients lists the keys that hold a box, in box order.
func (e *EncodedPayload) Recipients() []crypto.PublicKey {
	out := make([]crypto.PublicKey, 0, len(e.RecipientBoxes))
	for _, b := range e.RecipientBoxes {
		out = append(out, b.RecipientKey)
	}
	return out
}

func (e *EncodedPayload) HasRecipient(k crypto.PublicKey) bool {
	for _, b := range e.RecipientBoxes {
		if b.RecipientKey == k {
			return true
		}
	}
	return false
}

func (e *EncodedPayload) Clone() *EncodedPayload {
	if e == nil {
		return nil
	}
	out := *e
	out.CipherText = append([]byte(nil), e.CipherText...)
	out.RecipientBoxes = make([]RecipientBox, len(e.RecipientBoxes))
	for i, b := range e.RecipientBoxes {
		out.RecipientBoxes[i] = RecipientBox{
			RecipientKey:    b.RecipientKey,
			SealedMasterKey: append([]byte(nil), b.SealedMasterKey...),
		}
	}
	return &out
}
