package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"txrelay/internal/crypto"
)

const (
	codecVersion = 1

	MaxCipherText     = 16 << 20
	MaxPayload        = MaxCipherText - crypto.XOverhead
	MaxRecipientBoxes = 4096
	sealedKeySize     = crypto.MasterKeySize + crypto.BoxOverhead

	headerSize = 1 + crypto.KeySize + 24 + 24
)

var (
	ErrMalformed = errors.New("envelope: malformed encoding")
	ErrConflict  = errors.New("envelope: merge of different transactions")
	// ErrTooLarge marks envelopes that Decode would refuse.
	ErrTooLarge = errors.New("envelope: exceeds encoding limits")
)

// Encode renders env as
//
//	version(1) | sender(32) | ctNonce(24) | rNonce(24) |
//	len(ct) u32 | ct | count u32 | { recipient(32) | len u32 | sealed }*
func Encode(env *EncodedPayload) []byte {
	size := headerSize + 4 + len(env.CipherText) + 4
	for _, b := range env.RecipientBoxes {
		size += crypto.KeySize + 4 + len(b.SealedMasterKey)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, codecVersion)
	buf = append(buf, env.SenderKey[:]...)
	buf = append(buf, env.CipherTextNonce[:]...)
	buf = append(buf, env.RecipientNonce[:]...)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(env.CipherText)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, env.CipherText...)
	binary.BigEndian.PutUint32(tmp[:], uint32(len(env.RecipientBoxes)))
	buf = append(buf, tmp[:]...)
	for _, b := range env.RecipientBoxes {
		buf = append(buf, b.RecipientKey[:]...)
		binary.BigEndian.PutUint32(tmp[:], uint32(len(b.SealedMasterKey)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, b.SealedMasterKey...)
	}
	return buf
}

func Decode(data []byte) (*EncodedPayload, error) {
	if len(data) < headerSize+8 {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if data[0] != codecVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrMalformed, data[0])
	}
	env := &EncodedPayload{}
	off := 1
	copy(env.SenderKey[:], data[off:off+crypto.KeySize])
	off += crypto.KeySize
	copy(env.CipherTextNonce[:], data[off:off+24])
	off += 24
	copy(env.RecipientNonce[:], data[off:off+24])
	off += 24

	ctLen, off, err := readLen(data, off)
	if err != nil {
		return nil, err
	}
	if ctLen > MaxCipherText || off+ctLen > len(data) {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrMalformed, ctLen)
	}
	env.CipherText = append([]byte(nil), data[off:off+ctLen]...)
	off += ctLen

	count, off, err := readLen(data, off)
	if err != nil {
		return nil, err
	}
	if count == 0 || count > MaxRecipientBoxes {
		return nil, fmt.Errorf("%w: recipient count %d", ErrMalformed, count)
	}
	env.RecipientBoxes = make([]RecipientBox, 0, count)
	seen := make(map[crypto.PublicKey]bool, count)
	for i := 0; i < count; i++ {
		if off+crypto.KeySize > len(data) {
			return nil, fmt.Errorf("%w: truncated recipient %d", ErrMalformed, i)
		}
		var rb RecipientBox
		copy(rb.RecipientKey[:], data[off:off+crypto.KeySize])
		off += crypto.KeySize
		var n int
		n, off, err = readLen(data, off)
		if err != nil {
			return nil, err
		}
		if n != sealedKeySize || off+n > len(data) {
			return nil, fmt.Errorf("%w: sealed key length %d", ErrMalformed, n)
		}
		rb.SealedMasterKey = append([]byte(nil), data[off:off+n]...)
		off += n
		if seen[rb.RecipientKey] {
			return nil, fmt.Errorf("%w: duplicate recipient", ErrMalformed)
		}
		seen[rb.RecipientKey] = true
		env.RecipientBoxes = append(env.RecipientBoxes, rb)
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-off)
	}
	return env, nil
}

func readLen(data []byte, off int) (int, int, error) {
	if off+4 > len(data) {
		return 0, off, fmt.Errorf("%w: truncated length", ErrMalformed)
	}
	return int(binary.BigEndian.Uint32(data[off : off+4])), off + 4, nil
}

// Merge appends to existing the boxes of incoming whose recipient is not yet
// covered. Existing boxes are never reordered, replaced or removed. Both
// envelopes must describe the same transaction.
func Merge(existing, incoming *EncodedPayload) (*EncodedPayload, int, error) {
	if existing.SenderKey != incoming.SenderKey ||
		existing.CipherTextNonce != incoming.CipherTextNonce ||
		existing.RecipientNonce != incoming.RecipientNonce ||
		!bytes.Equal(existing.CipherText, incoming.CipherText) {
		return nil, 0, ErrConflict
	}
	out := existing.Clone()
	added := 0
	for _, b := range incoming.RecipientBoxes {
		if out.HasRecipient(b.RecipientKey) {
			continue
		}
		out.RecipientBoxes = append(out.RecipientBoxes, RecipientBox{
			RecipientKey:    b.RecipientKey,
			SealedMasterKey: append([]byte(nil), b.SealedMasterKey...),
		})
		added++
	}
	if len(out.RecipientBoxes) > MaxRecipientBoxes {
		return nil, 0, fmt.Errorf("%w: %d recipient boxes", ErrTooLarge, len(out.RecipientBoxes))
	}
	return out, added, nil
}
