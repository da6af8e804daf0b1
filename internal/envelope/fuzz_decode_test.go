package envelope

import (
	"bytes"
	"testing"

	"txrelay/internal/crypto"
	"txrelay/internal/testutil"
)

func FuzzDecode(f *testing.F) {
	sender, err := crypto.GenerateKeyPair()
	if err != nil {
		f.Fatalf("gen: %v", err)
	}
	r, _ := crypto.GenerateKeyPair()
	env, err := Seal([]byte("seed"), sender, []crypto.PublicKey{r.Public})
	if err != nil {
		f.Fatalf("seal: %v", err)
	}
	f.Add(Encode(env))
	f.Add([]byte{codecVersion})
	f.Fuzz(func(t *testing.T, data []byte) {
		testutil.Decode(t, data, func(data []byte) {
			got, err := Decode(data)
			if err != nil {
				return
			}
			// anything accepted must re-encode to the same bytes
			if !bytes.Equal(Encode(got), data) {
				t.Fatalf("decode/encode mismatch")
			}
			if _, _, err := Merge(got, got.Clone()); err != nil {
				t.Fatalf("self merge: %v", err)
			}
		})
	})
}
