package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// -----------------------------------------------------------------------------
// Private key files
//
// {"type":"unlocked","data":{"bytes":"<b64>"}}
// {"type":"argon2sbox","data":{"aopts":{...},"snonce":"..","asalt":"..","sbox":".."}}
// -----------------------------------------------------------------------------

const (
	KeyTypeUnlocked   = "unlocked"
	KeyTypeArgon2SBox = "argon2sbox"

	argonSaltSize = 16
)

var (
	ErrPasswordRequired = errors.New("private key is locked; password required")
	ErrWrongPassword    = errors.New("private key unlock failed")
)

type ArgonOptions struct {
	Variant     string `json:"variant" toml:"variant"`
	Memory      uint32 `json:"memory" toml:"memory"`
	Iterations  uint32 `json:"iterations" toml:"iterations"`
	Parallelism uint8  `json:"parallelism" toml:"parallelism"`
}

func DefaultArgonOptions() ArgonOptions {
	return ArgonOptions{Variant: "id", Memory: 64 * 1024, Iterations: 3, Parallelism: 4}
}

func (o ArgonOptions) withDefaults() ArgonOptions {
	def := DefaultArgonOptions()
	if o.Variant == "" {
		o.Variant = def.Variant
	}
	if o.Memory == 0 {
		o.Memory = def.Memory
	}
	if o.Iterations == 0 {
		o.Iterations = def.Iterations
	}
	if o.Parallelism == 0 {
		o.Parallelism = def.Parallelism
	}
	return o
}

func (o ArgonOptions) derive(password, salt []byte) ([]byte, error) {
	switch o.Variant {
	case "id":
		return argon2.IDKey(password, salt, o.Iterations, o.Memory, o.Parallelism, 32), nil
	case "i":
		return argon2.Key(password, salt, o.Iterations, o.Memory, o.Parallelism, 32), nil
	default:
		return nil, fmt.Errorf("unsupported argon2 variant %q", o.Variant)
	}
}

type keyData struct {
	Bytes       string        `json:"bytes,omitempty"`
	ArgonOpts   *ArgonOptions `json:"aopts,omitempty"`
	SecretNonce string        `json:"snonce,omitempty"`
	ArgonSalt   string        `json:"asalt,omitempty"`
	SecretBox   string        `json:"sbox,omitempty"`
}

type keyFile struct {
	Type string  `json:"type"`
	Data keyData `json:"data"`
}

// EncodePrivateKey renders priv as a key file. An empty password leaves the
// key unlocked.
func EncodePrivateKey(priv PrivateKey, password string, opts *ArgonOptions) ([]byte, error) {
	if password == "" {
		return json.MarshalIndent(keyFile{Type: KeyTypeUnlocked, Data: keyData{Bytes: priv.Base64()}}, "", "  ")
	}
	o := DefaultArgonOptions()
	if opts != nil {
		o = opts.withDefaults()
	}
	salt, err := RandomBytes(argonSaltSize)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomNonce()
	if err != nil {
		return nil, err
	}
	k, err := o.derive([]byte(password), salt)
	if err != nil {
		return nil, err
	}
	defer Zero(k)
	var key [32]byte
	copy(key[:], k)
	sealed := secretbox.Seal(nil, priv[:], &nonce, &key)
	Zero(key[:])
	return json.MarshalIndent(keyFile{
		Type: KeyTypeArgon2SBox,
		Data: keyData{
			ArgonOpts:   &o,
			SecretNonce: base64.StdEncoding.EncodeToString(nonce[:]),
			ArgonSalt:   base64.StdEncoding.EncodeToString(salt),
			SecretBox:   base64.StdEncoding.EncodeToString(sealed),
		},
	}, "", "  ")
}

func DecodePrivateKey(data []byte, password string) (PrivateKey, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return PrivateKey{}, fmt.Errorf("bad key file: %w", err)
	}
	switch kf.Type {
	case KeyTypeUnlocked:
		return ParsePrivateKey(kf.Data.Bytes)
	case KeyTypeArgon2SBox:
		if password == "" {
			return PrivateKey{}, ErrPasswordRequired
		}
		if kf.Data.ArgonOpts == nil {
			return PrivateKey{}, errors.New("bad key file: missing aopts")
		}
		salt, err := base64.StdEncoding.DecodeString(kf.Data.ArgonSalt)
		if err != nil {
			return PrivateKey{}, fmt.Errorf("bad key file: asalt: %w", err)
		}
		rawNonce, err := base64.StdEncoding.DecodeString(kf.Data.SecretNonce)
		if err != nil || len(rawNonce) != 24 {
			return PrivateKey{}, errors.New("bad key file: snonce")
		}
		sealed, err := base64.StdEncoding.DecodeString(kf.Data.SecretBox)
		if err != nil {
			return PrivateKey{}, fmt.Errorf("bad key file: sbox: %w", err)
		}
		k, err := kf.Data.ArgonOpts.withDefaults().derive([]byte(password), salt)
		if err != nil {
			return PrivateKey{}, err
		}
		var key [32]byte
		copy(key[:], k)
		Zero(k)
		var nonce [24]byte
		copy(nonce[:], rawNonce)
		plain, ok := secretbox.Open(nil, sealed, &nonce, &key)
		Zero(key[:])
		if !ok {
			return PrivateKey{}, ErrWrongPassword
		}
		defer Zero(plain)
		if len(plain) != KeySize {
			return PrivateKey{}, fmt.Errorf("%w: unlocked key has %d bytes", ErrBadKey, len(plain))
		}
		var priv PrivateKey
		copy(priv[:], plain)
		return priv, nil
	default:
		return PrivateKey{}, fmt.Errorf("bad key file: unknown type %q", kf.Type)
	}
}

// SaveKeyPair writes <base>.pub (base64) and <base>.key (key file).
func SaveKeyPair(base string, kp KeyPair, password string, opts *ArgonOptions) error {
	if kp.Public.IsZero() || kp.Private.IsZero() {
		return errors.New("empty key")
	}
	keyJSON, err := EncodePrivateKey(kp.Private, password, opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(base+".pub", []byte(kp.Public.String()), 0600); err != nil {
		return err
	}
	return os.WriteFile(base+".key", keyJSON, 0600)
}

func LoadKeyPair(pubPath, keyPath, password string) (KeyPair, error) {
	pubRaw, err := os.ReadFile(pubPath)
	if err != nil {
		return KeyPair{}, err
	}
	keyRaw, err := os.ReadFile(keyPath)
	if err != nil {
		return KeyPair{}, err
	}
	pub, err := ParsePublicKey(strings.TrimSpace(string(pubRaw)))
	if err != nil {
		return KeyPair{}, fmt.Errorf("bad %s: %w", pubPath, err)
	}
	priv, err := DecodePrivateKey(keyRaw, password)
	if err != nil {
		return KeyPair{}, fmt.Errorf("bad %s: %w", keyPath, err)
	}
	kp := KeyPair{Public: pub, Private: priv}
	if err := kp.Validate(); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}
