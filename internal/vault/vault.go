// Package vault stores generated node keys in a secret store instead of on
// local disk.
package vault

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"txrelay/internal/crypto"
)

var (
	ErrInvalidVaultIdentifier = errors.New("generated key ID for key vault can contain only 0-9, a-z, A-Z and - characters")
	ErrSecretNotFound         = errors.New("vault: secret not found")
)

const (
	PublicSuffix  = "Pub"
	PrivateSuffix = "Key"

	TypeFile  = "file"
	TypeAzure = "azure"
	TypeAWS   = "aws"
)

var identifierPattern = regexp.MustCompile(`^[0-9a-zA-Z-]*$`)

type KeyVaultService interface {
	SetSecret(ctx context.Context, name, value string) error
}

// SecretReader is implemented by vaults that can hand keys back to a node.
type SecretReader interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type Vault interface {
	KeyVaultService
	SecretReader
}

// GeneratedKeys names where a generated keypair was stored.
type GeneratedKeys struct {
	PublicID  string
	PrivateID string
	Public    crypto.PublicKey
}

type KeyGenerator interface {
	Generate(ctx context.Context, identifier string, opts *crypto.ArgonOptions) (*GeneratedKeys, error)
}

// Identifier returns the final path segment of raw and checks that it only
// uses characters every supported vault accepts.
func Identifier(raw string) (string, error) {
	id := raw
	if i := strings.LastIndexAny(id, `/\`); i >= 0 {
		id = id[i+1:]
	}
	if !identifierPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVaultIdentifier, id)
	}
	return id, nil
}

type VaultKeyGenerator struct {
	vault   KeyVaultService
	newKeys func() (crypto.KeyPair, error)
}

func NewVaultKeyGenerator(v KeyVaultService) *VaultKeyGenerator {
	return &VaultKeyGenerator{vault: v, newKeys: crypto.GenerateKeyPair}
}

// Generate creates a keypair and stores it as <id>Pub and <id>Key, both
// base64. Argon options are ignored: the vault protects the key, so it is
// stored unlocked.
func (g *VaultKeyGenerator) Generate(ctx context.Context, identifier string, _ *crypto.ArgonOptions) (*GeneratedKeys, error) {
	id, err := Identifier(identifier)
	if err != nil {
		return nil, err
	}
	kp, err := g.newKeys()
	if err != nil {
		return nil, err
	}
	out := &GeneratedKeys{
		PublicID:  id + PublicSuffix,
		PrivateID: id + PrivateSuffix,
		Public:    kp.Public,
	}
	if err := g.vault.SetSecret(ctx, out.PublicID, kp.Public.String()); err != nil {
		return nil, fmt.Errorf("vault: store %s: %w", out.PublicID, err)
	}
	if err := g.vault.SetSecret(ctx, out.PrivateID, kp.Private.Base64()); err != nil {
		return nil, fmt.Errorf("vault: store %s: %w", out.PrivateID, err)
	}
	return out, nil
}

// LoadKeyPair reads a keypair written by VaultKeyGenerator.
func LoadKeyPair(ctx context.Context, r SecretReader, identifier string) (crypto.KeyPair, error) {
	id, err := Identifier(identifier)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	pubStr, err := r.GetSecret(ctx, id+PublicSuffix)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	privStr, err := r.GetSecret(ctx, id+PrivateSuffix)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	pub, err := crypto.ParsePublicKey(strings.TrimSpace(pubStr))
	if err != nil {
		return crypto.KeyPair{}, err
	}
	priv, err := crypto.ParsePrivateKey(strings.TrimSpace(privStr))
	if err != nil {
		return crypto.KeyPair{}, err
	}
	kp := crypto.KeyPair{Public: pub, Private: priv}
	if err := kp.Validate(); err != nil {
		return crypto.KeyPair{}, err
	}
	return kp, nil
}

// FileKeyGenerator writes <path>.pub and <path>.key. The private key is
// locked with argon2 and secretbox when both opts and Password are set.
type FileKeyGenerator struct {
	Password string
	newKeys  func() (crypto.KeyPair, error)
}

func (g *FileKeyGenerator) Generate(ctx context.Context, path string, opts *crypto.ArgonOptions) (*GeneratedKeys, error) {
	if path == "" {
		return nil, errors.New("keygen: empty path")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gen := g.newKeys
	if gen == nil {
		gen = crypto.GenerateKeyPair
	}
	kp, err := gen()
	if err != nil {
		return nil, err
	}
	password := ""
	if opts != nil {
		password = g.Password
	}
	if err := crypto.SaveKeyPair(path, kp, password, opts); err != nil {
		return nil, err
	}
	return &GeneratedKeys{PublicID: path + ".pub", PrivateID: path + ".key", Public: kp.Public}, nil
}

type Options struct {
	Type string
	// file
	Dir string
	// azure
	URL string
	// aws
	Region   string
	Endpoint string
}

// Open returns the vault selected by opts.Type.
func Open(ctx context.Context, opts Options) (Vault, error) {
	switch strings.ToLower(opts.Type) {
	case TypeFile:
		return NewFileVault(opts.Dir)
	case TypeAzure:
		return NewAzureVault(opts.URL)
	case TypeAWS:
		return NewAWSVault(ctx, opts.Region, opts.Endpoint)
	default:
		return nil, fmt.Errorf("vault: unknown type %q", opts.Type)
	}
}
