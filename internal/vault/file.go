package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileVault keeps one 0600 file per secret in a directory.
type FileVault struct {
	dir string
}

func NewFileVault(dir string) (*FileVault, error) {
	if dir == "" {
		return nil, errors.New("vault: file vault needs a directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FileVault{dir: dir}, nil
}

func (v *FileVault) secretPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("vault: bad secret name %q", name)
	}
	return filepath.Join(v.dir, name), nil
}

func (v *FileVault) SetSecret(ctx context.Context, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := v.secretPath(name)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (v *FileVault) GetSecret(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := v.secretPath(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
