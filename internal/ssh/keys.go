package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	xssh "golang.org/x/crypto/ssh"
)

// DefaultKeyName is the private key file used under the key directory.
const DefaultKeyName = "id_ed25519"

// GenerateEd25519Keypair writes an unencrypted OpenSSH private key to
// privateKeyPath and the public half to privateKeyPath.pub. It returns the
// public key in authorized_keys format.
func GenerateEd25519Keypair(privateKeyPath string) (string, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	block, err := xssh.MarshalPrivateKey(priv, "nodewarden")
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		return "", fmt.Errorf("signer: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0o700); err != nil {
		return "", fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	pub := xssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := os.WriteFile(privateKeyPath+".pub", pub, 0o644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	return string(pub), nil
}

// LoadPrivateKeySigner reads an unencrypted OpenSSH/PEM private key.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// EnsureSigner loads the key in keyDir, generating one on first use.
func EnsureSigner(keyDir string) (xssh.Signer, error) {
	p := filepath.Join(keyDir, DefaultKeyName)
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		if _, err := GenerateEd25519Keypair(p); err != nil {
			return nil, err
		}
	}
	return LoadPrivateKeySigner(p)
}
