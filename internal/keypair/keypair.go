// Package keypair manages the single SSH key pair shared by every instance
// of a stack. The private half stays on the operator's machine; only the
// authorized_keys line is sent to the backend.
package keypair

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// DefaultName is the key pair name used when none is configured.
const DefaultName = "test-instance"

// KeyPair is a loaded or generated key.
type KeyPair struct {
	Name string
	// PublicKey is the authorized_keys line.
	PublicKey []byte
	// PrivateKeyPath is where the OpenSSH private key lives.
	PrivateKeyPath string
	Fingerprint    string
}

// FileName returns the private key file name for a key pair name, as used
// in the SSH hint outputs.
func FileName(name string) string {
	return name + ".pem"
}

// Generate creates a new ed25519 key pair in memory.
func Generate(name string) (KeyPair, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, nil, fmt.Errorf("generate key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return KeyPair{}, nil, fmt.Errorf("encode public key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, name)
	if err != nil {
		return KeyPair{}, nil, fmt.Errorf("encode private key: %w", err)
	}
	return KeyPair{
		Name:        name,
		PublicKey:   ssh.MarshalAuthorizedKey(sshPub),
		Fingerprint: ssh.FingerprintSHA256(sshPub),
	}, pem.EncodeToMemory(block), nil
}

// LoadOrGenerate reads <dir>/<name>.pem, or creates it with mode 0600 when
// it does not exist. Reusing the file keeps the key stable across runs.
func LoadOrGenerate(dir, name string) (KeyPair, error) {
	if name == "" {
		name = DefaultName
	}
	path := filepath.Join(dir, FileName(name))

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		kp, err := parse(name, data)
		if err != nil {
			return KeyPair{}, fmt.Errorf("load %s: %w", path, err)
		}
		kp.PrivateKeyPath = path
		return kp, nil
	case !errors.Is(err, fs.ErrNotExist):
		return KeyPair{}, fmt.Errorf("read %s: %w", path, err)
	}

	kp, private, err := Generate(name)
	if err != nil {
		return KeyPair{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return KeyPair{}, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, private, 0o600); err != nil {
		return KeyPair{}, fmt.Errorf("write %s: %w", path, err)
	}
	kp.PrivateKeyPath = path
	return kp, nil
}

func parse(name string, data []byte) (KeyPair, error) {
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return KeyPair{}, err
	}
	pub := signer.PublicKey()
	return KeyPair{
		Name:        name,
		PublicKey:   ssh.MarshalAuthorizedKey(pub),
		Fingerprint: ssh.FingerprintSHA256(pub),
	}, nil
}

// AuthorizedKey returns the public key without the trailing newline.
func (k KeyPair) AuthorizedKey() string {
	return strings.TrimSpace(string(k.PublicKey))
}
