// Package vault encrypts agent credentials at rest.
//
// A single symmetric key is generated on first use and written to disk with
// owner-only permissions. All later runs load that key; it never changes for
// the lifetime of a process.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrKeyMalformed is returned when the key file exists but cannot be used.
	ErrKeyMalformed = errors.New("vault key malformed")
	// ErrCredentialCorrupt is returned when a ciphertext cannot be opened with the vault key.
	ErrCredentialCorrupt = errors.New("credential corrupt")
)

var encoding = base64.RawURLEncoding

// Vault seals and opens credential strings with XChaCha20-Poly1305.
type Vault struct {
	aead cipher.AEAD
}

// Open loads the key at keyPath, generating and persisting a new one if the
// file does not exist yet.
func Open(keyPath string) (*Vault, error) {
	key, err := loadKey(keyPath)
	if errors.Is(err, os.ErrNotExist) {
		key, err = generateKey(keyPath)
	}
	if err != nil {
		return nil, err
	}
	return New(key)
}

// New builds a Vault from raw key material.
func New(key []byte) (*Vault, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMalformed, err)
	}
	return &Vault{aead: aead}, nil
}

func loadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("read vault key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyMalformed, path, err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: %s: want %d bytes, got %d", ErrKeyMalformed, path, chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// generateKey writes a fresh key. O_EXCL keeps two processes racing on first
// boot from clobbering each other's key.
func generateKey(path string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("mkdir vault key dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return loadKey(path)
		}
		return nil, fmt.Errorf("create vault key: %w", err)
	}
	err = writeKey(f, key)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close vault key: %w", cerr)
	}
	if err != nil {
		// no partial key file may outlive a failed write
		if rerr := os.Remove(path); rerr != nil {
			log.Error().Err(rerr).Str("path", path).Msg("Failed to remove incomplete vault key")
		}
		return nil, err
	}
	log.Info().Str("path", path).Msg("Generated new vault key")
	return key, nil
}

var writeKey = func(f *os.File, key []byte) error {
	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(key) + "\n"); err != nil {
		return fmt.Errorf("write vault key: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync vault key: %w", err)
	}
	return nil
}

// Encrypt seals plaintext under a random nonce and returns a printable token.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
func (v *Vault) Decrypt(token string) (string, error) {
	raw, err := encoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialCorrupt, err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns+v.aead.Overhead() {
		return "", fmt.Errorf("%w: token too short", ErrCredentialCorrupt)
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialCorrupt, err)
	}
	return string(plain), nil
}
