// Package credcrypto encrypts Host and Router credentials at rest, spec.md
// §6's `encryption.key_file` config key (auto-generated on first run if
// `auto_generate` is true).
package credcrypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrEmptyKeyFile is returned by LoadOrGenerateKey when the file is empty
// and autoGenerate is false.
var ErrEmptyKeyFile = errors.New("credcrypto: key file is empty and auto-generation is disabled")

// Box encrypts and decrypts credential blobs with ChaCha20-Poly1305 AEAD.
type Box struct {
	aead [chacha20poly1305.KeySize]byte
}

// NewBox builds a Box from a 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credcrypto: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	var b Box
	copy(b.aead[:], key)
	return &b, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(b.aead[:])
	if err != nil {
		return nil, fmt.Errorf("credcrypto: creating aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("credcrypto: generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce||ciphertext blob produced by Seal.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(b.aead[:])
	if err != nil {
		return nil, fmt.Errorf("credcrypto: creating aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("credcrypto: sealed blob too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credcrypto: decrypting: %w", err)
	}
	return plaintext, nil
}

// LoadOrGenerateKey reads a hex-encoded key from path. If the file doesn't
// exist and autoGenerate is true, a fresh key is generated and written
// (mode 0600); otherwise a missing or empty file is an error.
func LoadOrGenerateKey(path string, autoGenerate bool) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		key, decodeErr := hex.DecodeString(string(b))
		if decodeErr != nil {
			return nil, fmt.Errorf("credcrypto: decoding key file %s: %w", path, decodeErr)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("credcrypto: reading key file %s: %w", path, err)
	}
	if !autoGenerate {
		return nil, ErrEmptyKeyFile
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("credcrypto: generating key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("credcrypto: creating key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("credcrypto: writing key file %s: %w", path, err)
	}
	return key, nil
}
