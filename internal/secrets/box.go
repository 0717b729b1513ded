// Package secrets seals small values (site credentials, relay tokens) at
// rest with ChaCha20-Poly1305. Sealed blobs are hex strings safe to keep
// in config files and the sqlite store.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPrefix marks config values that carry a sealed blob instead of a
// plaintext secret.
const sealedPrefix = "enc:"

// ErrBadKey is returned when the key material has the wrong length.
var ErrBadKey = errors.New("key must be 32 bytes")

// Box seals and opens values under a single symmetric key.
type Box struct {
	aead cipher.AEAD
}

// New builds a Box from a hex-encoded 32-byte key.
func New(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return NewFromKey(key)
}

func NewFromKey(key []byte) (*Box, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrBadKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// GenerateKey returns a fresh random key, hex-encoded.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// Seal encrypts plaintext and returns nonce||ciphertext hex-encoded.
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// IsSealed reports whether a config value carries a sealed blob.
func IsSealed(v string) bool {
	return strings.HasPrefix(strings.TrimSpace(v), sealedPrefix)
}

// SealString produces a config-ready sealed value ("enc:" + hex blob).
func (b *Box) SealString(plain string) (string, error) {
	sealed, err := b.Seal(plain)
	if err != nil {
		return "", err
	}
	return sealedPrefix + sealed, nil
}

// OpenString resolves a config value: sealed values are decrypted,
// anything else passes through unchanged.
func (b *Box) OpenString(v string) (string, error) {
	s := strings.TrimSpace(v)
	if !strings.HasPrefix(s, sealedPrefix) {
		return v, nil
	}
	return b.Open(strings.TrimPrefix(s, sealedPrefix))
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(sealedHex string) (string, error) {
	sealed, err := hex.DecodeString(sealedHex)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	ns := b.aead.NonceSize()
	if len(sealed) < ns {
		return "", errors.New("sealed value too short")
	}
	plain, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plain), nil
}
