// Package crypto seals credential values at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed sealed value")

// Sealer encrypts and decrypts values. The label is bound as additional data,
// so a value sealed under one label does not open under another.
type Sealer interface {
	Seal(label, plaintext string) (string, error)
	Open(label, sealed string) (string, error)
}

// Plain stores values as-is. Used when no encryption key is configured.
type Plain struct{}

func (Plain) Seal(_, plaintext string) (string, error) { return plaintext, nil }
func (Plain) Open(_, sealed string) (string, error)    { return sealed, nil }

// AESGCM is a Sealer backed by a 32-byte key.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM builds a sealer from a hex-encoded 32-byte key.
func NewAESGCM(hexKey string) (*AESGCM, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESGCM{aead: aead}, nil
}

// Seal returns base64(nonce || ciphertext || tag).
func (s *AESGCM) Seal(label, plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(label))
	return base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *AESGCM) Open(label, sealed string) (string, error) {
	buf, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	n := s.aead.NonceSize()
	if len(buf) < n+s.aead.Overhead() {
		return "", ErrMalformed
	}

	plain, err := s.aead.Open(nil, buf[:n], buf[n:], []byte(label))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s: %w", label, err)
	}
	return string(plain), nil
}
