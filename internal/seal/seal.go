// Package seal encrypts log details before they reach the store and opens
// them again on read.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrMalformed is returned when a sealed value cannot be decoded or authenticated
var ErrMalformed = errors.New("seal: malformed or tampered value")

// Sealer turns plaintext detail strings into storable strings and back.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Plain stores details as-is. Used when no key is configured.
type Plain struct{}

func (Plain) Seal(s string) (string, error) { return s, nil }
func (Plain) Open(s string) (string, error) { return s, nil }

const hkdfInfo = "shardledger log details v1"

// AESGCM seals with AES-256-GCM. The output is base64(nonce || ciphertext).
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM derives a 256-bit key from secret with HKDF-SHA256.
func NewAESGCM(secret, salt []byte) (*AESGCM, error) {
	if len(secret) == 0 {
		return nil, errors.New("seal: empty secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("seal: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("seal: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

func (a *AESGCM) Seal(plaintext string) (string, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("seal: nonce: %w", err)
	}
	out := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (a *AESGCM) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrMalformed
	}
	ns := a.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrMalformed
	}
	plain, err := a.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrMalformed
	}
	return string(plain), nil
}

// FromKey returns an AESGCM sealer for a non-empty key and Plain otherwise.
func FromKey(key, salt string) (Sealer, error) {
	if key == "" {
		return Plain{}, nil
	}
	return NewAESGCM([]byte(key), []byte(salt))
}
