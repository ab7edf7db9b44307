// Package vault encrypts third-party API keys at rest.
//
// Keys are sealed with XChaCha20-Poly1305 under a single process-wide key
// loaded at startup. Every Encrypt call draws a fresh 24-byte nonce, which is
// stored next to the ciphertext as the "iv".
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrInvalidKey is returned by New for a missing or malformed key.
	ErrInvalidKey = errors.New("vault: key must be 64 hex characters")
	// ErrDecryption covers tampered ciphertext, bad nonces and wrong keys.
	ErrDecryption = errors.New("vault: decryption failed")
)

// Vault seals and opens credential material.
type Vault struct {
	key []byte
}

// New builds a vault from a hex-encoded 32-byte key.
func New(keyHex string) (*Vault, error) {
	if keyHex == "" {
		return nil, ErrInvalidKey
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext under a new random nonce.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, iv []byte, err error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	iv = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generating random nonce: %w", err)
	}
	return aead.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens ciphertext sealed by Encrypt. It is deterministic for a fixed key.
func (v *Vault) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrDecryption, len(iv))
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

// EncryptString seals s and returns hex-encoded ciphertext and iv for storage.
func (v *Vault) EncryptString(s string) (ciphertextHex, ivHex string, err error) {
	ciphertext, iv, err := v.Encrypt([]byte(s))
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(ciphertext), hex.EncodeToString(iv), nil
}

// Use decrypts hex-encoded material, hands the secret to fn and wipes the
// plaintext buffer once fn returns. The secret must not outlive fn.
func (v *Vault) Use(ciphertextHex, ivHex string, fn func(secret string) error) error {
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return fmt.Errorf("%w: ciphertext encoding", ErrDecryption)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return fmt.Errorf("%w: iv encoding", ErrDecryption)
	}
	plaintext, err := v.Decrypt(ciphertext, iv)
	if err != nil {
		return err
	}
	defer wipe(plaintext)
	return fn(string(plaintext))
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
