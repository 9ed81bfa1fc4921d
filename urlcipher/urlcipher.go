// Package urlcipher seals the gated-resource URL so the plan store never
// holds it in the clear. URLs are encrypted with AES-256-GCM under a
// deployment key and only unsealed for subscribers that pass the access
// check.
package urlcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// prefix tags sealed values so a stored plain URL is never mistaken for
// ciphertext.
const prefix = "x402v1:"

// ErrDecryptionFailure is returned when a sealed URL cannot be recovered
// (wrong key, truncated or corrupted ciphertext).
var ErrDecryptionFailure = errors.New("failed to decrypt URL")

// Cipher seals and opens gated-resource URLs.
type Cipher struct {
	aead cipher.AEAD
}

// New derives an AES-256-GCM cipher from the deployment key string.
func New(key string) (*Cipher, error) {
	if key == "" {
		return nil, fmt.Errorf("empty URL sealing key")
	}
	digest := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(digest[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts a URL, producing a prefixed, base64 value safe to persist.
func (c *Cipher) Seal(url string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(url), nil)
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open recovers a URL sealed by Seal. Any tamper or key mismatch yields
// ErrDecryptionFailure.
func (c *Cipher) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, prefix) {
		return "", fmt.Errorf("%w: unrecognized format", ErrDecryptionFailure)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("%w: truncated ciphertext", ErrDecryptionFailure)
	}
	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	url, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return string(url), nil
}
