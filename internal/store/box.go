package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// SecretBox seals and opens byte strings with AES-256-GCM. A random
// nonce is generated per Seal; the GCM auth tag is appended to the
// ciphertext, so Open fails closed on any tampering and never returns
// partial plaintext.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox derives a box from the configured master key. A
// base64-encoded 32-byte value is used directly; any other string is
// hashed with SHA-256 into a 32-byte key.
func NewSecretBox(masterKey string) (*SecretBox, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key is not configured")
	}
	var key []byte
	if decoded, err := base64.StdEncoding.DecodeString(masterKey); err == nil && len(decoded) == 32 {
		key = decoded
	} else {
		sum := sha256.Sum256([]byte(masterKey))
		key = sum[:]
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// Seal encrypts plaintext, returning a fresh nonce and the ciphertext
// with the auth tag appended.
func (b *SecretBox) Seal(plaintext []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, b.aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext. Fails if the auth tag does not verify.
func (b *SecretBox) Open(nonce, ciphertext []byte) ([]byte, error) {
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	return plaintext, nil
}
