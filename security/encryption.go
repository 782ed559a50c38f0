package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

const encryptionKeySize = 32 // AES-256

// Encryptor seals stored upstream tokens with AES-256-GCM. A nil or empty key
// yields a pass-through encryptor so callers need no nil checks on the
// disabled path.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an encryptor from a 32-byte key, or a disabled
// pass-through when key is empty.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != encryptionKeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", encryptionKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// IsEnabled reports whether values are actually encrypted.
func (e *Encryptor) IsEnabled() bool {
	return e.aead != nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext). Disabled
// encryptors return the input unchanged.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if e.aead == nil {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Disabled encryptors return the input unchanged.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	if e.aead == nil {
		return encoded, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := e.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// GenerateKey returns a fresh random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, encryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64 key and checks its length.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != encryptionKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", encryptionKeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes a key for storage in configuration.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
