// Package encryption seals OAuth tokens for storage at rest.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// NonceSize is the AES-GCM nonce length prepended to every ciphertext.
const NonceSize = 12

var (
	ErrEmptySecret      = errors.New("encryption secret must not be empty")
	ErrMalformedToken   = errors.New("malformed encrypted token")
	ErrDecryptionFailed = errors.New("failed to decrypt token")
	ErrEncoding         = errors.New("decrypted token is not valid utf-8")
)

// Cipher encrypts and decrypts tokens with AES-256-GCM.
// The key is the SHA-256 digest of the configured secret, so any secret length is accepted.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the key from secret and prepares the AEAD.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: gcm}, nil
}

// Encrypt returns base64(nonce || ciphertext). A fresh random nonce is drawn on every call.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if len(raw) < NonceSize {
		return "", fmt.Errorf("%w: too short", ErrMalformedToken)
	}

	nonce, ciphertext := raw[:NonceSize], raw[NonceSize:]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	if !utf8.Valid(plaintext) {
		return "", ErrEncoding
	}

	return string(plaintext), nil
}

// Encrypt is a one-shot helper for callers that hold only the secret.
func Encrypt(plaintext, secret string) (string, error) {
	c, err := New(secret)
	if err != nil {
		return "", err
	}

	return c.Encrypt(plaintext)
}

// Decrypt is the one-shot counterpart of Encrypt.
func Decrypt(blob, secret string) (string, error) {
	c, err := New(secret)
	if err != nil {
		return "", err
	}

	return c.Decrypt(blob)
}
