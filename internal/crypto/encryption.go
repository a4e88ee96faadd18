// Package crypto provides encryption and decryption for sensitive configuration
// values such as provider API keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrInvalidCiphertext is returned when the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")

	// ErrDecryptionFailed is returned when GCM authentication fails.
	ErrDecryptionFailed = errors.New("decryption failed: authentication failed")

	// ErrEmptyPassphrase is returned when no master passphrase was supplied.
	ErrEmptyPassphrase = errors.New("master passphrase is empty")
)

// keyIterations is the PBKDF2 work factor for deriving the AES key from the
// master passphrase.
const keyIterations = 100_000

// saltContext is a fixed application salt: the derived key only needs to be
// stable per passphrase, not unique per secret (each secret gets its own nonce).
var saltContext = []byte("relaygate.config.v1")

// Service handles AES-GCM authenticated encryption of config secrets.
type Service struct {
	gcm cipher.AEAD
}

// NewService derives a 256-bit key from the passphrase and prepares the cipher.
func NewService(passphrase string) (*Service, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	key := pbkdf2.Key([]byte(passphrase), saltContext, keyIterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Service{gcm: gcm}, nil
}

// Encrypt encrypts plaintext and returns base64-encoded ciphertext with the
// nonce prepended.
func (s *Service) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64-encoded ciphertext produced by Encrypt.
func (s *Service) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	nonceSize := s.gcm.NonceSize()
	if len(ciphertext) < nonceSize+s.gcm.Overhead()+1 {
		return "", ErrInvalidCiphertext
	}

	nonce := ciphertext[:nonceSize]
	encrypted := ciphertext[nonceSize:]

	plaintext, err := s.gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}
