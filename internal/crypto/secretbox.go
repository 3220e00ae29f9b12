// Package crypto seals secrets that must be stored recoverably, such as the
// API key the catalog presents to each registered WordPress companion. Values
// are sealed with AES-256-GCM under a key taken from ENCRYPTION_KEY.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrKeyLengthInvalid    = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	ErrDecryptionFailed    = errors.New("crypto: decryption operation failed")
	ErrSaltTooShort        = errors.New("crypto: salt must be at least 16 bytes")
	ErrKeyMissing          = errors.New("crypto: ENCRYPTION_KEY is not set")
)

// passphraseSalt is fixed so the same ENCRYPTION_KEY passphrase always
// derives the same key across restarts and replicas.
var passphraseSalt = []byte("wpdepot/server-api-keys/v1")

// SecretBox seals and opens short secrets
type SecretBox struct {
	key []byte
}

// NewSecretBox creates a box from a 32-byte key
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	k := make([]byte, 32)
	copy(k, key)
	return &SecretBox{key: k}, nil
}

// DeriveSecretBox derives the key from a passphrase with PBKDF2-SHA256
func DeriveSecretBox(passphrase string, salt []byte, iterations int) (*SecretBox, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = 100000
	}
	return NewSecretBox(pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New))
}

// SecretBoxFromEnv interprets an ENCRYPTION_KEY value. Exactly 32 raw bytes,
// 64 hex characters or standard base64 of 32 bytes are used as the key
// directly; anything else is treated as a passphrase.
func SecretBoxFromEnv(value string) (*SecretBox, error) {
	if value == "" {
		return nil, ErrKeyMissing
	}
	if len(value) == 32 {
		return NewSecretBox([]byte(value))
	}
	if len(value) == 64 {
		if k, err := hex.DecodeString(value); err == nil {
			return NewSecretBox(k)
		}
	}
	if k, err := base64.StdEncoding.DecodeString(value); err == nil && len(k) == 32 {
		return NewSecretBox(k)
	}
	return DeriveSecretBox(value, passphraseSalt, 0)
}

func (b *SecretBox) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext and returns nonce||ciphertext as URL-safe base64.
// The empty string seals to the empty string.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := b.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(aead.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// Open reverses Seal
func (b *SecretBox) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	aead, err := b.aead()
	if err != nil {
		return "", err
	}
	n := aead.NonceSize()
	if len(raw) < n {
		return "", ErrCiphertextCorrupted
	}
	plaintext, err := aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateKey returns a random 32-byte key
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
