// Package vault implements the encryption primitives for user-supplied provider keys.
// Nothing in this package logs or returns secret material in errors.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"

	"siza-core/models"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	keySize    = 32 // AES-256
	iterations = 100000

	masterKeyBytes = 32

	// DefaultSalt is used by DeriveKey when the caller supplies none
	DefaultSalt = "siza-byok-default-salt"
)

// deriveAESKey derives an AES key from the master key and salt using PBKDF2
func deriveAESKey(masterKey string, salt []byte) []byte {
	return pbkdf2.Key([]byte(masterKey), salt, iterations, keySize, sha256.New)
}

// Encrypt encrypts secret under masterKey using AES-256-GCM.
// The result is base64(salt || nonce || ciphertext); every call uses a fresh salt and nonce.
func Encrypt(secret, masterKey string) (string, error) {
	if secret == "" {
		return "", models.NewValidationError("API key cannot be empty")
	}
	if masterKey == "" {
		return "", models.NewValidationError("Encryption key is required")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	gcm, err := newGCM(deriveAESKey(masterKey, salt))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(secret), nil)

	out := make([]byte, saltSize+len(sealed))
	copy(out, salt)
	copy(out[saltSize:], sealed)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any failure past input validation is reported as
// models.ErrDecryption so callers cannot tell a wrong key from corrupted data.
func Decrypt(ciphertext, masterKey string) (string, error) {
	if ciphertext == "" {
		return "", models.NewValidationError("Encrypted key is required")
	}
	if masterKey == "" {
		return "", models.NewValidationError("Encryption key is required")
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(data) < saltSize {
		return "", models.ErrDecryption
	}

	salt := data[:saltSize]
	sealed := data[saltSize:]

	gcm, err := newGCM(deriveAESKey(masterKey, salt))
	if err != nil {
		return "", models.ErrDecryption
	}

	if len(sealed) < gcm.NonceSize() {
		return "", models.ErrDecryption
	}

	nonce := sealed[:gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, sealed[gcm.NonceSize():], nil)
	if err != nil {
		return "", models.ErrDecryption
	}

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeriveKey derives a master key from a human passphrase.
// The same passphrase and salt always produce the same key; DefaultSalt applies when salt is omitted.
func DeriveKey(passphrase string, salt ...string) string {
	s := DefaultSalt
	if len(salt) > 0 && salt[0] != "" {
		s = salt[0]
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(s), iterations, keySize, sha256.New)
	return base64.StdEncoding.EncodeToString(key)
}

// GenerateMasterKey returns a random 256-bit key suitable for Encrypt
func GenerateMasterKey() (string, error) {
	b := make([]byte, masterKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hash returns a one-way SHA-256 fingerprint of secret for auditing
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
