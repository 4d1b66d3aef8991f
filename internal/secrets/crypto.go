// Package secrets seals configuration values (security tokens, key
// passphrases) so they can live in a config file without being readable.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// SecretPrefix marks a sealed value inside a config file.
	SecretPrefix = "enc:"

	sealVersion = 1
	saltSize    = 16
	keySize     = 32
)

var (
	// ErrInvalidPassword is returned when the password cannot open the value.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrInvalidPayload indicates a malformed sealed value.
	ErrInvalidPayload = errors.New("invalid encrypted payload")
)

// IsEncrypted reports whether value carries the sealed-value prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, SecretPrefix)
}

// EncryptString seals value with a key derived from password. The result is
// "enc:" followed by base64(version | salt | nonce | ciphertext).
func EncryptString(value, password string) (string, error) {
	if value == "" {
		return "", nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	aead, err := newAEAD(password, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := make([]byte, 0, 1+saltSize+len(nonce)+len(value)+aead.Overhead())
	sealed = append(sealed, sealVersion)
	sealed = append(sealed, salt...)
	sealed = append(sealed, nonce...)
	sealed = aead.Seal(sealed, nonce, []byte(value), []byte{sealVersion})

	return SecretPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a value produced by EncryptString. Values without the
// prefix are returned unchanged; the bool reports whether decryption happened.
func DecryptString(value, password string) (string, bool, error) {
	if !IsEncrypted(value) {
		return value, false, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SecretPrefix))
	if err != nil {
		return "", true, fmt.Errorf("%w: decode: %v", ErrInvalidPayload, err)
	}
	if len(raw) < 1+saltSize {
		return "", true, fmt.Errorf("%w: too short", ErrInvalidPayload)
	}
	if raw[0] != sealVersion {
		return "", true, fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, raw[0])
	}

	salt := raw[1 : 1+saltSize]
	aead, err := newAEAD(password, salt)
	if err != nil {
		return "", true, err
	}

	rest := raw[1+saltSize:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return "", true, fmt.Errorf("%w: truncated ciphertext", ErrInvalidPayload)
	}
	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte{sealVersion})
	if err != nil {
		return "", true, fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	}
	return string(plaintext), true, nil
}

func newAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, 1<<15, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}
