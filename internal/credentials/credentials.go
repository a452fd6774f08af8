// Package credentials encrypts mirror basic-auth passwords at rest using
// AES-GCM with a key derived from an operator-supplied secret, adapting the
// teacher's credential-encryption scheme to a scrypt-derived key and to
// storage in the mirrors table rather than a standalone JSON file.
package credentials

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

// EncryptedPrefix marks a stored value as ciphertext rather than plaintext,
// letting already-encrypted values round-trip through Update calls untouched.
const EncryptedPrefix = "encrypted:"

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// Cipher encrypts and decrypts mirror credentials with a key derived from a
// single operator secret.
type Cipher struct {
	secret string
}

// New builds a Cipher that derives a fresh per-value key from secret and a
// random salt on every Encrypt call.
func New(secret string) *Cipher {
	return &Cipher{secret: secret}
}

// IsEncrypted reports whether password is already in encrypted form.
func IsEncrypted(password string) bool {
	return strings.HasPrefix(password, EncryptedPrefix)
}

// Encrypt returns plaintext wrapped as "encrypted:<salt>:<nonce+ciphertext>",
// both base64-encoded. Encrypting an already-encrypted value is a no-op,
// so callers can pass through stored values unconditionally on update.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if IsEncrypted(plaintext) {
		return plaintext, nil
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("credentials: salt: %w", err)
	}
	key, err := c.deriveKey(salt)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("credentials: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("credentials: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("credentials: nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Passing a plaintext (non-prefixed) value returns
// it unchanged, so callers never need to track encryption state themselves.
func (c *Cipher) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}
	parts := strings.SplitN(strings.TrimPrefix(stored, EncryptedPrefix), ":", 2)
	if len(parts) != 2 {
		return "", errors.New("credentials: malformed ciphertext")
	}
	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("credentials: decode salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("credentials: decode ciphertext: %w", err)
	}
	key, err := c.deriveKey(salt)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("credentials: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("credentials: gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("credentials: ciphertext too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("credentials: decrypt: %w", err)
	}
	return string(plain), nil
}

func (c *Cipher) deriveKey(salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(c.secret), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("credentials: derive key: %w", err)
	}
	return key, nil
}
