/**
 * @description
 * Field-level encryption for sensitive values (provider access tokens, account
 * display names). Values are sealed with AES-256-GCM and stored as
 * "nonce:ciphertext:tag" in hex, with a fresh 96-bit nonce per value and a
 * 128-bit authentication tag.
 *
 * Decrypting a value that is not in this format returns the value unchanged:
 * rows written before encryption was introduced are treated as legacy plaintext
 * so the migration does not require a backfill. A well-formed value whose tag
 * does not authenticate is an integrity failure and is returned as an error,
 * never silently swallowed.
 *
 * @dependencies
 * - crypto/aes, crypto/cipher, crypto/rand: Standard library AEAD primitives.
 * - golang.org/x/crypto/scrypt: Key derivation when the configured key is a
 *   passphrase rather than 64 hex characters.
 */
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// keyDerivationSalt is fixed so the same passphrase always yields the same key.
// Rotating it invalidates every stored ciphertext.
var keyDerivationSalt = []byte("centsight.sync-service.vault.v1")

// ErrIntegrity is returned when a well-formed ciphertext fails authentication,
// indicating tampering or corruption.
var ErrIntegrity = errors.New("vault: ciphertext failed authentication")

// Vault seals and opens sensitive field values.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from the configured key material. A 64-character hex
// string is used as the raw 256-bit key; anything else is treated as a
// passphrase and stretched with scrypt.
func New(keyMaterial string) (*Vault, error) {
	keyMaterial = strings.TrimSpace(keyMaterial)
	if keyMaterial == "" {
		return nil, errors.New("vault: encryption key is not configured")
	}

	var key []byte
	if decoded, err := hex.DecodeString(keyMaterial); err == nil && len(decoded) == keySize {
		key = decoded
	} else {
		derived, err := scrypt.Key([]byte(keyMaterial), keyDerivationSalt, 1<<15, 8, 1, keySize)
		if err != nil {
			return nil, fmt.Errorf("vault: key derivation failed: %w", err)
		}
		key = derived
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm init failed: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns the "nonce:ciphertext:tag" hex encoding.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce generation failed: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(nonce),
		hex.EncodeToString(ciphertext),
		hex.EncodeToString(tag),
	), nil
}

// Decrypt opens a stored value. Values not in the nonce:ciphertext:tag format
// are returned unchanged as legacy plaintext.
func (v *Vault) Decrypt(stored string) (string, error) {
	nonce, ciphertext, tag, ok := splitEncoded(stored)
	if !ok {
		return stored, nil
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value is in the sealed format.
func IsEncrypted(stored string) bool {
	_, _, _, ok := splitEncoded(stored)
	return ok
}

func splitEncoded(stored string) (nonce, ciphertext, tag []byte, ok bool) {
	parts := strings.Split(stored, ":")
	if len(parts) != 3 {
		return nil, nil, nil, false
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return nil, nil, nil, false
	}
	ciphertext, err = hex.DecodeString(parts[1])
	if err != nil {
		return nil, nil, nil, false
	}
	tag, err = hex.DecodeString(parts[2])
	if err != nil || len(tag) != tagSize {
		return nil, nil, nil, false
	}
	return nonce, ciphertext, tag, true
}
