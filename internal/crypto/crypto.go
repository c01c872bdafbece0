// Package crypto seals secret column values with AES-256-GCM.
//
// The key comes from GATEWAY_ENCRYPTION_KEY (64 hex chars). Without it a
// fixed development key is used. Sealed values carry a prefix so plaintext
// typed into the admin dashboard can be told apart and sealed on save.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	EnvKey = "GATEWAY_ENCRYPTION_KEY"

	// Prefix marks a sealed value.
	Prefix = "enc:v1:"

	// development only
	devKey = "67617465776179646576656c6f706d656e746b65792d6e6f742d666f722d7072"
)

var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

var (
	aeadOnce sync.Once
	aead     cipher.AEAD
	aeadErr  error
)

func cipherAEAD() (cipher.AEAD, error) {
	aeadOnce.Do(func() {
		hexKey := strings.TrimSpace(os.Getenv(EnvKey))
		if hexKey == "" {
			hexKey = devKey
		}
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			aeadErr = fmt.Errorf("crypto: invalid hex key in %s: %w", EnvKey, err)
			return
		}
		if len(key) != 32 {
			aeadErr = fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
			return
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			aeadErr = fmt.Errorf("crypto: %w", err)
			return
		}
		aead, aeadErr = cipher.NewGCM(block)
	})
	return aead, aeadErr
}

// IsSealed reports whether v was produced by Seal.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, Prefix)
}

// Seal encrypts plaintext. Sealing an already sealed value returns it as is.
func Seal(plaintext string) (string, error) {
	if IsSealed(plaintext) {
		return plaintext, nil
	}
	gcm, err := cipherAEAD()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: %w", err)
	}
	return Prefix + hex.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// Open decrypts a sealed value. Values without the prefix are returned
// unchanged.
func Open(v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	gcm, err := cipherAEAD()
	if err != nil {
		return "", err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(v, Prefix))
	if err != nil {
		return "", fmt.Errorf("crypto: invalid hex ciphertext: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return "", ErrCiphertextTooShort
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// ResetKey drops the cached cipher so the next call re-reads the key.
// Tests only.
func ResetKey() {
	aeadOnce = sync.Once{}
	aead = nil
	aeadErr = nil
}
