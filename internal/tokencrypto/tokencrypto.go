// Package tokencrypto encrypts refresh/access tokens before an Account
// Store adapter writes them to disk, and decrypts them on load. The key
// is derived from an operator-supplied passphrase via scrypt so the
// passphrase itself never touches disk or memory as a raw AES key.
package tokencrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Box derives and caches an AES-256-GCM key from a passphrase and uses it
// to seal/open token strings.
type Box struct {
	passphrase string

	mu        sync.RWMutex
	derived   map[string][]byte // salt -> key
}

// New creates a Box keyed by passphrase. An empty passphrase is allowed —
// Seal/Open become the identity function — so a gateway can be run
// without at-rest encryption in development.
func New(passphrase string) *Box {
	return &Box{passphrase: passphrase, derived: make(map[string][]byte)}
}

const defaultSalt = "codexgw-token-store"

// Seal encrypts plaintext, returning "<iv_hex>:<ciphertext+tag_hex>".
func (b *Box) Seal(plaintext string) (string, error) {
	if b.passphrase == "" {
		return plaintext, nil
	}
	key, err := b.deriveKey(defaultSalt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(encoded string) (string, error) {
	if b.passphrase == "" {
		return encoded, nil
	}
	key, err := b.deriveKey(defaultSalt)
	if err != nil {
		return "", err
	}

	nonceHex, sealedHex, ok := splitOnce(encoded, ':')
	if !ok {
		return "", errors.New("tokencrypto: malformed payload, missing separator")
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	sealed, err := hex.DecodeString(sealedHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("gcm open: %w", err)
	}
	return string(plaintext), nil
}

func (b *Box) deriveKey(salt string) ([]byte, error) {
	b.mu.RLock()
	if key, ok := b.derived[salt]; ok {
		b.mu.RUnlock()
		return key, nil
	}
	b.mu.RUnlock()

	key, err := scrypt.Key([]byte(b.passphrase), []byte(salt), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive: %w", err)
	}

	b.mu.Lock()
	b.derived[salt] = key
	b.mu.Unlock()
	return key, nil
}

func splitOnce(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
