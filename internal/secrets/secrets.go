// Package secrets encrypts small stored secrets with AES-256-GCM under a
// rotating key list. The first key encrypts; every key is tried to decrypt,
// so a key can be retired once Reencrypt has rewritten all ciphertexts.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrNoKeys is returned when the box was built without keys.
var ErrNoKeys = errors.New("secrets: no keys configured")

// ErrDecrypt is returned when no configured key opens a ciphertext.
var ErrDecrypt = errors.New("secrets: ciphertext does not decrypt under any key")

const version = "v1:"

// Box seals and opens secrets.
type Box struct {
	aeads []cipher.AEAD
}

// New builds a Box from keys ordered newest first. Each key is an arbitrary
// passphrase; the AES key is its SHA-256 digest. Blank entries are skipped.
func New(keys []string) (*Box, error) {
	b := &Box{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		sum := sha256.Sum256([]byte(k))
		block, err := aes.NewCipher(sum[:])
		if err != nil {
			return nil, fmt.Errorf("secrets: cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("secrets: gcm: %w", err)
		}
		b.aeads = append(b.aeads, aead)
	}
	if len(b.aeads) == 0 {
		return nil, ErrNoKeys
	}
	return b, nil
}

// Encrypt seals plaintext under the newest key.
func (b *Box) Encrypt(plaintext string) (string, error) {
	aead := b.aeads[0]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return version + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt under any configured key.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	_, plain, err := b.open(ciphertext)
	return plain, err
}

// Reencrypt rewrites a ciphertext under the newest key. It is suitable as the
// callback of storage.DB.ReencryptLLMTargets.
func (b *Box) Reencrypt(ciphertext string) (string, error) {
	idx, plain, err := b.open(ciphertext)
	if err != nil {
		return "", err
	}
	if idx == 0 {
		return ciphertext, nil
	}
	return b.Encrypt(plain)
}

func (b *Box) open(ciphertext string) (int, string, error) {
	raw, ok := strings.CutPrefix(ciphertext, version)
	if !ok {
		return 0, "", fmt.Errorf("secrets: unknown ciphertext version")
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return 0, "", fmt.Errorf("secrets: decode: %w", err)
	}
	for i, aead := range b.aeads {
		n := aead.NonceSize()
		if len(data) < n+aead.Overhead() {
			return 0, "", ErrDecrypt
		}
		plain, err := aead.Open(nil, data[:n], data[n:], nil)
		if err == nil {
			return i, string(plain), nil
		}
	}
	return 0, "", ErrDecrypt
}
