package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIKey is a user-issued API key. Only the bcrypt hash of the secret is stored.
type APIKey struct {
	ID            uuid.UUID  `json:"id"`
	Prefix        string     `json:"prefix"`
	KeyHash       string     `json:"-"` // Never serialized.
	Description   string     `json:"description"`
	Roles         []Role     `json:"roles"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// APIKeyWithRawKey is returned only on creation, the only time the raw key
// is available.
type APIKeyWithRawKey struct {
	APIKey
	RawKey string `json:"key"`
}

// CreateAPIKeyRequest is the request body for POST /auth/api_keys.
type CreateAPIKeyRequest struct {
	Description string `json:"description"`
	Roles       []Role `json:"roles"`
}

// Validate checks the request shape.
func (r CreateAPIKeyRequest) Validate() error {
	if len(r.Description) > 255 {
		return &ValidationError{Field: "description", Message: "description must be at most 255 characters"}
	}
	if len(r.Roles) == 0 {
		return &ValidationError{Field: "roles", Message: "at least one role is required"}
	}
	for _, role := range r.Roles {
		if !ValidRole(role) {
			return &ValidationError{Field: "roles", Message: fmt.Sprintf("unknown role %q", role)}
		}
	}
	return nil
}

const (
	keyPrefixLen    = 4
	keySecretLen    = 24
	keyFormatPrefix = "mk_"
)

// GenerateRawKey produces a new raw API key in the format mk_<8-char-prefix>_<48-char-secret>.
func GenerateRawKey() (rawKey, prefix string, err error) {
	prefixBytes := make([]byte, keyPrefixLen)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key prefix: %w", err)
	}
	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}

	prefix = hex.EncodeToString(prefixBytes)
	rawKey = keyFormatPrefix + prefix + "_" + hex.EncodeToString(secretBytes)
	return rawKey, prefix, nil
}

// ParseRawKey extracts the lookup prefix from a raw key.
func ParseRawKey(rawKey string) (prefix string, err error) {
	if !strings.HasPrefix(rawKey, keyFormatPrefix) {
		return "", fmt.Errorf("model: invalid key format: missing %s prefix", keyFormatPrefix)
	}
	rest := rawKey[len(keyFormatPrefix):]
	idx := strings.IndexByte(rest, '_')
	if idx < 1 || idx == len(rest)-1 {
		return "", fmt.Errorf("model: invalid key format: expected mk_<prefix>_<secret>")
	}
	return rest[:idx], nil
}
