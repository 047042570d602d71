package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against on lookup misses so a missing prefix costs
// the same time as a wrong secret.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("mk_00000000_dummy"), bcrypt.DefaultCost)

// HashAPIKey hashes a raw API key with bcrypt.
func HashAPIKey(rawKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash api key: %w", err)
	}
	return string(hash), nil
}

// VerifyAPIKey reports whether rawKey matches a bcrypt hash.
func VerifyAPIKey(rawKey, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(rawKey)) == nil
}

// DummyVerify performs a bcrypt comparison whose result is discarded.
func DummyVerify() {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte("mk_00000000_other"))
}
