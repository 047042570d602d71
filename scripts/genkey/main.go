// genkey generates the secrets a mamori deployment needs.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go >> .env
//
// Prints:
//
//	MAMORI_ADMIN_KEY    bearer token with every permission
//	MAMORI_SECRET_KEYS  passphrase that encrypts stored LLM provider keys
//
// To rotate the secret key, prepend a new passphrase to MAMORI_SECRET_KEYS
// (entries are separated by "::"), restart, then run
// `mamori llm-targets reencrypt` and drop the old entry.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

func main() {
	admin, err := randomToken(32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate admin key: %v\n", err)
		os.Exit(1)
	}
	secret, err := randomToken(32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate secret key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("MAMORI_ADMIN_KEY=%s\n", admin)
	fmt.Printf("MAMORI_SECRET_KEYS=%s\n", secret)
	fmt.Fprintln(os.Stderr, "keep these out of version control")
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
