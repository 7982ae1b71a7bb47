// Package token generates and digests the opaque bearer tokens used for
// sessions, invitations, and password resets. Raw tokens leave the process
// exactly once, at issuance; only their digest is ever persisted.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// rawLength is the number of random bytes in a generated token.
const rawLength = 32

// Generate returns a new opaque token, URL-safe encoded.
func Generate() (string, error) {
	buf := make([]byte, rawLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Hash returns the hex-encoded sha256 digest of a raw token. Digests are what
// repositories store and look up; the slow password KDF is never used here.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
