package password

import (
	"crypto/rand"
	"encoding/base64"
)

// fallbackHash is a process-wide hash of a random throwaway secret. It is
// compared against whenever no stored hash exists, so the wall-clock cost of a
// failed login does not reveal whether the account exists.
var fallbackHash = mustFallbackHash()

func mustFallbackHash() string {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("password: failed to seed fallback hash: " + err.Error())
	}

	hash, err := Hash(base64.RawStdEncoding.EncodeToString(secret), nil)
	if err != nil {
		panic("password: failed to compute fallback hash: " + err.Error())
	}
	return hash
}

// VerifyWithFallback verifies a password against a possibly-absent stored
// hash. When encodedHash is nil the full KDF still runs against fallbackHash
// and the result is false unconditionally; the function must not return before
// that comparison completes.
func VerifyWithFallback(password string, encodedHash *string) (bool, error) {
	if encodedHash == nil {
		if _, err := Verify(password, fallbackHash); err != nil {
			return false, err
		}
		return false, nil
	}
	return Verify(password, *encodedHash)
}
