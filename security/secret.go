package security

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrSecretMismatch indicates the presented client secret does not match the
// stored hash. Intentionally carries no detail about which part failed.
var ErrSecretMismatch = errors.New("client secret mismatch")

// dummySecretHash is a pre-computed bcrypt hash compared against when no real
// hash is available. This keeps verification constant-time for unknown
// clients, preventing timing-based client enumeration.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// VerifySecret compares a presented client secret against a stored bcrypt
// hash. A bcrypt comparison is ALWAYS performed, even when storedHash is
// empty, so callers can use this for unknown clients without leaking their
// absence through response timing.
func VerifySecret(storedHash, presented string) error {
	hashToCompare := storedHash
	missing := storedHash == ""
	if missing {
		hashToCompare = dummySecretHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(presented))
	if err != nil || missing {
		return ErrSecretMismatch
	}
	return nil
}

// HashSecret creates a bcrypt hash of a client secret for storage.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
