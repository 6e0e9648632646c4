package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// keyPattern is the well-formed-key check, step 1 of the authorization
// contract: length >= 22, restricted alphabet.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{22,}$`)

// WellFormed reports whether rawKey passes the length/alphabet check. This
// runs before any lookup so malformed input never reaches the store.
func WellFormed(rawKey string) bool {
	return keyPattern.MatchString(rawKey)
}

// SaltedHash derives the lookup hash for rawKey. The salt is a
// server-side secret so a stolen database dump cannot be used to forge
// capability keys by reversing the hash.
func SaltedHash(rawKey, salt string) string {
	sum := sha256.Sum256([]byte(salt + rawKey))
	return hex.EncodeToString(sum[:])
}
