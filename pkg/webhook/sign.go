package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignaturePrefix is the scheme tag written before the hex digest, mirroring
// the "sha256=" convention used by most signed-webhook integrations.
const SignaturePrefix = "sha256="

// sign computes the HMAC-SHA256 signature of body keyed by secret, returned
// as the header value a receiver verifies against.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature (as produced by sign) matches body under
// secret, using a constant-time comparison to avoid leaking timing
// information about the expected digest.
func Verify(secret string, body []byte, signature string) bool {
	expected := sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
