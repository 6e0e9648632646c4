// Package validation holds request-shape validators for the append API:
// author identity, append type enum, claim expiry bounds, and defensive
// string sanitization shared across handlers.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

var authorPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var reservedAuthors = map[string]bool{
	"system": true,
}

// ValidateAuthor checks that author is a well-formed, non-reserved identity.
func ValidateAuthor(author string) error {
	if author == "" {
		return apperrors.ValidationError("author", "author is required")
	}
	if len(author) > 64 {
		return apperrors.ValidationError("author", "author must be 64 characters or less")
	}
	if !authorPattern.MatchString(author) {
		return apperrors.ValidationError("author", "author must match ^[A-Za-z0-9_-]{1,64}$")
	}
	if reservedAuthors[strings.ToLower(author)] {
		return apperrors.ValidationError("author", "author is a reserved name")
	}
	return nil
}

var validAppendTypes = map[string]bool{
	"task":        true,
	"comment":     true,
	"blocked":     true,
	"answer":      true,
	"vote":        true,
	"claim":       true,
	"response":    true,
	"cancel":      true,
	"renew":       true,
	"passthrough": true,
}

// ValidateAppendType checks t against the fixed set of append types.
func ValidateAppendType(t string) error {
	if t == "" {
		return apperrors.ValidationError("type", "type is required")
	}
	if !validAppendTypes[t] {
		return apperrors.ValidationError("type", fmt.Sprintf("%q is not a recognized append type", t))
	}
	return nil
}

const (
	minExpirySeconds = 60
	maxExpirySeconds = 86400
)

// ValidateExpiresInSeconds bounds a claim's requested expiry window.
func ValidateExpiresInSeconds(seconds int) error {
	if seconds < minExpirySeconds {
		return apperrors.ValidationError("expiresInSeconds", "must be at least 60 seconds")
	}
	if seconds > maxExpirySeconds {
		return apperrors.ValidationError("expiresInSeconds", "must be 86400 seconds (24h) or less")
	}
	return nil
}

var unsafePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\b.*\bselect\b`),
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`;\s*drop\b`),
}

// ValidateStringInput enforces a max length and rejects obvious
// injection-style payloads before a value reaches a query or template.
func ValidateStringInput(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return apperrors.ValidationError(field, fmt.Sprintf("must be %d characters or less", maxLen))
	}
	for _, pattern := range unsafePatterns {
		if pattern.MatchString(value) {
			return apperrors.ValidationError(field, "contains potentially unsafe characters")
		}
	}
	for _, r := range value {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return apperrors.ValidationError(field, "contains invalid control characters")
		}
	}
	return nil
}

const maxListLimit = 500

// ValidateLimit bounds a listing request's page size.
func ValidateLimit(limit int) error {
	if limit <= 0 {
		return apperrors.ValidationError("limit", "must be greater than 0")
	}
	if limit > maxListLimit {
		return apperrors.ValidationError("limit", fmt.Sprintf("must be %d or less", maxListLimit))
	}
	return nil
}

// SanitizeForLogging replaces control characters with '?' and truncates to
// 200 characters (with a trailing ellipsis) so logged request bodies can't
// corrupt log output or blow up log volume.
func SanitizeForLogging(input string) string {
	var b strings.Builder
	for _, r := range input {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			b.WriteRune('?')
		} else {
			b.WriteRune(r)
		}
	}
	result := b.String()
	if len(result) > 200 {
		result = result[:197] + "..."
	}
	return result
}
