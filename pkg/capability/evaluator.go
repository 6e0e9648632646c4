package capability

import (
	"time"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// Request carries the request-derived facts the evaluator needs beyond the
// key record itself. Shape validation (field presence, enum membership) is
// the request dispatcher's job via validator/v10; by the time a Request
// reaches Evaluate, Author and Types are assumed well-formed strings.
type Request struct {
	Author string
	// Types holds every append type this request would create: one entry
	// for a single append, one per item for a batch.
	Types []string
}

// Evaluate runs the nine-step authorization contract against key for a
// request requiring tier, targeting normalizedPath, with the given body
// facts. It is a pure function of its inputs — no I/O, fully unit-testable.
//
// key may be nil (no record found for the looked-up hash); rawKeyWellFormed
// must have already been checked by the caller via WellFormed, since a
// malformed key string never reaches a lookup in the first place — this
// function assumes step 1 is satisfied and starts at step 2.
func Evaluate(key *Key, required Permission, normalizedPath string, req Request, now time.Time) error {
	// Step 2: record exists.
	if key == nil {
		return apperrors.NewAppError(apperrors.CodeInvalidKey, "capability key not found", nil)
	}

	// Step 3: valid scope binding.
	if key.ScopeType != ScopeWorkspace && key.ScopePath == "" {
		return apperrors.NewAppError(apperrors.CodeInvalidKey, "capability key has an invalid scope binding", nil)
	}

	// Step 4: not revoked.
	if key.Revoked() {
		return apperrors.NewAppError(apperrors.CodeKeyRevoked, "capability key has been revoked", nil)
	}

	// Step 5: not expired.
	if key.Expired(now) {
		return apperrors.NewAppError(apperrors.CodeKeyExpired, "capability key has expired", nil)
	}

	// Step 6: permission tier.
	if !key.Permission.admits(required) {
		return apperrors.NewAppError(apperrors.CodePermissionDenied, "capability key does not authorize this operation", nil)
	}

	// Step 7: scope path containment.
	if !ScopeContains(key.ScopeType, key.ScopePath, normalizedPath) {
		return apperrors.NewAppError(apperrors.CodePermissionDenied, "capability key does not cover this path", nil)
	}

	// Step 8: bound author.
	if key.BoundAuthor != "" && key.BoundAuthor != req.Author {
		return apperrors.NewAppError(apperrors.CodeAuthorMismatch, "author does not match the key's bound author", nil)
	}

	// Step 9: allowed types.
	for _, t := range req.Types {
		if !key.allowsType(t) {
			return apperrors.NewAppError(apperrors.CodeTypeNotAllowed, "append type not allowed by this capability key", map[string]interface{}{"type": t})
		}
	}

	return nil
}
