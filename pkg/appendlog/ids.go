package appendlog

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// FormatAppendID renders the internal numeric append id in its external
// "aN" form.
func FormatAppendID(n int64) string {
	return fmt.Sprintf("a%d", n)
}

// ParseRef parses a request's "ref" field (external "aN" form) into the
// internal numeric append id. The "a" prefix is required, not optional.
// Returns INVALID_REF/400 on malformed input.
func ParseRef(ref string) (int64, error) {
	if !strings.HasPrefix(ref, "a") {
		return 0, apperrors.NewAppError(apperrors.CodeInvalidRef, "ref must be a valid append id", nil)
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(ref, "a"), 10, 64)
	if err != nil || n <= 0 {
		return 0, apperrors.NewAppError(apperrors.CodeInvalidRef, "ref must be a valid append id", nil)
	}
	return n, nil
}
