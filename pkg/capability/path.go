package capability

import (
	"net/url"
	"strings"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// NormalizePath percent-decodes a raw request path exactly once, collapses
// repeated slashes, ensures a leading slash, and strips any trailing slash
// (unless the whole path is "/"). It rejects literal or percent-encoded
// ".." segments so a crafted path can never escape its scope.
func NormalizePath(raw string) (string, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", apperrors.NewAppError(apperrors.CodeInvalidPath, "malformed percent-encoding in path", nil)
	}

	if containsDotDot(raw) || containsDotDot(decoded) {
		return "", apperrors.NewAppError(apperrors.CodeInvalidPath, "path traversal segments are not allowed", nil)
	}

	if !strings.HasPrefix(decoded, "/") {
		decoded = "/" + decoded
	}

	collapsed := collapseSlashes(decoded)

	if collapsed != "/" {
		collapsed = strings.TrimSuffix(collapsed, "/")
	}

	return collapsed, nil
}

func containsDotDot(s string) bool {
	lower := strings.ToLower(s)
	for _, segment := range strings.Split(lower, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

func collapseSlashes(s string) string {
	var b strings.Builder
	prevSlash := false
	for _, r := range s {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ScopeContains reports whether path is within a capability key's scope:
// for file scope, path must equal scopePath exactly; for folder scope, path
// must equal scopePath or be a descendant of it; workspace scope admits
// any path.
func ScopeContains(scopeType ScopeType, scopePath, path string) bool {
	switch scopeType {
	case ScopeWorkspace:
		return true
	case ScopeFile:
		return path == scopePath
	case ScopeFolder:
		if path == scopePath {
			return true
		}
		prefix := strings.TrimSuffix(scopePath, "/") + "/"
		return strings.HasPrefix(path, prefix)
	default:
		return false
	}
}
