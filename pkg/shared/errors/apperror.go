package errors

import "net/http"

// Domain error codes returned in the response envelope's error.code field.
const (
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeInvalidPath             = "INVALID_PATH"
	CodeInvalidKey              = "INVALID_KEY"
	CodeKeyRevoked              = "KEY_REVOKED"
	CodeKeyExpired              = "KEY_EXPIRED"
	CodePermissionDenied        = "PERMISSION_DENIED"
	CodeInvalidAuthor           = "INVALID_AUTHOR"
	CodeAuthorMismatch          = "AUTHOR_MISMATCH"
	CodeTypeNotAllowed          = "TYPE_NOT_ALLOWED"
	CodeInvalidAppendType       = "INVALID_APPEND_TYPE"
	CodeInvalidRef              = "INVALID_REF"
	CodeAppendNotFound          = "APPEND_NOT_FOUND"
	CodeFileNotFound            = "FILE_NOT_FOUND"
	CodeFileDeleted             = "FILE_DELETED"
	CodeAlreadyClaimed          = "ALREADY_CLAIMED"
	CodeTaskAlreadyComplete     = "TASK_ALREADY_COMPLETE"
	CodeWIPLimitExceeded        = "WIP_LIMIT_EXCEEDED"
	CodeCannotCancelOthersClaim = "CANNOT_CANCEL_OTHERS_CLAIM"
	CodeCannotRenewOthersClaim  = "CANNOT_RENEW_OTHERS_CLAIM"
	CodePayloadTooLarge         = "PAYLOAD_TOO_LARGE"
	CodeIdempotencyConflict     = "IDEMPOTENCY_CONFLICT"
)

// statusByCode is the canonical HTTP status for each domain error code, per
// the error taxonomy table.
var statusByCode = map[string]int{
	CodeInvalidRequest:          http.StatusBadRequest,
	CodeInvalidPath:             http.StatusBadRequest,
	CodeInvalidKey:              http.StatusNotFound,
	CodeKeyRevoked:              http.StatusNotFound,
	CodeKeyExpired:              http.StatusNotFound,
	CodePermissionDenied:        http.StatusNotFound,
	CodeInvalidAuthor:           http.StatusBadRequest,
	CodeAuthorMismatch:          http.StatusBadRequest,
	CodeTypeNotAllowed:          http.StatusBadRequest,
	CodeInvalidAppendType:       http.StatusBadRequest,
	CodeInvalidRef:              http.StatusBadRequest,
	CodeAppendNotFound:          http.StatusNotFound,
	CodeFileNotFound:            http.StatusNotFound,
	CodeFileDeleted:             http.StatusGone,
	CodeAlreadyClaimed:          http.StatusConflict,
	CodeTaskAlreadyComplete:     http.StatusBadRequest,
	CodeWIPLimitExceeded:        http.StatusTooManyRequests,
	CodeCannotCancelOthersClaim: http.StatusBadRequest,
	CodeCannotRenewOthersClaim:  http.StatusBadRequest,
	CodePayloadTooLarge:         http.StatusRequestEntityTooLarge,
	CodeIdempotencyConflict:     http.StatusConflict,
}

// AppError is a domain-level failure surfaced verbatim to the client as
// {error: {code, message, details}}. It is distinct from OperationError:
// OperationError wraps infrastructure failures for logs, AppError carries an
// expected state-machine outcome to the transport edge.
type AppError struct {
	Code    string
	Message string
	Details map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// Status returns the HTTP status code associated with e.Code, defaulting to
// 400 for unrecognized codes (there should be none at runtime).
func (e *AppError) Status() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusBadRequest
}

// NewAppError builds an AppError with an optional details map.
func NewAppError(code, message string, details map[string]interface{}) *AppError {
	return &AppError{Code: code, Message: message, Details: details}
}

// AsAppError extracts an *AppError from err, if any.
func AsAppError(err error) (*AppError, bool) {
	appErr, ok := err.(*AppError)
	return appErr, ok
}
