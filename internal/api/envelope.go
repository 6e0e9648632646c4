// Package api binds the append log's domain packages onto an HTTP surface:
// request parsing, capability authorization, idempotency handling, and the
// response envelope.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// Envelope is the top-level JSON shape every response follows, success or
// failure.
type Envelope struct {
	OK         bool        `json:"ok"`
	ServerTime string      `json:"serverTime,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	WebURL     string      `json:"webUrl,omitempty"`
	Error      *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries a domain error code, message, and optional details.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// internalErrorCode is returned for failures outside the documented domain
// taxonomy — infrastructure errors the dispatcher did not expect.
const internalErrorCode = "INTERNAL"

func writeJSON(w http.ResponseWriter, status int, v interface{}) []byte {
	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
	return body
}

// writeSuccess composes and writes the success envelope, returning the
// marshaled body so the caller can finalize an idempotency record with it.
func writeSuccess(w http.ResponseWriter, status int, data interface{}, webURL string, now time.Time) (int, []byte) {
	env := Envelope{OK: true, ServerTime: now.Format(time.RFC3339Nano), Data: data, WebURL: webURL}
	return status, writeJSON(w, status, env)
}

// writeError translates err into the error envelope and writes it.
func writeError(w http.ResponseWriter, err error) {
	if appErr, ok := apperrors.AsAppError(err); ok {
		writeJSON(w, appErr.Status(), Envelope{
			OK:    false,
			Error: &ErrorBody{Code: appErr.Code, Message: appErr.Error(), Details: appErr.Details},
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, Envelope{
		OK:    false,
		Error: &ErrorBody{Code: internalErrorCode, Message: "internal error"},
	})
}

// replayCached writes a previously finalized idempotent response verbatim.
func replayCached(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
