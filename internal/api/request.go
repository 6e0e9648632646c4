package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/coldtrail/taskboard/internal/validation"
	"github.com/coldtrail/taskboard/pkg/appendlog"
	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// structValidate runs the struct-tag shape pass described in
// pkg/capability.Request's doc comment, ahead of the domain-specific checks
// in internal/validation.
var structValidate = validator.New()

// appendItem is one entry of a batch request, or the inline fields of a
// single-append request.
type appendItem struct {
	Type             string     `json:"type"`
	Content          string     `json:"content"`
	Ref              string     `json:"ref"`
	Priority         string     `json:"priority" validate:"omitempty,max=32"`
	Labels           []string   `json:"labels" validate:"omitempty,max=32,dive,max=128"`
	DueAt            *time.Time `json:"dueAt"`
	Assigned         string     `json:"assigned" validate:"omitempty,max=64"`
	Value            string     `json:"value" validate:"omitempty,max=4096"`
	ExpiresInSeconds int        `json:"expiresInSeconds" validate:"omitempty,min=0"`
}

// requestBody is the union of the single-append and batch request shapes;
// exactly one of the single-append fields or Appends is populated.
type requestBody struct {
	Author string `json:"author"`
	appendItem
	Path    string       `json:"path" validate:"omitempty,max=4096"`
	Appends []appendItem `json:"appends" validate:"omitempty,max=100,dive"`
}

// decodeRequestBody reads and JSON-decodes r's body, bounded by maxBytes.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, maxBytes int64) (*requestBody, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			w.Header().Set("Content-Size-Limit", fmt.Sprintf("%d", maxBytes))
			return nil, apperrors.NewAppError(apperrors.CodePayloadTooLarge, "request body exceeds the size limit", nil)
		}
		return nil, apperrors.NewAppError(apperrors.CodeInvalidRequest, "malformed JSON request body", nil)
	}
	return &body, nil
}

// isBatch reports whether body carries the {author, appends: [...]} shape.
func (b *requestBody) isBatch() bool {
	return len(b.Appends) > 0
}

// rawItems returns every item this request would append, one per batch
// entry, or the single inline item if not a batch. Returns nil if the body
// carries neither shape.
func (b *requestBody) rawItems() []appendItem {
	if b.isBatch() {
		return b.Appends
	}
	if b.Type == "" {
		return nil
	}
	return []appendItem{b.appendItem}
}

// toItems converts every raw item to an appendlog.Request sharing the
// request's author.
func (b *requestBody) toItems() []appendlog.Request {
	raw := b.rawItems()
	items := make([]appendlog.Request, len(raw))
	for i, it := range raw {
		items[i] = appendlog.Request{
			Author: b.Author, Type: it.Type, Content: it.Content, Ref: it.Ref,
			Priority: it.Priority, Labels: it.Labels, DueAt: it.DueAt,
			Assigned: it.Assigned, Value: it.Value, ExpiresInSeconds: it.ExpiresInSeconds,
		}
	}
	return items
}

// validateShape runs field-level validation on body ahead of authorization
// or dispatch, translating internal/validation's field errors into the
// domain error codes the response envelope exposes.
func validateShape(b *requestBody, appendMaxBytes int) error {
	if err := structValidate.Struct(b); err != nil {
		return apperrors.NewAppError(apperrors.CodeInvalidRequest, fmt.Sprintf("request shape invalid: %s", err.Error()), nil)
	}

	if err := validation.ValidateAuthor(b.Author); err != nil {
		return apperrors.NewAppError(apperrors.CodeInvalidAuthor, err.Error(), nil)
	}

	if b.isBatch() && (b.Type != "" || b.Content != "" || b.Ref != "" || b.Value != "" ||
		len(b.Labels) > 0 || b.DueAt != nil || b.Assigned != "" || b.ExpiresInSeconds != 0) {
		return apperrors.NewAppError(apperrors.CodeInvalidRequest, "single-append fields must not coexist with appends", nil)
	}

	items := b.rawItems()
	if len(items) == 0 {
		return apperrors.NewAppError(apperrors.CodeInvalidRequest, "request must include a type or a non-empty appends array", nil)
	}

	for i, it := range items {
		if err := validation.ValidateAppendType(it.Type); err != nil {
			return apperrors.NewAppError(apperrors.CodeInvalidAppendType, err.Error(), map[string]interface{}{"index": i})
		}
		if len(it.Content) > appendMaxBytes {
			return apperrors.NewAppError(apperrors.CodePayloadTooLarge,
				fmt.Sprintf("content exceeds %d bytes", appendMaxBytes), map[string]interface{}{"index": i})
		}
		if it.Content != "" {
			if err := validation.ValidateStringInput("content", it.Content, appendMaxBytes); err != nil {
				return apperrors.NewAppError(apperrors.CodeInvalidRequest, err.Error(), map[string]interface{}{"index": i})
			}
		}
		if it.ExpiresInSeconds != 0 {
			if err := validation.ValidateExpiresInSeconds(it.ExpiresInSeconds); err != nil {
				return apperrors.NewAppError(apperrors.CodeInvalidRequest, err.Error(), map[string]interface{}{"index": i})
			}
		}
	}
	return nil
}
