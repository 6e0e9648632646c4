package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coldtrail/taskboard/pkg/appendlog"
	"github.com/coldtrail/taskboard/pkg/capability"
	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// lookupKeyForLifecycleOp resolves and authorizes rawKey for a file
// lifecycle operation at tier against path. These operations are not
// bound to a request author, so author-binding checks are effectively
// skipped by passing the empty string.
func (h *Handlers) lookupKeyForLifecycleOp(r *http.Request, tier capability.Permission, path string) (*capability.Key, error) {
	ctx := r.Context()
	rawKey := chi.URLParam(r, "key")

	var key *capability.Key
	if capability.WellFormed(rawKey) {
		var err error
		key, err = h.Capability.Lookup(ctx, capability.SaltedHash(rawKey, h.Salt))
		if err != nil {
			return nil, err
		}
	}
	if err := capability.Evaluate(key, tier, path, capability.Request{}, h.Clock.Now()); err != nil {
		return nil, err
	}
	return key, nil
}

// PutFile handles `PUT /w/:key/*path`: create a file with the given content,
// or overwrite a live file's content if one already exists at path.
func (h *Handlers) PutFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.Clock.Now()

	path, err := capability.NormalizePath("/" + chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, err)
		return
	}
	key, err := h.lookupKeyForLifecycleOp(r, capability.PermissionWrite, path)
	if err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.RequestBodyMaxBytes)
	var payload struct {
		Content string `json:"content"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, apperrors.NewAppError(apperrors.CodeInvalidRequest, "malformed JSON request body", nil))
			return
		}
	}

	existing, err := h.Files.GetFileByPathAny(ctx, key.WorkspaceID, path)
	if err != nil {
		writeError(w, err)
		return
	}

	var fileID string
	status := http.StatusCreated
	if existing == nil || existing.Deleted() {
		file, err := h.Files.CreateFile(ctx, key.WorkspaceID, path, payload.Content, now)
		if err != nil {
			writeError(w, err)
			return
		}
		fileID = file.ID
	} else {
		if err := h.Files.UpdateContent(ctx, existing.ID, payload.Content, now); err != nil {
			writeError(w, err)
			return
		}
		fileID = existing.ID
		status = http.StatusOK
	}

	writeSuccess(w, status, map[string]interface{}{"id": fileID, "path": path}, fmt.Sprintf("/r/%s%s", chi.URLParam(r, "key"), path), now)
}

// DeleteFile handles `DELETE /w/:key/*path`: soft-delete a live file.
func (h *Handlers) DeleteFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.Clock.Now()

	path, err := capability.NormalizePath("/" + chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, err)
		return
	}
	key, err := h.lookupKeyForLifecycleOp(r, capability.PermissionWrite, path)
	if err != nil {
		writeError(w, err)
		return
	}

	file, err := h.Files.GetFileByPathAny(ctx, key.WorkspaceID, path)
	if err != nil {
		writeError(w, err)
		return
	}
	if file == nil {
		writeError(w, apperrors.NewAppError(apperrors.CodeFileNotFound, "file not found", nil))
		return
	}
	if file.Deleted() {
		writeError(w, apperrors.NewAppError(apperrors.CodeFileDeleted, "file has already been deleted", nil))
		return
	}

	if err := h.Files.SoftDeleteFile(ctx, file.ID, now); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"id": file.ID, "path": path}, "", now)
}

// GetFile handles `GET /r/:key/*path`: the file plus its full append log, at
// read tier.
func (h *Handlers) GetFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.Clock.Now()

	path, err := capability.NormalizePath("/" + chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, err)
		return
	}
	key, err := h.lookupKeyForLifecycleOp(r, capability.PermissionRead, path)
	if err != nil {
		writeError(w, err)
		return
	}

	file, err := h.Files.GetFileByPathAny(ctx, key.WorkspaceID, path)
	if err != nil {
		writeError(w, err)
		return
	}
	if file == nil {
		writeError(w, apperrors.NewAppError(apperrors.CodeFileNotFound, "file not found", nil))
		return
	}
	if file.Deleted() {
		writeError(w, apperrors.NewAppError(apperrors.CodeFileDeleted, "file has been deleted", nil))
		return
	}

	appends, err := h.Appends.ListByFile(ctx, file.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	rows := make([]map[string]interface{}, len(appends))
	for i, a := range appends {
		rows[i] = appendToMap(a)
	}

	data := map[string]interface{}{
		"file":    map[string]interface{}{"id": file.ID, "path": file.Path, "content": file.Content},
		"appends": rows,
	}
	writeSuccess(w, http.StatusOK, data, "", now)
}

// appendToMap renders one append row for the read endpoint's full-log view,
// omitting fields the append's type left unset.
func appendToMap(a *appendlog.Append) map[string]interface{} {
	m := map[string]interface{}{
		"id": a.ExternalID(), "type": a.Type, "author": a.Author, "ts": a.CreatedAt.Format(time.RFC3339Nano),
	}
	if a.HasRef {
		m["ref"] = appendlog.FormatAppendID(a.Ref)
	}
	if a.Status != "" {
		m["status"] = a.Status
	}
	if a.Priority != "" {
		m["priority"] = a.Priority
	}
	if len(a.Labels) > 0 {
		m["labels"] = a.Labels
	}
	if a.DueAt != nil {
		m["dueAt"] = a.DueAt.Format(time.RFC3339Nano)
	}
	if a.ExpiresAt != nil {
		m["expiresAt"] = a.ExpiresAt.Format(time.RFC3339Nano)
	}
	if a.Value != "" {
		m["value"] = a.Value
	}
	if a.ContentPreview != "" {
		m["contentPreview"] = a.ContentPreview
	}
	return m
}
