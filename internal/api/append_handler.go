package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/coldtrail/taskboard/pkg/appendlog"
	"github.com/coldtrail/taskboard/pkg/audit"
	"github.com/coldtrail/taskboard/pkg/capability"
	"github.com/coldtrail/taskboard/pkg/events"
	"github.com/coldtrail/taskboard/pkg/metrics"
	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
	"github.com/coldtrail/taskboard/pkg/workspace"
)

// PostAppendTier handles `POST /a/:key/*path` and `POST /w/:key/*path`: the
// path comes from the URL wildcard, authorization requires tier.
func (h *Handlers) PostAppendTier(tier capability.Permission) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.handleAppend(w, r, tier, func(*capability.Key) (string, error) {
			return capability.NormalizePath("/" + chi.URLParam(r, "*"))
		})
	}
}

// PostAppendByBody handles `POST /a/:key/append`: the path comes from the
// body's `path` field, or the key's own scope when it is file-scoped.
func (h *Handlers) PostAppendByBody(w http.ResponseWriter, r *http.Request) {
	h.handleAppendWithBody(w, r, capability.PermissionAppend, func(key *capability.Key, body *requestBody) (string, error) {
		if body.Path != "" {
			return capability.NormalizePath(body.Path)
		}
		if key != nil && key.ScopeType == capability.ScopeFile {
			return key.ScopePath, nil
		}
		return "", apperrors.NewAppError(apperrors.CodeInvalidRequest, "path is required when the capability key is not file-scoped", nil)
	})
}

// handleAppend is the shared entry point for the wildcard-path routes: it
// adapts resolvePath to ignore the decoded body (path resolution here never
// depends on it) and delegates to handleAppendWithBody.
func (h *Handlers) handleAppend(w http.ResponseWriter, r *http.Request, tier capability.Permission, resolvePath func(*capability.Key) (string, error)) {
	h.handleAppendWithBody(w, r, tier, func(key *capability.Key, _ *requestBody) (string, error) {
		return resolvePath(key)
	})
}

// handleAppendWithBody runs the full append dispatch flow: lookup, decode,
// validate, path resolution, authorize, resolve file, idempotency, dispatch,
// respond, audit, emit.
func (h *Handlers) handleAppendWithBody(w http.ResponseWriter, r *http.Request, tier capability.Permission, resolvePath func(*capability.Key, *requestBody) (string, error)) {
	ctx := r.Context()
	now := h.Clock.Now()
	rawKey := chi.URLParam(r, "key")

	var key *capability.Key
	if capability.WellFormed(rawKey) {
		var err error
		key, err = h.Capability.Lookup(ctx, capability.SaltedHash(rawKey, h.Salt))
		if err != nil {
			writeError(w, err)
			return
		}
	}

	body, err := decodeRequestBody(w, r, h.RequestBodyMaxBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := validateShape(body, h.AppendMaxContentBytes); err != nil {
		writeError(w, err)
		return
	}

	path, err := resolvePath(key, body)
	if err != nil {
		writeError(w, err)
		return
	}

	items := body.toItems()
	types := make([]string, len(items))
	for i, it := range items {
		types[i] = it.Type
	}

	if err := capability.Evaluate(key, tier, path, capability.Request{Author: body.Author, Types: types}, now); err != nil {
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

	token := r.Header.Get("Idempotency-Key")
	owner := false
	if token != "" {
		outcome, cached, err := h.Broker.Claim(ctx, key.ID, token)
		if err != nil {
			writeError(w, err)
			return
		}
		switch outcome {
		case appendlog.OutcomeOwner:
			owner = true
			metrics.RecordIdempotencyOutcome(metrics.IdempotencyOutcomeOwner)
		case appendlog.OutcomeCached:
			metrics.RecordIdempotencyOutcome(metrics.IdempotencyOutcomeCached)
			replayCached(w, cached.Status, cached.Body)
			return
		case appendlog.OutcomePending:
			metrics.RecordIdempotencyOutcome(metrics.IdempotencyOutcomePending)
			outcome, cached, err = h.Broker.WaitForResult(ctx, key.ID, token, h.IdempotencyWaitTimeout, h.IdempotencyPollInterval)
			if err != nil {
				writeError(w, err)
				return
			}
			if outcome == appendlog.OutcomeTimeout {
				metrics.RecordIdempotencyOutcome(metrics.IdempotencyOutcomeTimeout)
				writeError(w, apperrors.NewAppError(apperrors.CodeIdempotencyConflict, "idempotent request still in flight", nil))
				return
			}
			replayCached(w, cached.Status, cached.Body)
			return
		}
	}

	results, err := h.dispatch(ctx, key, file, items)
	if err != nil {
		if owner {
			h.clearPending(ctx, key.ID, token)
		}
		writeError(w, err)
		return
	}

	var data interface{}
	if body.isBatch() {
		items := make([]map[string]interface{}, len(results))
		for i, res := range results {
			items[i] = patchToMap(res.Patch)
		}
		data = items
	} else {
		data = patchToMap(results[0].Patch)
	}

	webURL := fmt.Sprintf("/r/%s%s", rawKey, path)
	status, respBody := writeSuccess(w, http.StatusCreated, data, webURL, now)
	if owner {
		if err := h.Broker.Finalize(ctx, key.ID, token, status, respBody); err != nil {
			h.Logger.Warn("idempotency: failed to finalize owner result", zap.Error(err))
		}
	}

	h.auditAndEmit(ctx, key, file, results, now)
}

// dispatch routes items to either the dedicated claim critical path (single
// claim request) or the generic batch executor.
func (h *Handlers) dispatch(ctx context.Context, key *capability.Key, file *workspace.File, items []appendlog.Request) ([]appendlog.Result, error) {
	if len(items) == 1 && items[0].Type == appendlog.TypeClaim {
		req := items[0]
		if req.Ref == "" {
			return nil, apperrors.NewAppError(apperrors.CodeInvalidRequest, "claim requires ref", nil)
		}
		ref, err := appendlog.ParseRef(req.Ref)
		if err != nil {
			return nil, err
		}
		expiresIn := req.ExpiresInSeconds
		if expiresIn == 0 {
			expiresIn = appendlog.DefaultExpirySeconds
		}
		result, err := h.Claims.Claim(ctx, key.WorkspaceID, file.ID, req.Author, ref, req.ExpiresInSeconds, key.WIPLimit)
		if err != nil {
			return nil, err
		}
		patch := &appendlog.ResponsePatch{
			ID: result.Append.ExternalID(), Type: appendlog.TypeClaim, Author: req.Author, Ref: req.Ref,
			ExpiresAt: &result.ExpiresAt, ExpiresInSeconds: expiresIn, CreatedAt: result.Append.CreatedAt,
		}
		return []appendlog.Result{{Append: result.Append, Patch: patch}}, nil
	}
	return h.Batch.Run(ctx, file.ID, items)
}

// patchToMap renders a ResponsePatch as the response envelope's per-item
// data object, omitting fields the append type left unset.
func patchToMap(p *appendlog.ResponsePatch) map[string]interface{} {
	m := map[string]interface{}{
		"id": p.ID, "type": p.Type, "author": p.Author, "ts": p.CreatedAt.Format(time.RFC3339Nano),
	}
	if p.Ref != "" {
		m["ref"] = p.Ref
	}
	if p.Status != "" {
		m["status"] = p.Status
	}
	if p.TaskStatus != "" {
		m["taskStatus"] = p.TaskStatus
	}
	if p.ExpiresAt != nil {
		m["expiresAt"] = p.ExpiresAt.Format(time.RFC3339Nano)
	}
	if p.ExpiresInSeconds != 0 {
		m["expiresInSeconds"] = p.ExpiresInSeconds
	}
	if p.Value != "" {
		m["value"] = p.Value
	}
	if p.ClaimedBy != "" {
		m["claimedBy"] = p.ClaimedBy
	}
	if p.RetryAfterMs != 0 {
		m["retryAfterMs"] = p.RetryAfterMs
	}
	return m
}

// auditAndEmit records one audit event and emits one bus event per result.
// Both are fire-and-forget: neither can fail the request that already
// succeeded.
func (h *Handlers) auditAndEmit(ctx context.Context, key *capability.Key, file *workspace.File, results []appendlog.Result, now time.Time) {
	for _, res := range results {
		h.Audit.Record(audit.Event{
			WorkspaceID: key.WorkspaceID, Action: "append." + res.Append.Type,
			ResourceType: "append", ResourceID: res.Append.ExternalID(), Actor: res.Append.Author, ActorType: "agent",
			Metadata:  map[string]interface{}{"fileId": file.ID, "filePath": file.Path},
			CreatedAt: now,
		})
		h.Events.Emit(events.Event{
			WorkspaceID: key.WorkspaceID, FilePath: file.Path, Type: eventTypeFor(res.Append),
			Data: eventData(res.Append), Timestamp: now,
		})
	}
}

func eventTypeFor(a *appendlog.Append) string {
	switch a.Type {
	case appendlog.TypeTask:
		return events.TaskCreated
	case appendlog.TypeClaim:
		return events.ClaimCreated
	case appendlog.TypeRenew:
		return events.ClaimRenewed
	case appendlog.TypeCancel:
		return events.ClaimReleased
	case appendlog.TypeResponse:
		return events.TaskCompleted
	case appendlog.TypeBlocked:
		return events.TaskBlocked
	default:
		return events.GenericAppend
	}
}

func eventData(a *appendlog.Append) map[string]interface{} {
	d := map[string]interface{}{"appendId": a.ExternalID(), "author": a.Author}
	if a.HasRef {
		d["ref"] = appendlog.FormatAppendID(a.Ref)
	}
	if a.Status != "" {
		d["status"] = a.Status
	}
	return d
}
