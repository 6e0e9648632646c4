package appendlog

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/coldtrail/taskboard/pkg/clock"
	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// Handler dispatches a single append request to the state machine. Every
// call produces exactly one new append row (claim-by-reclaim is the sole
// exception — see handleClaim) and mutates at most the one task or claim
// the request references.
type Handler struct {
	repo *Repository
	clk  clock.Clock
}

func NewHandler(repo *Repository, clk clock.Clock) *Handler {
	return &Handler{repo: repo, clk: clk}
}

// Handle runs req against fileID inside tx and returns the resulting
// append plus its response patch.
func (h *Handler) Handle(ctx context.Context, tx *sqlx.Tx, fileID string, req Request) (*Append, *ResponsePatch, error) {
	switch req.Type {
	case TypeTask:
		return h.handleTask(ctx, tx, fileID, req)
	case TypeComment:
		return h.handleComment(ctx, tx, fileID, req)
	case TypeBlocked:
		return h.handleBlocked(ctx, tx, fileID, req)
	case TypeAnswer:
		return h.handleAnswer(ctx, tx, fileID, req)
	case TypeVote:
		return h.handleVote(ctx, tx, fileID, req)
	case TypeClaim:
		return h.handleClaim(ctx, tx, fileID, req)
	case TypeResponse:
		return h.handleResponse(ctx, tx, fileID, req)
	case TypeCancel:
		return h.handleCancel(ctx, tx, fileID, req)
	case TypeRenew:
		return h.handleRenew(ctx, tx, fileID, req)
	default:
		return h.handleDefault(ctx, tx, fileID, req)
	}
}

func (h *Handler) insert(ctx context.Context, tx *sqlx.Tx, a *Append) (*Append, error) {
	n, err := NextAppendID(ctx, tx, a.FileID)
	if err != nil {
		return nil, err
	}
	a.AppendID = n
	return h.repo.Insert(ctx, tx, a)
}

func (h *Handler) handleTask(ctx context.Context, tx *sqlx.Tx, fileID string, req Request) (*Append, *ResponsePatch, error) {
	a := &Append{
		FileID: fileID, Author: req.Author, Type: TypeTask, Status: StatusOpen,
		Priority: req.Priority, Labels: req.Labels, DueAt: req.DueAt, Content: req.Content,
	}
	a, err := h.insert(ctx, tx, a)
	if err != nil {
		return nil, nil, err
	}
	patch := &ResponsePatch{ID: a.ExternalID(), Type: a.Type, Author: a.Author, Status: a.Status, CreatedAt: a.CreatedAt}
	return a, patch, nil
}

func (h *Handler) handleComment(ctx context.Context, tx *sqlx.Tx, fileID string, req Request) (*Append, *ResponsePatch, error) {
	a := &Append{FileID: fileID, Author: req.Author, Type: TypeComment, Content: req.Content}
	if req.Ref != "" {
		ref, err := ParseRef(req.Ref)
		if err != nil {
			return nil, nil, err
		}
		a.Ref, a.HasRef = ref, true
	}
	a, err := h.insert(ctx, tx, a)
	if err != nil {
		return nil, nil, err
	}
	return a, &ResponsePatch{ID: a.ExternalID(), Type: a.Type, Author: a.Author, CreatedAt: a.CreatedAt}, nil
}

func (h *Handler) handleBlocked(ctx context.Context, tx *sqlx.Tx, fileID string, req Request) (*Append, *ResponsePatch, error) {
	if req.Ref == "" {
		return nil, nil, apperrors.NewAppError(apperrors.CodeInvalidRequest, "blocked requires ref", nil)
	}
	ref, err := ParseRef(req.Ref)
	if err != nil {
		return nil, nil, err
	}
	a := &Append{FileID: fileID, Author: req.Author, Type: TypeBlocked, Ref: ref, HasRef: true, Status: StatusActive, Content: req.Content}
	a, err = h.insert(ctx, tx, a)
	if err != nil {
		return nil, nil, err
	}
	return a, &ResponsePatch{ID: a.ExternalID(), Type: a.Type, Author: a.Author, Ref: req.Ref, Status: a.Status, CreatedAt: a.CreatedAt}, nil
}

func (h *Handler) handleAnswer(ctx context.Context, tx *sqlx.Tx, fileID string, req Request) (*Append, *ResponsePatch, error) {
	if req.Ref == "" {
		return nil, nil, apperrors.NewAppError(apperrors.CodeInvalidRequest, "answer requires ref", nil)
	}
	ref, err := ParseRef(req.Ref)
	if err != nil {
		return nil, nil, err
	}
	referenced, err := h.repo.GetByAppendID(ctx, tx, fileID, ref)
	if err != nil {
		return nil, nil, err
	}
	if referenced == nil {
		return nil, nil, apperrors.NewAppError(apperrors.CodeAppendNotFound, "referenced append not found", nil)
	}
	if referenced.Type != TypeBlocked {
		return nil, nil, apperrors.NewAppError(apperrors.CodeInvalidRef, "answer must reference a blocked append", nil)
	}
	a := &Append{FileID: fileID, Author: req.Author, Type: TypeAnswer, Ref: ref, HasRef: true, Content: req.Content}
	a, err = h.insert(ctx, tx, a)
	if err != nil {
		return nil, nil, err
	}
	return a, &ResponsePatch{ID: a.ExternalID(), Type: a.Type, Author: a.Author, Ref: req.Ref, CreatedAt: a.CreatedAt}, nil
}

func (h *Handler) handleVote(ctx context.Context, tx *sqlx.Tx, fileID string, req Request) (*Append, *ResponsePatch, error) {
	if req.Ref == "" || (req.Value != "+1" && req.Value != "-1") {
		return nil, nil, apperrors.NewAppError(apperrors.CodeInvalidRequest, "vote requires ref and value in {+1,-1}", nil)
	}
	ref, err := ParseRef(req.Ref)
	if err != nil {
		return nil, nil, err
	}
	a := &Append{FileID: fileID, Author: req.Author, Type: TypeVote, Ref: ref, HasRef: true, Value: req.Value}
	a, err = h.insert(ctx, tx, a)
	if err != nil {
		return nil, nil, err
	}
	return a, &ResponsePatch{ID: a.ExternalID(), Type: a.Type, Author: a.Author, Ref: req.Ref, Value: a.Value, CreatedAt: a.CreatedAt}, nil
}

// handleClaim runs the claim critical path within the caller's transaction
// (see claimWithinTx). It does not enforce a WIP limit or retry on
// serialization failure; both are the concern of the request path that
// decides to open a claim transaction in the first place (ClaimService),
// not of dispatch through the generic batch handler.
func (h *Handler) handleClaim(ctx context.Context, tx *sqlx.Tx, fileID string, req Request) (*Append, *ResponsePatch, error) {
	if req.Ref == "" {
		return nil, nil, apperrors.NewAppError(apperrors.CodeInvalidRequest, "claim requires ref", nil)
	}
	ref, err := ParseRef(req.Ref)
	if err != nil {
		return nil, nil, err
	}
	expiresIn := req.ExpiresInSeconds
	if expiresIn == 0 {
		expiresIn = DefaultExpirySeconds
	}

	result, err := claimWithinTx(ctx, tx, h.repo, h.clk, fileID, req.Author, ref, expiresIn)
	if err != nil {
		return nil, nil, err
	}

	patch := &ResponsePatch{
		ID: result.Append.ExternalID(), Type: TypeClaim, Author: req.Author, Ref: req.Ref,
		ExpiresAt: &result.ExpiresAt, ExpiresInSeconds: expiresIn, CreatedAt: result.Append.CreatedAt,
	}
	return result.Append, patch, nil
}

func (h *Handler) handleResponse(ctx context.Context, tx *sqlx.Tx, fileID string, req Request) (*Append, *ResponsePatch, error) {
	if req.Ref == "" || req.Content == "" {
		return nil, nil, apperrors.NewAppError(apperrors.CodeInvalidRequest, "response requires ref and content", nil)
	}
	ref, err := ParseRef(req.Ref)
	if err != nil {
		return nil, nil, err
	}

	// Permissive by design: no existence/type checks on ref. A response is
	// the irreversible "done" signal and is accepted even for a task whose
	// claim (or the task itself) is already gone.
	if err := h.repo.CompleteActiveClaimsOnRef(ctx, tx, fileID, ref); err != nil {
		return nil, nil, err
	}
	if err := h.repo.UpdateStatusByAppendID(ctx, tx, fileID, ref, StatusDone); err != nil {
		return nil, nil, err
	}

	a := &Append{FileID: fileID, Author: req.Author, Type: TypeResponse, Ref: ref, HasRef: true, Content: req.Content}
	a, err = h.insert(ctx, tx, a)
	if err != nil {
		return nil, nil, err
	}
	return a, &ResponsePatch{ID: a.ExternalID(), Type: a.Type, Author: a.Author, Ref: req.Ref, TaskStatus: StatusDone, CreatedAt: a.CreatedAt}, nil
}

func (h *Handler) handleCancel(ctx context.Context, tx *sqlx.Tx, fileID string, req Request) (*Append, *ResponsePatch, error) {
	if req.Ref == "" {
		return nil, nil, apperrors.NewAppError(apperrors.CodeInvalidRequest, "cancel requires ref", nil)
	}
	ref, err := ParseRef(req.Ref)
	if err != nil {
		return nil, nil, err
	}
	claim, err := h.repo.GetByAppendID(ctx, tx, fileID, ref)
	if err != nil {
		return nil, nil, err
	}
	if claim == nil {
		return nil, nil, apperrors.NewAppError(apperrors.CodeAppendNotFound, "claim not found", nil)
	}
	if claim.Author != req.Author {
		return nil, nil, apperrors.NewAppError(apperrors.CodeCannotCancelOthersClaim, "cannot cancel another author's claim", nil)
	}

	if err := h.repo.UpdateStatus(ctx, tx, claim.ID, StatusCancelled); err != nil {
		return nil, nil, err
	}
	if claim.HasRef {
		if err := h.repo.UpdateStatusByAppendID(ctx, tx, fileID, claim.Ref, StatusOpen); err != nil {
			return nil, nil, err
		}
	}

	a := &Append{FileID: fileID, Author: req.Author, Type: TypeCancel, Ref: ref, HasRef: true}
	a, err = h.insert(ctx, tx, a)
	if err != nil {
		return nil, nil, err
	}
	return a, &ResponsePatch{ID: a.ExternalID(), Type: a.Type, Author: a.Author, Ref: req.Ref, TaskStatus: StatusOpen, CreatedAt: a.CreatedAt}, nil
}

func (h *Handler) handleRenew(ctx context.Context, tx *sqlx.Tx, fileID string, req Request) (*Append, *ResponsePatch, error) {
	if req.Ref == "" {
		return nil, nil, apperrors.NewAppError(apperrors.CodeInvalidRequest, "renew requires ref", nil)
	}
	ref, err := ParseRef(req.Ref)
	if err != nil {
		return nil, nil, err
	}
	claim, err := h.repo.GetByAppendID(ctx, tx, fileID, ref)
	if err != nil {
		return nil, nil, err
	}
	if claim == nil {
		return nil, nil, apperrors.NewAppError(apperrors.CodeAppendNotFound, "claim not found", nil)
	}
	if claim.Author != req.Author {
		return nil, nil, apperrors.NewAppError(apperrors.CodeCannotRenewOthersClaim, "cannot renew another author's claim", nil)
	}

	expiresIn := req.ExpiresInSeconds
	if expiresIn == 0 {
		expiresIn = DefaultExpirySeconds
	}
	now := h.clk.Now()
	newExpiry := now.Add(time.Duration(expiresIn) * time.Second)
	if claim.ExpiresAt != nil {
		floor := claim.ExpiresAt.Add(time.Millisecond)
		if newExpiry.Before(floor) {
			newExpiry = floor
		}
	}
	if err := h.repo.UpdateClaimExpiry(ctx, tx, claim.ID, newExpiry); err != nil {
		return nil, nil, err
	}

	a := &Append{FileID: fileID, Author: req.Author, Type: TypeRenew, Ref: ref, HasRef: true}
	a, err = h.insert(ctx, tx, a)
	if err != nil {
		return nil, nil, err
	}
	return a, &ResponsePatch{
		ID: a.ExternalID(), Type: a.Type, Author: a.Author, Ref: req.Ref,
		ExpiresAt: &newExpiry, ExpiresInSeconds: expiresIn, CreatedAt: a.CreatedAt,
	}, nil
}

// handleDefault admits an unrecognized type string verbatim, as a
// passthrough with no state effect. The closed set is enforced earlier, at
// request parsing; this path only runs when that validation permits it.
func (h *Handler) handleDefault(ctx context.Context, tx *sqlx.Tx, fileID string, req Request) (*Append, *ResponsePatch, error) {
	a := &Append{FileID: fileID, Author: req.Author, Type: req.Type, Content: req.Content}
	if req.Ref != "" {
		ref, err := ParseRef(req.Ref)
		if err != nil {
			return nil, nil, err
		}
		a.Ref, a.HasRef = ref, true
	}
	a, err := h.insert(ctx, tx, a)
	if err != nil {
		return nil, nil, err
	}
	return a, &ResponsePatch{ID: a.ExternalID(), Type: a.Type, Author: a.Author, CreatedAt: a.CreatedAt}, nil
}
