package appendlog

import (
	"context"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// Executor runs single or batched append requests inside one transaction.
// It does no idempotency bookkeeping itself; callers apply that around a
// whole batch.
type Executor struct {
	db      *sqlx.DB
	handler *Handler
}

func NewExecutor(db *sqlx.DB, handler *Handler) *Executor {
	return &Executor{db: db, handler: handler}
}

// Result is one item's outcome within a batch.
type Result struct {
	Append *Append
	Patch  *ResponsePatch
}

// Preflight validates every item before any transaction is opened: type
// must be in the closed set (checked by the caller via
// internal/validation), refs that are syntactically required must be
// present. Returns the first violation, annotated with its item index.
func Preflight(items []Request) error {
	for i, item := range items {
		switch item.Type {
		case TypeBlocked, TypeAnswer, TypeVote, TypeClaim, TypeCancel, TypeRenew:
			if item.Ref == "" {
				return apperrors.NewAppError(apperrors.CodeInvalidRequest, "ref is required for this append type", map[string]interface{}{"index": i})
			}
		case TypeResponse:
			if item.Ref == "" || item.Content == "" {
				return apperrors.NewAppError(apperrors.CodeInvalidRequest, "response requires ref and content", map[string]interface{}{"index": i})
			}
		}
	}
	return nil
}

// Run executes items against fileID in a single transaction. Any handler
// error rolls back the entire batch and is returned as-is (the first
// failing item's error); there are no partial effects.
func (e *Executor) Run(ctx context.Context, fileID string, items []Request) ([]Result, error) {
	if err := Preflight(items); err != nil {
		return nil, err
	}

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.DatabaseError("begin batch transaction", err)
	}

	results := make([]Result, 0, len(items))
	for _, item := range items {
		a, patch, err := e.handler.Handle(ctx, tx, fileID, item)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		results = append(results, Result{Append: a, Patch: patch})
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.DatabaseError("commit batch transaction", err)
	}
	return results, nil
}
