package appendlog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/coldtrail/taskboard/pkg/clock"
	"github.com/coldtrail/taskboard/pkg/metrics"
	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
	"github.com/coldtrail/taskboard/pkg/tracing"
)

// postgresSerializationFailure is the SQLSTATE Postgres returns when a
// SERIALIZABLE transaction loses a write-write race; the claim path performs exactly
// one retry of the claim transaction on this code before surfacing the
// contention to the caller.
const postgresSerializationFailure = "40001"

// CapabilityLimiter reports the caller's active claim count for the
// advisory WIP-limit precheck (the capability store backs this).
type CapabilityLimiter interface {
	CountActiveClaims(ctx context.Context, workspaceID, author string, now time.Time) (int, error)
}

// ClaimService runs the claim critical path.
type ClaimService struct {
	db      *sqlx.DB
	repo    *Repository
	limiter CapabilityLimiter
	clk     clock.Clock
}

func NewClaimService(db *sqlx.DB, repo *Repository, limiter CapabilityLimiter, clk clock.Clock) *ClaimService {
	return &ClaimService{db: db, repo: repo, limiter: limiter, clk: clk}
}

// ClaimResult is what the dispatcher turns into a response patch.
type ClaimResult struct {
	Append    *Append
	ExpiresAt time.Time
	Renewed   bool // true when this was a renewal-by-reclaim (no new row)
}

// Claim runs the full claim protocol for ref on fileID by author, honoring
// an optional per-key WIP limit (a wipLimit of zero or less skips the
// precheck).
func (s *ClaimService) Claim(ctx context.Context, workspaceID, fileID, author string, ref int64, expiresInSeconds, wipLimit int) (result *ClaimResult, err error) {
	ctx, span := tracing.StartClaimSpan(ctx, fileID, ref, author)
	defer func() { tracing.End(span, err) }()

	if expiresInSeconds == 0 {
		expiresInSeconds = DefaultExpirySeconds
	}

	if wipLimit > 0 {
		now := s.clk.Now()
		var count int
		count, err = s.limiter.CountActiveClaims(ctx, workspaceID, author, now)
		if err != nil {
			return nil, err
		}
		if count >= wipLimit {
			metrics.RecordClaimOutcome(metrics.ClaimOutcomeWIPExceeded)
			return nil, apperrors.NewAppError(apperrors.CodeWIPLimitExceeded, "work-in-progress limit exceeded", map[string]interface{}{
				"currentCount": count, "limit": wipLimit,
			})
		}
	}

	err = s.runSerializable(ctx, func(tx *sqlx.Tx) error {
		r, txErr := claimWithinTx(ctx, tx, s.repo, s.clk, fileID, author, ref, expiresInSeconds)
		if txErr != nil {
			return txErr
		}
		result = r
		return nil
	})
	if err != nil {
		metrics.RecordClaimOutcome(outcomeForError(err))
		return nil, err
	}
	if result.Renewed {
		metrics.RecordClaimOutcome(metrics.ClaimOutcomeRenewed)
	} else {
		metrics.RecordClaimOutcome(metrics.ClaimOutcomeSuccess)
	}
	return result, nil
}

func outcomeForError(err error) string {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		return "error"
	}
	switch appErr.Code {
	case apperrors.CodeAlreadyClaimed:
		return metrics.ClaimOutcomeAlreadyClaim
	case apperrors.CodeTaskAlreadyComplete:
		return metrics.ClaimOutcomeTaskComplete
	default:
		return "error"
	}
}

// claimWithinTx is the lock-check-then-insert core of the claim protocol,
// shared by ClaimService (which wraps it in its own SERIALIZABLE-with-retry
// transaction) and the batch executor (which runs it inside the caller's
// already-open transaction; the FOR UPDATE row lock on the task alone still
// serializes conflicting claims within that transaction's isolation level).
func claimWithinTx(ctx context.Context, tx *sqlx.Tx, repo *Repository, clk clock.Clock, fileID, author string, ref int64, expiresInSeconds int) (*ClaimResult, error) {
	now := clk.Now()

	task, err := repo.GetByAppendIDForUpdate(ctx, tx, fileID, ref)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, apperrors.NewAppError(apperrors.CodeAppendNotFound, "referenced task not found", nil)
	}
	if task.Type != TypeTask {
		return nil, apperrors.NewAppError(apperrors.CodeInvalidRef, "ref must reference a task", nil)
	}
	if task.Status == StatusDone {
		return nil, apperrors.NewAppError(apperrors.CodeTaskAlreadyComplete, "task is already complete", nil)
	}

	active, err := repo.FindActiveClaim(ctx, tx, fileID, ref, now)
	if err != nil {
		return nil, err
	}

	newExpiry := now.Add(time.Duration(expiresInSeconds) * time.Second)

	if active != nil {
		if active.Author == author {
			floor := active.ExpiresAt.Add(time.Millisecond)
			if newExpiry.Before(floor) {
				newExpiry = floor
			}
			if err := repo.UpdateClaimExpiry(ctx, tx, active.ID, newExpiry); err != nil {
				return nil, err
			}
			active.ExpiresAt = &newExpiry
			return &ClaimResult{Append: active, ExpiresAt: newExpiry, Renewed: true}, nil
		}

		retryAfter := active.ExpiresAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return nil, apperrors.NewAppError(apperrors.CodeAlreadyClaimed, "task is already claimed", map[string]interface{}{
			"claimedBy":    active.Author,
			"expiresAt":    active.ExpiresAt,
			"retryAfterMs": retryAfter.Milliseconds(),
		})
	}

	a := &Append{FileID: fileID, Author: author, Type: TypeClaim, Ref: ref, HasRef: true, Status: StatusActive, ExpiresAt: &newExpiry}
	n, err := NextAppendID(ctx, tx, fileID)
	if err != nil {
		return nil, err
	}
	a.AppendID = n
	a, err = repo.Insert(ctx, tx, a)
	if err != nil {
		return nil, err
	}
	return &ClaimResult{Append: a, ExpiresAt: newExpiry}, nil
}

// runSerializable opens a SERIALIZABLE transaction and retries exactly once
// on a Postgres 40001 (serialization_failure) before giving up. AppError
// results (e.g. ALREADY_CLAIMED) are never retried — only the database's
// own contention signal is.
func (s *ClaimService) runSerializable(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return apperrors.DatabaseError("begin claim transaction", err)
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isSerializationFailure(err) && attempt == 0 {
				metrics.RecordClaimOutcome(metrics.ClaimOutcomeSerialization)
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) && attempt == 0 {
				metrics.RecordClaimOutcome(metrics.ClaimOutcomeSerialization)
				lastErr = err
				continue
			}
			return apperrors.DatabaseError("commit claim transaction", err)
		}
		return nil
	}
	return lastErr
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == postgresSerializationFailure
	}
	return false
}
