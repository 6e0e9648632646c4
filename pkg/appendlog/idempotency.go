package appendlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"

	"github.com/coldtrail/taskboard/pkg/clock"
	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// Outcome is the result of claiming or waiting on an idempotency token.
type Outcome int

const (
	OutcomeOwner Outcome = iota
	OutcomeCached
	OutcomePending
	OutcomeTimeout
)

// CachedResult is the owner's previously finalized response, replayed
// verbatim to a later request bearing the same token.
type CachedResult struct {
	Status int
	Body   json.RawMessage
}

// Broker implements the idempotency protocol: at most one
// owner computes a result per token; concurrent or later requests with the
// same token either replay the cached outcome or time out.
type Broker struct {
	db    *sqlx.DB
	clk   clock.Clock
	group singleflight.Group
}

func NewBroker(db *sqlx.DB, clk clock.Clock) *Broker {
	return &Broker{db: db, clk: clk}
}

// Claim attempts to become the owner of token within capabilityKeyID's
// namespace, via INSERT ... RETURNING (only the inserting request gets a
// row back, so ownership and contention are distinguished without a
// separate locking statement). Returns OutcomeOwner on success,
// OutcomeCached with the prior result if already finalized, otherwise
// OutcomePending (another request owns it and hasn't finished).
func (b *Broker) Claim(ctx context.Context, capabilityKeyID, token string) (Outcome, *CachedResult, error) {
	now := b.clk.Now()
	var inserted string
	err := b.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, capability_key_id, response_status, response_body, created_at)
		VALUES ($1, $2, 0, '{}', $3)
		ON CONFLICT (capability_key_id, key) DO NOTHING
		RETURNING key`, token, capabilityKeyID, now).Scan(&inserted)
	if err == nil {
		return OutcomeOwner, nil, nil
	}
	if err != sql.ErrNoRows {
		return 0, nil, apperrors.DatabaseError("claim idempotency token", err)
	}

	var status int
	var body []byte
	err = b.db.QueryRowContext(ctx, `
		SELECT response_status, response_body FROM idempotency_keys
		WHERE capability_key_id = $1 AND key = $2`, capabilityKeyID, token).Scan(&status, &body)
	if err != nil {
		return 0, nil, apperrors.DatabaseError("read idempotency token", err)
	}
	if status > 0 {
		return OutcomeCached, &CachedResult{Status: status, Body: body}, nil
	}
	return OutcomePending, nil, nil
}

// WaitForResult polls the row until finalized or timeout elapses.
// Concurrent in-process waiters on the same token collapse onto one
// polling goroutine via singleflight; the DB row is still the
// cross-process source of truth, so this is purely a local optimization.
func (b *Broker) WaitForResult(ctx context.Context, capabilityKeyID, token string, timeout, poll time.Duration) (Outcome, *CachedResult, error) {
	sfKey := capabilityKeyID + ":" + token
	v, err, _ := b.group.Do(sfKey, func() (interface{}, error) {
		deadline := b.clk.Now().Add(timeout)
		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		for {
			var status int
			var body []byte
			err := b.db.QueryRowContext(ctx, `
				SELECT response_status, response_body FROM idempotency_keys
				WHERE capability_key_id = $1 AND key = $2`, capabilityKeyID, token).Scan(&status, &body)
			if err != nil && err != sql.ErrNoRows {
				return nil, apperrors.DatabaseError("poll idempotency token", err)
			}
			if status > 0 {
				return &CachedResult{Status: status, Body: body}, nil
			}
			if !b.clk.Now().Before(deadline) {
				return nil, nil
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
		}
	})
	if err != nil {
		return 0, nil, err
	}
	if v == nil {
		return OutcomeTimeout, nil, nil
	}
	return OutcomeCached, v.(*CachedResult), nil
}

// Finalize writes the terminal status/body for token iff it is still
// pending; it never overwrites an already-finalized row.
func (b *Broker) Finalize(ctx context.Context, capabilityKeyID, token string, status int, body []byte) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET response_status = $3, response_body = $4
		WHERE capability_key_id = $1 AND key = $2 AND response_status = 0`,
		capabilityKeyID, token, status, body)
	if err != nil {
		return apperrors.DatabaseError("finalize idempotency token", err)
	}
	return nil
}

// ClearPending deletes token's row iff it is still pending, releasing the
// owner slot after a mid-request failure so retries are not dead-locked.
func (b *Broker) ClearPending(ctx context.Context, capabilityKeyID, token string) error {
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE capability_key_id = $1 AND key = $2 AND response_status = 0`, capabilityKeyID, token)
	if err != nil {
		return apperrors.DatabaseError("clear pending idempotency token", err)
	}
	return nil
}
