package appendlog

import (
	"context"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// NextAppendID atomically increments the per-file counter and returns the
// new numeric value (external "aN" form is FormatAppendID(n)). It must run
// inside tx (the same transaction that goes on to insert the append row)
// so the increment and its consumer observe the same snapshot.
//
// The counter never decreases or reuses a value, even across a rollback of
// the surrounding transaction: once next_value advances, it stays advanced.
// Only the append row insertion is undone on rollback, so gaps in the
// sequence are possible and expected; they never indicate data loss.
func NextAppendID(ctx context.Context, tx *sqlx.Tx, fileID string) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO append_counters (file_id, next_value) VALUES ($1, 0)
		ON CONFLICT (file_id) DO NOTHING`, fileID)
	if err != nil {
		return 0, apperrors.DatabaseError("prime append counter", err)
	}

	var next int64
	err = tx.GetContext(ctx, &next, `
		UPDATE append_counters SET next_value = next_value + 1
		WHERE file_id = $1
		RETURNING next_value`, fileID)
	if err != nil {
		return 0, apperrors.DatabaseError("allocate append id", err)
	}
	return next, nil
}
