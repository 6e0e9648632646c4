package capability

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// Store looks up capability keys by salted hash. It has no side effects
// and must answer in O(1) w.r.t. the number of keys (the salted_hash
// column carries a unique index — see internal/database/migrations).
type Store struct {
	db *sqlx.DB
}

// NewStore wraps db for capability-key lookups.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type keyRow struct {
	ID           string         `db:"id"`
	WorkspaceID  string         `db:"workspace_id"`
	SaltedHash   string         `db:"salted_hash"`
	Permission   string         `db:"permission"`
	ScopeType    string         `db:"scope_type"`
	ScopePath    string         `db:"scope_path"`
	BoundAuthor  sql.NullString `db:"bound_author"`
	AllowedTypes pq.StringArray `db:"allowed_types"`
	WIPLimit     sql.NullInt32  `db:"wip_limit"`
	ExpiresAt    sql.NullTime   `db:"expires_at"`
	RevokedAt    sql.NullTime   `db:"revoked_at"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (r keyRow) toKey() *Key {
	k := &Key{
		ID:           r.ID,
		WorkspaceID:  r.WorkspaceID,
		SaltedHash:   r.SaltedHash,
		Permission:   Permission(r.Permission),
		ScopeType:    ScopeType(r.ScopeType),
		ScopePath:    r.ScopePath,
		AllowedTypes: []string(r.AllowedTypes),
		CreatedAt:    r.CreatedAt,
	}
	if r.BoundAuthor.Valid {
		k.BoundAuthor = r.BoundAuthor.String
	}
	if r.WIPLimit.Valid {
		k.WIPLimit = int(r.WIPLimit.Int32)
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		k.ExpiresAt = &t
	}
	if r.RevokedAt.Valid {
		t := r.RevokedAt.Time
		k.RevokedAt = &t
	}
	return k
}

// Lookup fetches the key record matching saltedHash, or nil if none exists.
func (s *Store) Lookup(ctx context.Context, saltedHash string) (*Key, error) {
	var row keyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, workspace_id, salted_hash, permission, scope_type, scope_path,
		       bound_author, allowed_types, wip_limit, expires_at, revoked_at, created_at
		FROM capability_keys
		WHERE salted_hash = $1`, saltedHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.DatabaseError("lookup capability key", err)
	}
	return row.toKey(), nil
}

// CountActiveClaims counts the author's active, unexpired claims across the
// workspace, used for the advisory WIP-limit precheck on claims.
func (s *Store) CountActiveClaims(ctx context.Context, workspaceID, author string, now time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT count(*)
		FROM appends a
		JOIN files f ON f.id = a.file_id
		WHERE f.workspace_id = $1
		  AND a.author = $2
		  AND a.type = 'claim'
		  AND a.status = 'active'
		  AND a.expires_at > $3`, workspaceID, author, now)
	if err != nil {
		return 0, apperrors.DatabaseError("count active claims", err)
	}
	return count, nil
}

// Revoke marks a capability key revoked as of now.
func (s *Store) Revoke(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE capability_keys SET revoked_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return apperrors.DatabaseError("revoke capability key", err)
	}
	return nil
}
