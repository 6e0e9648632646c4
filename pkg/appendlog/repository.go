package appendlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// contentPreviewMaxRunes bounds the append log's retained preview of a
// content body; the body itself is never persisted, only this preview and
// its hash (see Insert).
const contentPreviewMaxRunes = 280

// derivePreview truncates content to its log-safe preview and returns a
// hex-encoded sha256 of the full body so callers can verify a response's
// content against what was actually submitted.
func derivePreview(content string) (preview, hash string) {
	if content == "" {
		return "", ""
	}
	r := []rune(content)
	if len(r) > contentPreviewMaxRunes {
		preview = string(r[:contentPreviewMaxRunes])
	} else {
		preview = content
	}
	sum := sha256.Sum256([]byte(content))
	return preview, hex.EncodeToString(sum[:])
}

// Repository backs the state machine and claim protocol with sqlx queries
// against the appends/append_counters tables. All mutating methods except
// the sweeper's ExpireStaleClaims take a *sqlx.Tx so callers control
// transaction boundaries (the claim path and the batch executor each need
// exactly one transaction per request).
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Begin opens a transaction at the database's default isolation level. The
// claim path does not use it: ClaimService opens its own SERIALIZABLE
// transaction.
func (r *Repository) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.DatabaseError("begin transaction", err)
	}
	return tx, nil
}

type appendRow struct {
	ID             string         `db:"id"`
	FileID         string         `db:"file_id"`
	AppendID       int64          `db:"append_id"`
	Author         string         `db:"author"`
	Type           string         `db:"type"`
	Ref            sql.NullInt64  `db:"ref"`
	Status         sql.NullString `db:"status"`
	Priority       sql.NullString `db:"priority"`
	Labels         pq.StringArray `db:"labels"`
	DueAt          sql.NullTime   `db:"due_at"`
	ExpiresAt      sql.NullTime   `db:"expires_at"`
	Value          []byte         `db:"value"`
	ContentPreview sql.NullString `db:"content_preview"`
	ContentHash    sql.NullString `db:"content_hash"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (row appendRow) toAppend() *Append {
	a := &Append{
		ID: row.ID, FileID: row.FileID, AppendID: row.AppendID, Author: row.Author,
		Type: row.Type, Status: row.Status.String, Priority: row.Priority.String,
		Labels: []string(row.Labels), ContentPreview: row.ContentPreview.String,
		ContentHash: row.ContentHash.String, CreatedAt: row.CreatedAt,
	}
	if row.Ref.Valid {
		a.Ref = row.Ref.Int64
		a.HasRef = true
	}
	if row.DueAt.Valid {
		t := row.DueAt.Time
		a.DueAt = &t
	}
	if row.ExpiresAt.Valid {
		t := row.ExpiresAt.Time
		a.ExpiresAt = &t
	}
	if len(row.Value) > 0 {
		var v string
		if json.Unmarshal(row.Value, &v) == nil {
			a.Value = v
		}
	}
	return a
}

// Insert writes a new append row and returns it with its server-generated
// id and created-at timestamp filled in. a.AppendID must already be
// allocated (see NextAppendID).
func (r *Repository) Insert(ctx context.Context, tx *sqlx.Tx, a *Append) (*Append, error) {
	var ref interface{}
	if a.HasRef {
		ref = a.Ref
	}
	if a.ContentPreview == "" && a.Content != "" {
		a.ContentPreview, a.ContentHash = derivePreview(a.Content)
	}
	var valueJSON []byte
	if a.Value != "" {
		b, err := json.Marshal(a.Value)
		if err != nil {
			return nil, apperrors.Wrapf(err, "encode append value")
		}
		valueJSON = b
	}

	row := struct {
		ID        string    `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}{}
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO appends (
			file_id, append_id, author, type, ref, status, priority, labels,
			due_at, expires_at, value, content_preview, content_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id, created_at`,
		a.FileID, a.AppendID, a.Author, a.Type, ref, nullableString(a.Status), nullableString(a.Priority),
		pq.StringArray(a.Labels), a.DueAt, a.ExpiresAt, valueJSON, nullableString(a.ContentPreview),
		nullableString(a.ContentHash),
	).Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		return nil, apperrors.DatabaseError("insert append", err)
	}
	a.ID = row.ID
	a.CreatedAt = row.CreatedAt
	return a, nil
}

// GetByAppendID loads the append with the given file-scoped numeric id, or
// nil if absent.
func (r *Repository) GetByAppendID(ctx context.Context, tx *sqlx.Tx, fileID string, appendID int64) (*Append, error) {
	var row appendRow
	const q = `
		SELECT id, file_id, append_id, author, type, ref, status, priority, labels,
		       due_at, expires_at, value, content_preview, content_hash, created_at
		FROM appends WHERE file_id = $1 AND append_id = $2`
	var err error
	if tx != nil {
		err = tx.GetContext(ctx, &row, q, fileID, appendID)
	} else {
		err = r.db.GetContext(ctx, &row, q, fileID, appendID)
	}
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get append by id", err)
	}
	return row.toAppend(), nil
}

// GetByAppendIDForUpdate loads and row-locks the referenced append, the
// Postgres realization of the claim path's BEGIN IMMEDIATE precondition.
func (r *Repository) GetByAppendIDForUpdate(ctx context.Context, tx *sqlx.Tx, fileID string, appendID int64) (*Append, error) {
	var row appendRow
	err := tx.GetContext(ctx, &row, `
		SELECT id, file_id, append_id, author, type, ref, status, priority, labels,
		       due_at, expires_at, value, content_preview, content_hash, created_at
		FROM appends WHERE file_id = $1 AND append_id = $2 FOR UPDATE`, fileID, appendID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get append by id for update", err)
	}
	return row.toAppend(), nil
}

// FindActiveClaim returns the active, unexpired claim on the given task
// append, or nil if none exists. Issued under the same row lock as the
// task load when called from the claim path.
func (r *Repository) FindActiveClaim(ctx context.Context, tx *sqlx.Tx, fileID string, taskRef int64, now time.Time) (*Append, error) {
	var row appendRow
	err := tx.GetContext(ctx, &row, `
		SELECT id, file_id, append_id, author, type, ref, status, priority, labels,
		       due_at, expires_at, value, content_preview, content_hash, created_at
		FROM appends
		WHERE file_id = $1 AND ref = $2 AND type = $3 AND status = $4 AND expires_at > $5
		ORDER BY created_at DESC LIMIT 1`,
		fileID, taskRef, TypeClaim, StatusActive, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.DatabaseError("find active claim", err)
	}
	return row.toAppend(), nil
}

// UpdateClaimExpiry extends an existing claim's expiry (renewal-by-reclaim
// and explicit renew both go through this).
func (r *Repository) UpdateClaimExpiry(ctx context.Context, tx *sqlx.Tx, appendID string, expiresAt time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE appends SET expires_at = $2 WHERE id = $1`, appendID, expiresAt)
	if err != nil {
		return apperrors.DatabaseError("update claim expiry", err)
	}
	return nil
}

// UpdateStatus sets an append's status (claim cancel/complete, task
// open/done transitions).
func (r *Repository) UpdateStatus(ctx context.Context, tx *sqlx.Tx, appendID string, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE appends SET status = $2 WHERE id = $1`, appendID, status)
	if err != nil {
		return apperrors.DatabaseError("update append status", err)
	}
	return nil
}

// UpdateStatusByAppendID sets status for the append identified by its
// file-scoped numeric id (used when the only handle available is a ref).
func (r *Repository) UpdateStatusByAppendID(ctx context.Context, tx *sqlx.Tx, fileID string, appendID int64, status string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE appends SET status = $3 WHERE file_id = $1 AND append_id = $2`, fileID, appendID, status)
	if err != nil {
		return apperrors.DatabaseError("update append status by append id", err)
	}
	return nil
}

// CompleteActiveClaimsOnRef marks every active claim on ref as completed
// (the response handler's permissive release).
func (r *Repository) CompleteActiveClaimsOnRef(ctx context.Context, tx *sqlx.Tx, fileID string, ref int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE appends SET status = $4
		WHERE file_id = $1 AND ref = $2 AND type = $3 AND status = $5`,
		fileID, ref, TypeClaim, StatusCompleted, StatusActive)
	if err != nil {
		return apperrors.DatabaseError("complete active claims on ref", err)
	}
	return nil
}

// ListByFile returns every append on fileID in allocation order, the full
// log the read endpoint (`GET /r/:key/*path`) renders.
func (r *Repository) ListByFile(ctx context.Context, fileID string) ([]*Append, error) {
	var rows []appendRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, file_id, append_id, author, type, ref, status, priority, labels,
		       due_at, expires_at, value, content_preview, content_hash, created_at
		FROM appends WHERE file_id = $1 ORDER BY append_id ASC`, fileID)
	if err != nil {
		return nil, apperrors.DatabaseError("list appends by file", err)
	}
	appends := make([]*Append, len(rows))
	for i, row := range rows {
		appends[i] = row.toAppend()
	}
	return appends, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
