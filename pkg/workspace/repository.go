package workspace

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// Repository persists workspaces and their files.
type Repository struct {
	db *sqlx.DB
}

// NewRepository wraps db for workspace/file persistence.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// CreateWorkspace inserts a new workspace.
func (r *Repository) CreateWorkspace(ctx context.Context, name string, now time.Time) (*Workspace, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO workspaces (name, created_at) VALUES ($1, $2) RETURNING id`, name, now)
	if err != nil {
		return nil, apperrors.DatabaseError("create workspace", err)
	}
	return &Workspace{ID: id, Name: name, CreatedAt: now}, nil
}

type fileRow struct {
	ID          string       `db:"id"`
	WorkspaceID string       `db:"workspace_id"`
	Path        string       `db:"path"`
	Content     string       `db:"content"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	DeletedAt   sql.NullTime `db:"deleted_at"`
}

func (r fileRow) toFile() *File {
	f := &File{
		ID: r.ID, WorkspaceID: r.WorkspaceID, Path: r.Path, Content: r.Content,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time
		f.DeletedAt = &t
	}
	return f
}

// CreateFile inserts a new, non-deleted file at path. Callers must ensure
// no live file already occupies (workspaceID, path); the unique index on
// files(workspace_id, path) WHERE deleted_at IS NULL is the backstop.
func (r *Repository) CreateFile(ctx context.Context, workspaceID, path, content string, now time.Time) (*File, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO files (workspace_id, path, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4) RETURNING id`, workspaceID, path, content, now)
	if err != nil {
		return nil, apperrors.DatabaseError("create file", err)
	}
	return &File{ID: id, WorkspaceID: workspaceID, Path: path, Content: content, CreatedAt: now, UpdatedAt: now}, nil
}

// GetFileByPath loads the live (non-deleted) file at (workspaceID, path),
// or nil if none exists.
func (r *Repository) GetFileByPath(ctx context.Context, workspaceID, path string) (*File, error) {
	var row fileRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, workspace_id, path, content, created_at, updated_at, deleted_at
		FROM files
		WHERE workspace_id = $1 AND path = $2 AND deleted_at IS NULL`, workspaceID, path)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get file by path", err)
	}
	return row.toFile(), nil
}

// GetFileByPathAny loads the file at (workspaceID, path) regardless of its
// deletion state, so callers can distinguish "never existed" (nil) from
// "existed but was soft-deleted" (File.Deleted() == true) — the difference
// between FILE_NOT_FOUND and FILE_DELETED at the transport edge.
func (r *Repository) GetFileByPathAny(ctx context.Context, workspaceID, path string) (*File, error) {
	var row fileRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, workspace_id, path, content, created_at, updated_at, deleted_at
		FROM files
		WHERE workspace_id = $1 AND path = $2
		ORDER BY deleted_at IS NULL DESC, created_at DESC
		LIMIT 1`, workspaceID, path)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get file by path (any state)", err)
	}
	return row.toFile(), nil
}

// GetFileByID loads a file regardless of deletion state.
func (r *Repository) GetFileByID(ctx context.Context, fileID string) (*File, error) {
	var row fileRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, workspace_id, path, content, created_at, updated_at, deleted_at
		FROM files WHERE id = $1`, fileID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get file by id", err)
	}
	return row.toFile(), nil
}

// SoftDeleteFile tombstones a file as of now; it and its appends are
// purged for good only by a separate retention sweep (outside core).
func (r *Repository) SoftDeleteFile(ctx context.Context, fileID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE files SET deleted_at = $2, updated_at = $2 WHERE id = $1`, fileID, now)
	if err != nil {
		return apperrors.DatabaseError("soft delete file", err)
	}
	return nil
}

// UpdateContent overwrites a live file's content (the PUT lifecycle path).
func (r *Repository) UpdateContent(ctx context.Context, fileID, content string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE files SET content = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`, fileID, content, now)
	if err != nil {
		return apperrors.DatabaseError("update file content", err)
	}
	return nil
}
