// Package workspace provides the tenant/file store the append log is
// attached to. File lifecycle (create/soft-delete) is explicitly
// out-of-core per the design notes, but its persistence is required for
// the core to have something to append against.
package workspace

import "time"

// Workspace is a tenant root.
type Workspace struct {
	ID        string
	Name      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// File belongs to exactly one Workspace at a normalized path. At most one
// non-deleted File may exist per (WorkspaceID, Path).
type File struct {
	ID          string
	WorkspaceID string
	Path        string
	Content     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Deleted reports whether the file has been soft-deleted.
func (f *File) Deleted() bool {
	return f.DeletedAt != nil
}
