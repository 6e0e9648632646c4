// Package webhook fans append-log events out to registered HTTP targets:
// subscription persistence (this file) and the event-bus-driven dispatcher
// (dispatcher.go) that delivers to them.
package webhook

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/coldtrail/taskboard/pkg/capability"
	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// Subscription binds a URL to a scope within a workspace. EventTypes, when
// non-empty, restricts delivery to matching event types; empty means all.
type Subscription struct {
	ID          string
	WorkspaceID string
	ScopeType   capability.ScopeType
	ScopePath   string
	URL         string
	Secret      string
	EventTypes  []string
	CreatedAt   time.Time
	DisabledAt  *time.Time
}

// Disabled reports whether this subscription has been turned off.
func (s *Subscription) Disabled() bool {
	return s.DisabledAt != nil
}

// matchesEventType reports whether t should be delivered to this
// subscription, per its EventTypes allowlist (empty allowlist admits all).
func (s *Subscription) matchesEventType(t string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, allowed := range s.EventTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions and answers the dispatcher's
// scope-filtered lookup.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type subscriptionRow struct {
	ID          string         `db:"id"`
	WorkspaceID string         `db:"workspace_id"`
	ScopeType   string         `db:"scope_type"`
	ScopePath   string         `db:"scope_path"`
	URL         string         `db:"url"`
	Secret      string         `db:"secret"`
	EventTypes  pq.StringArray `db:"event_types"`
	CreatedAt   time.Time      `db:"created_at"`
	DisabledAt  sql.NullTime   `db:"disabled_at"`
}

func (r subscriptionRow) toSubscription() *Subscription {
	s := &Subscription{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		ScopeType:   capability.ScopeType(r.ScopeType),
		ScopePath:   r.ScopePath,
		URL:         r.URL,
		Secret:      r.Secret,
		EventTypes:  []string(r.EventTypes),
		CreatedAt:   r.CreatedAt,
	}
	if r.DisabledAt.Valid {
		t := r.DisabledAt.Time
		s.DisabledAt = &t
	}
	return s
}

// Create registers a new subscription.
func (s *Store) Create(ctx context.Context, sub Subscription, now time.Time) (*Subscription, error) {
	var row subscriptionRow
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO webhook_subscriptions (workspace_id, scope_type, scope_path, url, secret, event_types, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, workspace_id, scope_type, scope_path, url, secret, event_types, created_at, disabled_at`,
		sub.WorkspaceID, string(sub.ScopeType), sub.ScopePath, sub.URL, sub.Secret, pq.StringArray(sub.EventTypes), now,
	).StructScan(&row)
	if err != nil {
		return nil, apperrors.DatabaseError("create webhook subscription", err)
	}
	return row.toSubscription(), nil
}

// ListActiveForWorkspace returns every non-disabled subscription in
// workspaceID. Scope filtering against a specific path is done in-process
// by the dispatcher via capability.ScopeContains, since it is the same
// containment rule already used for capability-key authorization.
func (s *Store) ListActiveForWorkspace(ctx context.Context, workspaceID string) ([]*Subscription, error) {
	var rows []subscriptionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, workspace_id, scope_type, scope_path, url, secret, event_types, created_at, disabled_at
		FROM webhook_subscriptions
		WHERE workspace_id = $1 AND disabled_at IS NULL`, workspaceID)
	if err != nil {
		return nil, apperrors.DatabaseError("list webhook subscriptions", err)
	}
	subs := make([]*Subscription, 0, len(rows))
	for _, r := range rows {
		subs = append(subs, r.toSubscription())
	}
	return subs, nil
}

// Disable turns off a subscription as of now; deliveries stop immediately.
func (s *Store) Disable(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE webhook_subscriptions SET disabled_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return apperrors.DatabaseError("disable webhook subscription", err)
	}
	return nil
}
