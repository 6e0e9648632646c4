package audit

import "time"

// Event is a single fire-and-forget audit record. Recording one never
// affects the outcome of the request that produced it.
type Event struct {
	ID           string                 `db:"id"`
	WorkspaceID  string                 `db:"workspace_id"`
	Action       string                 `db:"action"`
	ResourceType string                 `db:"resource_type"`
	ResourceID   string                 `db:"resource_id"`
	Actor        string                 `db:"actor"`
	ActorType    string                 `db:"actor_type"`
	Metadata     map[string]interface{} `db:"-"`
	CreatedAt    time.Time              `db:"created_at"`
}
