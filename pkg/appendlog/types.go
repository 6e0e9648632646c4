// Package appendlog implements the append-only task/coordination log:
// the typed state machine, the per-file append-id allocator, the claim
// protocol, the idempotency broker, and the batch executor tying them
// together.
package appendlog

import "time"

// Append types. The set is closed; anything outside it is rejected at
// the request-parsing layer before reaching the state machine.
const (
	TypeTask        = "task"
	TypeComment     = "comment"
	TypeBlocked     = "blocked"
	TypeAnswer      = "answer"
	TypeVote        = "vote"
	TypeClaim       = "claim"
	TypeResponse    = "response"
	TypeCancel      = "cancel"
	TypeRenew       = "renew"
	TypePassthrough = "passthrough"
)

// Status values used on task and claim appends.
const (
	StatusOpen      = "open"
	StatusDone      = "done"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

const (
	MinExpirySeconds     = 60
	MaxExpirySeconds     = 86400
	DefaultExpirySeconds = 1800
)

// Append is one row of the log. AppendID is the file-scoped numeric
// sequence value underlying the "aN" external representation (see
// FormatAppendID/ParseRef); ID is the globally unique row identifier.
type Append struct {
	ID             string
	FileID         string
	AppendID       int64
	Author         string
	Type           string
	Ref            int64
	HasRef         bool
	Status         string
	Priority       string
	Labels         []string
	DueAt          *time.Time
	ExpiresAt      *time.Time
	Value          string
	ContentPreview string
	Content        string
	ContentHash    string
	CreatedAt      time.Time
}

// ExternalID returns the "aN" presentation form of the append's id.
func (a *Append) ExternalID() string {
	return FormatAppendID(a.AppendID)
}

// Request is a single append submitted within a request (single or as
// one item of a batch).
type Request struct {
	Author           string
	Type             string
	Content          string
	Ref              string
	Priority         string
	Labels           []string
	DueAt            *time.Time
	Assigned         string
	Value            string
	ExpiresInSeconds int
}

// BatchRequest is the multi-append executor's input.
type BatchRequest struct {
	FileID         string
	Author         string
	Items          []Request
	IdempotencyKey string
}

// ResponsePatch is the per-item data merged into the response envelope's
// `data` object; field population depends on append type.
type ResponsePatch struct {
	ID               string
	Type             string
	Author           string
	Ref              string
	Status           string
	TaskStatus       string
	ExpiresAt        *time.Time
	ExpiresInSeconds int
	Value            string
	ClaimedBy        string
	RetryAfterMs     int64
	CreatedAt        time.Time
}
