package api

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coldtrail/taskboard/pkg/appendlog"
	"github.com/coldtrail/taskboard/pkg/audit"
	"github.com/coldtrail/taskboard/pkg/capability"
	"github.com/coldtrail/taskboard/pkg/clock"
	"github.com/coldtrail/taskboard/pkg/events"
	"github.com/coldtrail/taskboard/pkg/workspace"
)

// CapabilityLookup answers a salted-hash capability lookup; satisfied by
// *capability.Store and *capability.CachedStore.
type CapabilityLookup interface {
	Lookup(ctx context.Context, saltedHash string) (*capability.Key, error)
}

// FileStore is the file-lifecycle surface the dispatcher and the minimal
// PUT/DELETE/GET stubs need; satisfied by *workspace.Repository.
type FileStore interface {
	GetFileByPath(ctx context.Context, workspaceID, path string) (*workspace.File, error)
	GetFileByPathAny(ctx context.Context, workspaceID, path string) (*workspace.File, error)
	CreateFile(ctx context.Context, workspaceID, path, content string, now time.Time) (*workspace.File, error)
	UpdateContent(ctx context.Context, fileID, content string, now time.Time) error
	SoftDeleteFile(ctx context.Context, fileID string, now time.Time) error
}

// AppendLister answers the read endpoint's full-log view; satisfied by
// *appendlog.Repository.
type AppendLister interface {
	ListByFile(ctx context.Context, fileID string) ([]*appendlog.Append, error)
}

// IdempotencyBroker is the subset of *appendlog.Broker the dispatcher drives.
type IdempotencyBroker interface {
	Claim(ctx context.Context, capabilityKeyID, token string) (appendlog.Outcome, *appendlog.CachedResult, error)
	WaitForResult(ctx context.Context, capabilityKeyID, token string, timeout, poll time.Duration) (appendlog.Outcome, *appendlog.CachedResult, error)
	Finalize(ctx context.Context, capabilityKeyID, token string, status int, body []byte) error
	ClearPending(ctx context.Context, capabilityKeyID, token string) error
}

// BatchRunner executes a set of append requests as one transaction;
// satisfied by *appendlog.Executor.
type BatchRunner interface {
	Run(ctx context.Context, fileID string, items []appendlog.Request) ([]appendlog.Result, error)
}

// ClaimRunner executes the dedicated claim critical path; satisfied by
// *appendlog.ClaimService.
type ClaimRunner interface {
	Claim(ctx context.Context, workspaceID, fileID, author string, ref int64, expiresInSeconds, wipLimit int) (*appendlog.ClaimResult, error)
}

// AuditRecorder records a fire-and-forget audit event; satisfied by
// *audit.Store.
type AuditRecorder interface {
	Record(ev audit.Event)
}

// EventEmitter publishes an event to every interested listener (notably the
// webhook dispatcher); satisfied by *events.Bus.
type EventEmitter interface {
	Emit(ev events.Event) []error
}

// Handlers bundles every dependency the HTTP layer drives. Every field is a
// narrow consumer-side interface so handler logic is unit-testable against
// fakes without a database.
type Handlers struct {
	Capability CapabilityLookup
	Salt       string
	Files      FileStore
	Appends    AppendLister
	Broker     IdempotencyBroker
	Batch      BatchRunner
	Claims     ClaimRunner
	Audit      AuditRecorder
	Events     EventEmitter
	Clock      clock.Clock
	Logger     *zap.Logger

	// IdempotencyWaitTimeout/PollInterval bound how long a non-owner waits
	// on an in-flight owner before returning IDEMPOTENCY_CONFLICT.
	IdempotencyWaitTimeout  time.Duration
	IdempotencyPollInterval time.Duration

	// AppendMaxContentBytes bounds a single append's content field.
	AppendMaxContentBytes int
	// RequestBodyMaxBytes bounds the whole decoded JSON request body.
	RequestBodyMaxBytes int64
}

func (h *Handlers) clearPending(ctx context.Context, capabilityKeyID, token string) {
	if token == "" {
		return
	}
	if err := h.Broker.ClearPending(ctx, capabilityKeyID, token); err != nil {
		h.Logger.Warn("idempotency: failed to clear pending record after request failure", zap.Error(err))
	}
}
