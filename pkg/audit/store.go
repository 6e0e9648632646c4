// Package audit buffers audit events in memory and flushes them to Postgres
// in batches: audit writes must never block the request that produced them,
// and the database being briefly unavailable must not lose the request's
// result, only (bounded) audit history.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/coldtrail/taskboard/pkg/clock"
	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
	"github.com/coldtrail/taskboard/pkg/shared/logging"
)

// Store buffers Events in a bounded channel and flushes them on a timer or
// when batchSize events have accumulated, whichever comes first.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
	clock  clock.Clock

	events           chan Event
	flushInterval    time.Duration
	batchSize        int
	done             chan struct{}
	stopped          chan struct{}
}

// NewStore starts the background flush loop and returns a Store. Call
// Close to drain and stop it.
func NewStore(db *sqlx.DB, logger *zap.Logger, clk clock.Clock, bufferSize, batchSize int, flushInterval time.Duration) *Store {
	s := &Store{
		db:            db,
		logger:        logger,
		clock:         clk,
		events:        make(chan Event, bufferSize),
		flushInterval: flushInterval,
		batchSize:     batchSize,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues an event without blocking. If the buffer is full, the
// event is dropped and a warning is logged — audit history degrades before
// the service does.
func (s *Store) Record(ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.clock.Now()
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("audit buffer full, dropping event",
			logging.NewFields().Component("audit").Custom("action", ev.Action).Custom("workspace_id", ev.WorkspaceID).ToZap()...)
	}
}

// Close stops the flush loop after draining whatever is currently buffered.
func (s *Store) Close() {
	close(s.done)
	<-s.stopped
}

func (s *Store) run() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, s.batchSize)
	for {
		select {
		case ev := <-s.events:
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			s.drain(&batch)
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Store) drain(batch *[]Event) {
	for {
		select {
		case ev := <-s.events:
			*batch = append(*batch, ev)
		default:
			return
		}
	}
}

func (s *Store) flush(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.Error("audit flush: begin transaction", zap.Error(err))
		return
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO audit_events (workspace_id, action, resource_type, resource_id, actor, actor_type, metadata, created_at)
		VALUES (:workspace_id, :action, :resource_type, :resource_id, :actor, :actor_type, :metadata, :created_at)`

	for _, ev := range batch {
		row := auditRow{
			WorkspaceID:  ev.WorkspaceID,
			Action:       ev.Action,
			ResourceType: ev.ResourceType,
			ResourceID:   ev.ResourceID,
			Actor:        ev.Actor,
			ActorType:    ev.ActorType,
			Metadata:     encodeMetadata(ev.Metadata),
			CreatedAt:    ev.CreatedAt,
		}
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			s.logger.Error("audit flush: insert event",
				zap.Error(apperrors.DatabaseError("insert audit event", err)))
			return
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("audit flush: commit", zap.Error(err))
	}
}

func encodeMetadata(metadata map[string]interface{}) []byte {
	if len(metadata) == 0 {
		return []byte("{}")
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return []byte("{}")
	}
	return data
}

type auditRow struct {
	WorkspaceID  string    `db:"workspace_id"`
	Action       string    `db:"action"`
	ResourceType string    `db:"resource_type"`
	ResourceID   string    `db:"resource_id"`
	Actor        string    `db:"actor"`
	ActorType    string    `db:"actor_type"`
	Metadata     []byte    `db:"metadata"`
	CreatedAt    time.Time `db:"created_at"`
}
