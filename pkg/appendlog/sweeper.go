package appendlog

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/coldtrail/taskboard/pkg/clock"
	"github.com/coldtrail/taskboard/pkg/events"
	"github.com/coldtrail/taskboard/pkg/metrics"
	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// ExpiredClaim is one claim the sweep pass flipped, joined with its file's
// workspace and path so an event can be composed without a second query.
type ExpiredClaim struct {
	ID          string        `db:"id"`
	AppendID    int64         `db:"append_id"`
	Author      string        `db:"author"`
	Ref         sql.NullInt64 `db:"ref"`
	FileID      string        `db:"file_id"`
	WorkspaceID string        `db:"workspace_id"`
	FilePath    string        `db:"path"`
}

// ExpireStaleClaims flips every claim still marked active whose expiry has
// passed to expired, returning the flipped rows. Correctness never depends
// on this running: claim-protocol readers filter on expires_at > now, so an
// unswept stale claim is already invisible to them.
func (r *Repository) ExpireStaleClaims(ctx context.Context, now time.Time) ([]ExpiredClaim, error) {
	var rows []ExpiredClaim
	err := r.db.SelectContext(ctx, &rows, `
		UPDATE appends a SET status = $1
		FROM files f
		WHERE a.file_id = f.id AND a.type = $2 AND a.status = $3 AND a.expires_at <= $4
		RETURNING a.id, a.append_id, a.author, a.ref, a.file_id, f.workspace_id, f.path`,
		StatusExpired, TypeClaim, StatusActive, now)
	if err != nil {
		return nil, apperrors.DatabaseError("expire stale claims", err)
	}
	return rows, nil
}

// CountAllActiveClaims counts the active, unexpired claims across every
// workspace, feeding the active-claims gauge.
func (r *Repository) CountAllActiveClaims(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM appends WHERE type = $1 AND status = $2 AND expires_at > $3`,
		TypeClaim, StatusActive, now)
	if err != nil {
		return 0, apperrors.DatabaseError("count active claims", err)
	}
	return n, nil
}

// EventSink receives the claim.expired events a sweep produces; satisfied by
// *events.Bus.
type EventSink interface {
	Emit(ev events.Event) []error
}

// Sweeper periodically marks stale active claims as expired and announces
// each one as a claim.expired event. It is an optional background process:
// claim correctness holds without it, it only makes expiry visible to
// listeners and keeps the status column honest for readers that don't
// filter by expiry.
type Sweeper struct {
	repo     *Repository
	sink     EventSink
	clk      clock.Clock
	log      *zap.Logger
	interval time.Duration
}

func NewSweeper(repo *Repository, sink EventSink, clk clock.Clock, log *zap.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{repo: repo, sink: sink, clk: clk, log: log, interval: interval}
}

// Run sweeps on the configured interval until ctx is cancelled. A failed
// pass is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.log.Warn("claim sweep failed", zap.Error(err))
			} else if n > 0 {
				s.log.Info("claim sweep expired claims", zap.Int("count", n))
			}
		}
	}
}

// SweepOnce runs a single pass: flip stale claims, emit claim.expired for
// each, and refresh the active-claims gauge. Returns how many claims were
// expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clk.Now()

	expired, err := s.repo.ExpireStaleClaims(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, c := range expired {
		data := map[string]interface{}{
			"appendId": FormatAppendID(c.AppendID),
			"author":   c.Author,
		}
		if c.Ref.Valid {
			data["ref"] = FormatAppendID(c.Ref.Int64)
		}
		s.sink.Emit(events.Event{
			WorkspaceID: c.WorkspaceID,
			FilePath:    c.FilePath,
			Type:        events.ClaimExpired,
			Data:        data,
			Timestamp:   now,
		})
	}

	count, err := s.repo.CountAllActiveClaims(ctx, now)
	if err != nil {
		return len(expired), err
	}
	metrics.SetActiveClaims(float64(count))

	return len(expired), nil
}
