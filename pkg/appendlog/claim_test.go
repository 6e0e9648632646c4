package appendlog

import (
	"context"
	"database/sql"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/coldtrail/taskboard/pkg/clock"
	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

type fakeLimiter struct {
	count int
	err   error
}

func (f *fakeLimiter) CountActiveClaims(ctx context.Context, workspaceID, author string, now time.Time) (int, error) {
	return f.count, f.err
}

var _ = Describe("ClaimService", func() {
	var (
		mockDB  *sql.DB
		mock    sqlmock.Sqlmock
		db      *sqlx.DB
		repo    *Repository
		clk     *clock.Fake
		limiter *fakeLimiter
		svc     *ClaimService
		ctx     context.Context
		now     time.Time
	)

	taskCols := []string{
		"id", "file_id", "append_id", "author", "type", "ref", "status", "priority",
		"labels", "due_at", "expires_at", "value", "content_preview", "content_hash", "created_at",
	}

	BeforeEach(func() {
		var err error
		mockDB, mock, err = sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		db = sqlx.NewDb(mockDB, "sqlmock")
		repo = NewRepository(db)
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		clk = clock.NewFake(now)
		limiter = &fakeLimiter{}
		svc = NewClaimService(db, repo, limiter, clk)
		ctx = context.Background()
	})

	AfterEach(func() {
		mockDB.Close()
	})

	It("fails fast on WIP limit before opening a transaction", func() {
		limiter.count = 3
		_, err := svc.Claim(ctx, "ws-1", "file-1", "a1", 1, 0, 3)
		appErr, ok := apperrors.AsAppError(err)
		Expect(ok).To(BeTrue())
		Expect(appErr.Code).To(Equal(apperrors.CodeWIPLimitExceeded))
		Expect(appErr.Details["currentCount"]).To(Equal(3))
	})

	It("claims an open task with no existing claim", func() {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT (.+) FROM appends WHERE file_id = \$1 AND append_id = \$2 FOR UPDATE`).
			WithArgs("file-1", int64(1)).
			WillReturnRows(sqlmock.NewRows(taskCols).
				AddRow("row-1", "file-1", 1, "owner", TypeTask, nil, StatusOpen, nil, nil, nil, nil, nil, nil, nil, now))
		mock.ExpectQuery(`FROM appends\s+WHERE file_id = \$1 AND ref = \$2 AND type = \$3 AND status = \$4 AND expires_at > \$5`).
			WithArgs("file-1", int64(1), TypeClaim, StatusActive, now).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec(`INSERT INTO append_counters`).WithArgs("file-1").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`UPDATE append_counters SET next_value = next_value \+ 1`).
			WithArgs("file-1").WillReturnRows(sqlmock.NewRows([]string{"next_value"}).AddRow(2))
		mock.ExpectQuery(`INSERT INTO appends`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("row-2", now))
		mock.ExpectCommit()

		result, err := svc.Claim(ctx, "ws-1", "file-1", "a2", 1, 1800, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Renewed).To(BeFalse())
		Expect(result.ExpiresAt).To(Equal(now.Add(1800 * time.Second)))
	})

	It("rejects a claim on an already-complete task", func() {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT (.+) FROM appends WHERE file_id = \$1 AND append_id = \$2 FOR UPDATE`).
			WithArgs("file-1", int64(1)).
			WillReturnRows(sqlmock.NewRows(taskCols).
				AddRow("row-1", "file-1", 1, "owner", TypeTask, nil, StatusDone, nil, nil, nil, nil, nil, nil, nil, now))
		mock.ExpectRollback()

		_, err := svc.Claim(ctx, "ws-1", "file-1", "a2", 1, 1800, 0)
		appErr, ok := apperrors.AsAppError(err)
		Expect(ok).To(BeTrue())
		Expect(appErr.Code).To(Equal(apperrors.CodeTaskAlreadyComplete))
	})

	It("rejects a claim by a different author while one is active", func() {
		expiresAt := now.Add(time.Hour)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT (.+) FROM appends WHERE file_id = \$1 AND append_id = \$2 FOR UPDATE`).
			WithArgs("file-1", int64(1)).
			WillReturnRows(sqlmock.NewRows(taskCols).
				AddRow("row-1", "file-1", 1, "owner", TypeTask, nil, StatusOpen, nil, nil, nil, nil, nil, nil, nil, now))
		mock.ExpectQuery(`FROM appends\s+WHERE file_id = \$1 AND ref = \$2 AND type = \$3 AND status = \$4 AND expires_at > \$5`).
			WithArgs("file-1", int64(1), TypeClaim, StatusActive, now).
			WillReturnRows(sqlmock.NewRows(taskCols).
				AddRow("row-c", "file-1", 2, "a2", TypeClaim, 1, StatusActive, nil, nil, nil, expiresAt, nil, nil, nil, now))
		mock.ExpectRollback()

		_, err := svc.Claim(ctx, "ws-1", "file-1", "a3", 1, 1800, 0)
		appErr, ok := apperrors.AsAppError(err)
		Expect(ok).To(BeTrue())
		Expect(appErr.Code).To(Equal(apperrors.CodeAlreadyClaimed))
		Expect(appErr.Details["claimedBy"]).To(Equal("a2"))
	})

	It("treats a same-author re-claim as a renewal with no new row", func() {
		expiresAt := now.Add(time.Hour)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT (.+) FROM appends WHERE file_id = \$1 AND append_id = \$2 FOR UPDATE`).
			WithArgs("file-1", int64(1)).
			WillReturnRows(sqlmock.NewRows(taskCols).
				AddRow("row-1", "file-1", 1, "owner", TypeTask, nil, StatusOpen, nil, nil, nil, nil, nil, nil, nil, now))
		mock.ExpectQuery(`FROM appends\s+WHERE file_id = \$1 AND ref = \$2 AND type = \$3 AND status = \$4 AND expires_at > \$5`).
			WithArgs("file-1", int64(1), TypeClaim, StatusActive, now).
			WillReturnRows(sqlmock.NewRows(taskCols).
				AddRow("row-c", "file-1", 2, "a2", TypeClaim, 1, StatusActive, nil, nil, nil, expiresAt, nil, nil, nil, now))
		mock.ExpectExec(`UPDATE appends SET expires_at = \$2 WHERE id = \$1`).
			WithArgs("row-c", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := svc.Claim(ctx, "ws-1", "file-1", "a2", 1, 600, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Renewed).To(BeTrue())
		Expect(result.Append.ID).To(Equal("row-c"))
		// renewal never shortens the window below the existing expiry
		Expect(result.ExpiresAt.After(expiresAt)).To(BeTrue())
	})
})
