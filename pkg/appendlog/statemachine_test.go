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

var _ = Describe("Handler", func() {
	var (
		mockDB *sql.DB
		mock   sqlmock.Sqlmock
		db     *sqlx.DB
		repo   *Repository
		clk    *clock.Fake
		h      *Handler
		ctx    context.Context
		tx     *sqlx.Tx
		now    time.Time
	)

	BeforeEach(func() {
		var err error
		mockDB, mock, err = sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		db = sqlx.NewDb(mockDB, "sqlmock")
		repo = NewRepository(db)
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		clk = clock.NewFake(now)
		h = NewHandler(repo, clk)
		ctx = context.Background()

		mock.ExpectBegin()
		tx, err = db.Beginx()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		mockDB.Close()
	})

	expectCounterAndInsert := func(fileID string, nextValue int64, createdID string) {
		mock.ExpectExec(`INSERT INTO append_counters`).WithArgs(fileID).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`UPDATE append_counters SET next_value = next_value \+ 1`).
			WithArgs(fileID).WillReturnRows(sqlmock.NewRows([]string{"next_value"}).AddRow(nextValue))
		mock.ExpectQuery(`INSERT INTO appends`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(createdID, now))
	}

	Describe("task", func() {
		It("inserts an open task", func() {
			expectCounterAndInsert("file-1", 1, "row-1")

			a, patch, err := h.Handle(ctx, tx, "file-1", Request{Author: "a1", Type: TypeTask, Content: "do thing"})
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Status).To(Equal(StatusOpen))
			Expect(patch.ID).To(Equal("a1"))
			Expect(patch.Status).To(Equal(StatusOpen))
		})
	})

	Describe("answer", func() {
		It("rejects a ref that is not a blocked append", func() {
			mock.ExpectQuery(`SELECT (.+) FROM appends WHERE file_id = \$1 AND append_id = \$2`).
				WithArgs("file-1", int64(1)).
				WillReturnRows(sqlmock.NewRows([]string{
					"id", "file_id", "append_id", "author", "type", "ref", "status", "priority",
					"labels", "due_at", "expires_at", "value", "content_preview", "content_hash", "created_at",
				}).AddRow("row-1", "file-1", 1, "a1", TypeTask, nil, StatusOpen, nil, nil, nil, nil, nil, nil, nil, now))

			_, _, err := h.Handle(ctx, tx, "file-1", Request{Author: "a2", Type: TypeAnswer, Ref: "a1"})
			Expect(err).To(HaveOccurred())
			appErr, ok := apperrors.AsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(apperrors.CodeInvalidRef))
		})

		It("404s when the referenced append does not exist", func() {
			mock.ExpectQuery(`SELECT (.+) FROM appends WHERE file_id = \$1 AND append_id = \$2`).
				WithArgs("file-1", int64(9)).
				WillReturnError(sql.ErrNoRows)

			_, _, err := h.Handle(ctx, tx, "file-1", Request{Author: "a2", Type: TypeAnswer, Ref: "a9"})
			appErr, ok := apperrors.AsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(apperrors.CodeAppendNotFound))
		})
	})

	Describe("cancel", func() {
		It("rejects cancellation by a different author", func() {
			mock.ExpectQuery(`SELECT (.+) FROM appends WHERE file_id = \$1 AND append_id = \$2`).
				WithArgs("file-1", int64(2)).
				WillReturnRows(sqlmock.NewRows([]string{
					"id", "file_id", "append_id", "author", "type", "ref", "status", "priority",
					"labels", "due_at", "expires_at", "value", "content_preview", "content_hash", "created_at",
				}).AddRow("row-2", "file-1", 2, "a2", TypeClaim, 1, StatusActive, nil, nil, nil, nil, nil, nil, nil, now))

			_, _, err := h.Handle(ctx, tx, "file-1", Request{Author: "a3", Type: TypeCancel, Ref: "a2"})
			appErr, ok := apperrors.AsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(apperrors.CodeCannotCancelOthersClaim))
		})

		It("reopens the referenced task and inserts the cancel append", func() {
			mock.ExpectQuery(`SELECT (.+) FROM appends WHERE file_id = \$1 AND append_id = \$2`).
				WithArgs("file-1", int64(2)).
				WillReturnRows(sqlmock.NewRows([]string{
					"id", "file_id", "append_id", "author", "type", "ref", "status", "priority",
					"labels", "due_at", "expires_at", "value", "content_preview", "content_hash", "created_at",
				}).AddRow("row-2", "file-1", 2, "a2", TypeClaim, 1, StatusActive, nil, nil, nil, nil, nil, nil, nil, now))
			mock.ExpectExec(`UPDATE appends SET status = \$2 WHERE id = \$1`).
				WithArgs("row-2", StatusCancelled).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`UPDATE appends SET status = \$3 WHERE file_id = \$1 AND append_id = \$2`).
				WithArgs("file-1", int64(1), StatusOpen).WillReturnResult(sqlmock.NewResult(0, 1))
			expectCounterAndInsert("file-1", 3, "row-3")

			_, patch, err := h.Handle(ctx, tx, "file-1", Request{Author: "a2", Type: TypeCancel, Ref: "a2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(patch.TaskStatus).To(Equal(StatusOpen))
		})
	})

	Describe("response", func() {
		It("completes active claims on ref and marks the task done, permissively", func() {
			mock.ExpectExec(`UPDATE appends SET status = \$4`).
				WithArgs("file-1", int64(1), TypeClaim, StatusCompleted, StatusActive).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`UPDATE appends SET status = \$3 WHERE file_id = \$1 AND append_id = \$2`).
				WithArgs("file-1", int64(1), StatusDone).WillReturnResult(sqlmock.NewResult(0, 1))
			expectCounterAndInsert("file-1", 4, "row-4")

			_, patch, err := h.Handle(ctx, tx, "file-1", Request{Author: "a2", Type: TypeResponse, Ref: "a1", Content: "done"})
			Expect(err).NotTo(HaveOccurred())
			Expect(patch.TaskStatus).To(Equal(StatusDone))
		})
	})

	Describe("unknown type", func() {
		It("is admitted as a passthrough append with no state effect", func() {
			expectCounterAndInsert("file-1", 5, "row-5")

			a, _, err := h.Handle(ctx, tx, "file-1", Request{Author: "a1", Type: "custom-marker"})
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Type).To(Equal("custom-marker"))
		})
	})
})
