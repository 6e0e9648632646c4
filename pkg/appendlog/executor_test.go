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

var _ = Describe("Preflight", func() {
	It("rejects a claim item missing ref", func() {
		err := Preflight([]Request{{Author: "a1", Type: TypeClaim}})
		Expect(err).To(HaveOccurred())
	})

	It("rejects a response item missing content", func() {
		err := Preflight([]Request{{Author: "a1", Type: TypeResponse, Ref: "a1"}})
		Expect(err).To(HaveOccurred())
	})

	It("admits a well-formed batch", func() {
		err := Preflight([]Request{
			{Author: "a1", Type: TypeTask, Content: "t"},
			{Author: "a1", Type: TypeComment, Content: "c"},
		})
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("Executor", func() {
	var (
		mockDB *sql.DB
		mock   sqlmock.Sqlmock
		db     *sqlx.DB
		repo   *Repository
		clk    *clock.Fake
		exec   *Executor
		ctx    context.Context
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
		exec = NewExecutor(db, NewHandler(repo, clk))
		ctx = context.Background()
	})

	AfterEach(func() {
		mockDB.Close()
	})

	It("commits all items in one transaction on success", func() {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO append_counters`).WithArgs("file-1").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`UPDATE append_counters SET next_value = next_value \+ 1`).
			WithArgs("file-1").WillReturnRows(sqlmock.NewRows([]string{"next_value"}).AddRow(1))
		mock.ExpectQuery(`INSERT INTO appends`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("row-1", now))
		mock.ExpectExec(`INSERT INTO append_counters`).WithArgs("file-1").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`UPDATE append_counters SET next_value = next_value \+ 1`).
			WithArgs("file-1").WillReturnRows(sqlmock.NewRows([]string{"next_value"}).AddRow(2))
		mock.ExpectQuery(`INSERT INTO appends`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("row-2", now))
		mock.ExpectCommit()

		results, err := exec.Run(ctx, "file-1", []Request{
			{Author: "a1", Type: TypeTask, Content: "t1"},
			{Author: "a1", Type: TypeComment, Content: "c1"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(2))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("rolls back the whole batch when one item fails", func() {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO append_counters`).WithArgs("file-1").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`UPDATE append_counters SET next_value = next_value \+ 1`).
			WithArgs("file-1").WillReturnRows(sqlmock.NewRows([]string{"next_value"}).AddRow(1))
		mock.ExpectQuery(`INSERT INTO appends`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("row-1", now))
		mock.ExpectQuery(`SELECT (.+) FROM appends WHERE file_id = \$1 AND append_id = \$2`).
			WithArgs("file-1", int64(99)).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := exec.Run(ctx, "file-1", []Request{
			{Author: "a1", Type: TypeTask, Content: "t1"},
			{Author: "a1", Type: TypeAnswer, Ref: "a99"},
		})
		appErr, ok := apperrors.AsAppError(err)
		Expect(ok).To(BeTrue())
		Expect(appErr.Code).To(Equal(apperrors.CodeAppendNotFound))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
