package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/coldtrail/taskboard/pkg/appendlog"
	"github.com/coldtrail/taskboard/pkg/audit"
	"github.com/coldtrail/taskboard/pkg/capability"
	"github.com/coldtrail/taskboard/pkg/clock"
	"github.com/coldtrail/taskboard/pkg/events"
	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
	"github.com/coldtrail/taskboard/pkg/workspace"
)

func alreadyClaimedErr(claimedBy string, expiresAt time.Time) error {
	return apperrors.NewAppError(apperrors.CodeAlreadyClaimed, "task is already claimed", map[string]interface{}{
		"claimedBy": claimedBy, "expiresAt": expiresAt,
	})
}

// testKey satisfies the well-formed-key check (length >= 22, restricted
// alphabet); the fakes below don't verify its hash.
const testKey = "k0123456789abcdefghijk"

type fakeCapability struct {
	key     *capability.Key
	err     error
	lookups int
}

func (f *fakeCapability) Lookup(ctx context.Context, saltedHash string) (*capability.Key, error) {
	f.lookups++
	return f.key, f.err
}

type fakeFiles struct {
	file *workspace.File
}

func (f *fakeFiles) GetFileByPath(ctx context.Context, workspaceID, path string) (*workspace.File, error) {
	return f.file, nil
}

func (f *fakeFiles) GetFileByPathAny(ctx context.Context, workspaceID, path string) (*workspace.File, error) {
	return f.file, nil
}

func (f *fakeFiles) CreateFile(ctx context.Context, workspaceID, path, content string, now time.Time) (*workspace.File, error) {
	return &workspace.File{ID: "file-new", WorkspaceID: workspaceID, Path: path, Content: content}, nil
}

func (f *fakeFiles) UpdateContent(ctx context.Context, fileID, content string, now time.Time) error {
	return nil
}

func (f *fakeFiles) SoftDeleteFile(ctx context.Context, fileID string, now time.Time) error {
	return nil
}

type fakeAppendLister struct{}

func (f *fakeAppendLister) ListByFile(ctx context.Context, fileID string) ([]*appendlog.Append, error) {
	return nil, nil
}

type fakeBroker struct {
	outcome     appendlog.Outcome
	cached      *appendlog.CachedResult
	waitOutcome appendlog.Outcome
	waitCached  *appendlog.CachedResult
	claimed     bool
	finalized   bool
	finalStatus int
	finalBody   []byte
	cleared     bool
}

func (f *fakeBroker) Claim(ctx context.Context, capabilityKeyID, token string) (appendlog.Outcome, *appendlog.CachedResult, error) {
	f.claimed = true
	return f.outcome, f.cached, nil
}

func (f *fakeBroker) WaitForResult(ctx context.Context, capabilityKeyID, token string, timeout, poll time.Duration) (appendlog.Outcome, *appendlog.CachedResult, error) {
	return f.waitOutcome, f.waitCached, nil
}

func (f *fakeBroker) Finalize(ctx context.Context, capabilityKeyID, token string, status int, body []byte) error {
	f.finalized = true
	f.finalStatus = status
	f.finalBody = body
	return nil
}

func (f *fakeBroker) ClearPending(ctx context.Context, capabilityKeyID, token string) error {
	f.cleared = true
	return nil
}

type fakeBatch struct {
	results []appendlog.Result
	err     error
	called  bool
	items   []appendlog.Request
}

func (f *fakeBatch) Run(ctx context.Context, fileID string, items []appendlog.Request) ([]appendlog.Result, error) {
	f.called = true
	f.items = items
	return f.results, f.err
}

type fakeClaims struct {
	result    *appendlog.ClaimResult
	err       error
	called    bool
	author    string
	ref       int64
	expiresIn int
	wipLimit  int
}

func (f *fakeClaims) Claim(ctx context.Context, workspaceID, fileID, author string, ref int64, expiresInSeconds, wipLimit int) (*appendlog.ClaimResult, error) {
	f.called = true
	f.author = author
	f.ref = ref
	f.expiresIn = expiresInSeconds
	f.wipLimit = wipLimit
	return f.result, f.err
}

type fakeAudit struct {
	events []audit.Event
}

func (f *fakeAudit) Record(ev audit.Event) {
	f.events = append(f.events, ev)
}

type fakeEmitter struct {
	events []events.Event
}

func (f *fakeEmitter) Emit(ev events.Event) []error {
	f.events = append(f.events, ev)
	return nil
}

var _ = Describe("append dispatch", func() {
	var (
		caps    *fakeCapability
		files   *fakeFiles
		broker  *fakeBroker
		batch   *fakeBatch
		claims  *fakeClaims
		auditor *fakeAudit
		emitter *fakeEmitter
		router  http.Handler
	)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	taskResult := func() []appendlog.Result {
		a := &appendlog.Append{
			FileID: "file-1", AppendID: 1, Author: "a1", Type: appendlog.TypeTask,
			Status: appendlog.StatusOpen, CreatedAt: now,
		}
		return []appendlog.Result{{
			Append: a,
			Patch: &appendlog.ResponsePatch{
				ID: "a1", Type: appendlog.TypeTask, Author: "a1",
				Status: appendlog.StatusOpen, CreatedAt: now,
			},
		}}
	}

	BeforeEach(func() {
		caps = &fakeCapability{key: &capability.Key{
			ID: "key-1", WorkspaceID: "ws-1",
			Permission: capability.PermissionAppend, ScopeType: capability.ScopeWorkspace,
		}}
		files = &fakeFiles{file: &workspace.File{ID: "file-1", WorkspaceID: "ws-1", Path: "/tasks.md"}}
		broker = &fakeBroker{}
		batch = &fakeBatch{results: taskResult()}
		claims = &fakeClaims{}
		auditor = &fakeAudit{}
		emitter = &fakeEmitter{}

		h := &Handlers{
			Capability:              caps,
			Salt:                    "test-salt",
			Files:                   files,
			Appends:                 &fakeAppendLister{},
			Broker:                  broker,
			Batch:                   batch,
			Claims:                  claims,
			Audit:                   auditor,
			Events:                  emitter,
			Clock:                   clock.NewFake(now),
			Logger:                  zap.NewNop(),
			IdempotencyWaitTimeout:  time.Second,
			IdempotencyPollInterval: time.Millisecond,
			AppendMaxContentBytes:   1024,
			RequestBodyMaxBytes:     64 * 1024,
		}
		router = NewRouter(h, []string{"*"})
	})

	post := func(path, body string, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder) map[string]interface{} {
		var out map[string]interface{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
		return out
	}

	It("appends a task and responds with the created envelope", func() {
		rec := post("/a/"+testKey+"/tasks.md", `{"author":"a1","type":"task","content":"t1"}`, nil)

		Expect(rec.Code).To(Equal(http.StatusCreated))
		out := decode(rec)
		Expect(out["ok"]).To(BeTrue())
		Expect(out["webUrl"]).To(Equal("/r/" + testKey + "/tasks.md"))

		data := out["data"].(map[string]interface{})
		Expect(data["id"]).To(Equal("a1"))
		Expect(data["type"]).To(Equal("task"))
		Expect(data["status"]).To(Equal("open"))

		Expect(batch.called).To(BeTrue())
		Expect(batch.items).To(HaveLen(1))
		Expect(batch.items[0].Author).To(Equal("a1"))
	})

	It("records one audit event and emits one bus event per append", func() {
		post("/a/"+testKey+"/tasks.md", `{"author":"a1","type":"task","content":"t1"}`, nil)

		Expect(auditor.events).To(HaveLen(1))
		Expect(auditor.events[0].Action).To(Equal("append.task"))
		Expect(auditor.events[0].ResourceID).To(Equal("a1"))

		Expect(emitter.events).To(HaveLen(1))
		Expect(emitter.events[0].Type).To(Equal(events.TaskCreated))
		Expect(emitter.events[0].FilePath).To(Equal("/tasks.md"))
	})

	It("routes a single claim to the claim service, not the batch executor", func() {
		expiry := now.Add(30 * time.Minute)
		claims.result = &appendlog.ClaimResult{
			Append: &appendlog.Append{
				FileID: "file-1", AppendID: 2, Author: "a2", Type: appendlog.TypeClaim,
				Status: appendlog.StatusActive, Ref: 1, HasRef: true, CreatedAt: now,
			},
			ExpiresAt: expiry,
		}

		rec := post("/a/"+testKey+"/tasks.md", `{"author":"a2","type":"claim","ref":"a1"}`, nil)

		Expect(rec.Code).To(Equal(http.StatusCreated))
		Expect(claims.called).To(BeTrue())
		Expect(claims.author).To(Equal("a2"))
		Expect(claims.ref).To(Equal(int64(1)))
		Expect(batch.called).To(BeFalse())

		data := decode(rec)["data"].(map[string]interface{})
		Expect(data["id"]).To(Equal("a2"))
		Expect(data["ref"]).To(Equal("a1"))
		Expect(data["expiresInSeconds"]).To(Equal(float64(1800)))
	})

	It("passes the key's WIP limit through to the claim service", func() {
		caps.key.WIPLimit = 3
		claims.result = &appendlog.ClaimResult{
			Append:    &appendlog.Append{FileID: "file-1", AppendID: 2, Author: "a2", Type: appendlog.TypeClaim, CreatedAt: now},
			ExpiresAt: now.Add(time.Hour),
		}

		post("/a/"+testKey+"/tasks.md", `{"author":"a2","type":"claim","ref":"a1"}`, nil)
		Expect(claims.wipLimit).To(Equal(3))
	})

	It("surfaces ALREADY_CLAIMED with its details and a 409", func() {
		claims.err = alreadyClaimedErr("a2", now.Add(10*time.Minute))

		rec := post("/a/"+testKey+"/tasks.md", `{"author":"a3","type":"claim","ref":"a1"}`, nil)

		Expect(rec.Code).To(Equal(http.StatusConflict))
		out := decode(rec)
		Expect(out["ok"]).To(BeFalse())
		errBody := out["error"].(map[string]interface{})
		Expect(errBody["code"]).To(Equal("ALREADY_CLAIMED"))
		Expect(errBody["details"].(map[string]interface{})["claimedBy"]).To(Equal("a2"))
	})

	It("rejects a malformed key string without ever looking it up", func() {
		rec := post("/a/short/tasks.md", `{"author":"a1","type":"task"}`, nil)

		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(decode(rec)["error"].(map[string]interface{})["code"]).To(Equal("INVALID_KEY"))
		Expect(caps.lookups).To(BeZero())
	})

	It("rejects a revoked key with KEY_REVOKED", func() {
		revoked := now.Add(-time.Hour)
		caps.key.RevokedAt = &revoked

		rec := post("/a/"+testKey+"/tasks.md", `{"author":"a1","type":"task"}`, nil)

		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(decode(rec)["error"].(map[string]interface{})["code"]).To(Equal("KEY_REVOKED"))
	})

	It("rejects an author that differs from the key's bound author", func() {
		caps.key.BoundAuthor = "a1"

		rec := post("/a/"+testKey+"/tasks.md", `{"author":"someone-else","type":"task"}`, nil)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(decode(rec)["error"].(map[string]interface{})["code"]).To(Equal("AUTHOR_MISMATCH"))
	})

	It("rejects an append type outside the key's allowed set", func() {
		caps.key.AllowedTypes = []string{"comment"}

		rec := post("/a/"+testKey+"/tasks.md", `{"author":"a1","type":"task"}`, nil)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(decode(rec)["error"].(map[string]interface{})["code"]).To(Equal("TYPE_NOT_ALLOWED"))
	})

	It("returns FILE_NOT_FOUND when no file lives at the path", func() {
		files.file = nil

		rec := post("/a/"+testKey+"/tasks.md", `{"author":"a1","type":"task"}`, nil)

		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(decode(rec)["error"].(map[string]interface{})["code"]).To(Equal("FILE_NOT_FOUND"))
	})

	It("returns FILE_DELETED for a tombstoned file", func() {
		deleted := now.Add(-time.Hour)
		files.file.DeletedAt = &deleted

		rec := post("/a/"+testKey+"/tasks.md", `{"author":"a1","type":"task"}`, nil)

		Expect(rec.Code).To(Equal(http.StatusGone))
		Expect(decode(rec)["error"].(map[string]interface{})["code"]).To(Equal("FILE_DELETED"))
	})

	It("rejects an unrecognized append type before any dispatch", func() {
		rec := post("/a/"+testKey+"/tasks.md",
			`{"author":"a1","appends":[{"type":"comment","content":"ok"},{"type":"invalid_type"}]}`, nil)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(decode(rec)["error"].(map[string]interface{})["code"]).To(Equal("INVALID_APPEND_TYPE"))
		Expect(batch.called).To(BeFalse())
	})

	It("rejects single-append fields coexisting with a batch", func() {
		rec := post("/a/"+testKey+"/tasks.md",
			`{"author":"a1","type":"task","appends":[{"type":"comment"}]}`, nil)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(decode(rec)["error"].(map[string]interface{})["code"]).To(Equal("INVALID_REQUEST"))
	})

	It("rejects a traversal path before routing reaches the state machine", func() {
		rec := post("/a/"+testKey+"/../secrets.md", `{"author":"a1","type":"task"}`, nil)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(decode(rec)["error"].(map[string]interface{})["code"]).To(Equal("INVALID_PATH"))
		Expect(batch.called).To(BeFalse())
	})

	Describe("idempotency", func() {
		It("finalizes the owner's response body verbatim", func() {
			broker.outcome = appendlog.OutcomeOwner

			rec := post("/a/"+testKey+"/tasks.md", `{"author":"a1","type":"task"}`,
				map[string]string{"Idempotency-Key": "tok-1"})

			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(broker.finalized).To(BeTrue())
			Expect(broker.finalStatus).To(Equal(http.StatusCreated))
			Expect(broker.finalBody).To(Equal(rec.Body.Bytes()))
		})

		It("replays a cached result without dispatching again", func() {
			broker.outcome = appendlog.OutcomeCached
			broker.cached = &appendlog.CachedResult{Status: http.StatusCreated, Body: []byte(`{"ok":true,"data":{"id":"a1"}}`)}

			rec := post("/a/"+testKey+"/tasks.md", `{"author":"a1","type":"task"}`,
				map[string]string{"Idempotency-Key": "tok-1"})

			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(rec.Body.String()).To(Equal(`{"ok":true,"data":{"id":"a1"}}`))
			Expect(batch.called).To(BeFalse())
		})

		It("returns IDEMPOTENCY_CONFLICT when the owner never finishes in time", func() {
			broker.outcome = appendlog.OutcomePending
			broker.waitOutcome = appendlog.OutcomeTimeout

			rec := post("/a/"+testKey+"/tasks.md", `{"author":"a1","type":"task"}`,
				map[string]string{"Idempotency-Key": "tok-1"})

			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(decode(rec)["error"].(map[string]interface{})["code"]).To(Equal("IDEMPOTENCY_CONFLICT"))
		})

		It("releases the pending record when the owner's dispatch fails", func() {
			broker.outcome = appendlog.OutcomeOwner
			batch.results = nil
			batch.err = alreadyClaimedErr("a9", now)

			post("/a/"+testKey+"/tasks.md", `{"author":"a1","type":"task"}`,
				map[string]string{"Idempotency-Key": "tok-1"})

			Expect(broker.cleared).To(BeTrue())
			Expect(broker.finalized).To(BeFalse())
		})

		It("ignores the broker entirely when no token is sent", func() {
			post("/a/"+testKey+"/tasks.md", `{"author":"a1","type":"task"}`, nil)
			Expect(broker.claimed).To(BeFalse())
		})
	})

	Describe("POST /a/:key/append", func() {
		It("resolves the file from the body's path", func() {
			rec := post("/a/"+testKey+"/append", `{"author":"a1","type":"task","path":"/tasks.md"}`, nil)

			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(batch.called).To(BeTrue())
		})

		It("falls back to a file-scoped key's own path", func() {
			caps.key.ScopeType = capability.ScopeFile
			caps.key.ScopePath = "/tasks.md"

			rec := post("/a/"+testKey+"/append", `{"author":"a1","type":"task"}`, nil)

			Expect(rec.Code).To(Equal(http.StatusCreated))
		})

		It("requires a path for keys that are not file-scoped", func() {
			rec := post("/a/"+testKey+"/append", `{"author":"a1","type":"task"}`, nil)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(rec)["error"].(map[string]interface{})["code"]).To(Equal("INVALID_REQUEST"))
		})
	})

	Describe("write-tier route", func() {
		It("denies an append-tier key on /w", func() {
			rec := post("/w/"+testKey+"/tasks.md", `{"author":"a1","type":"task"}`, nil)

			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(decode(rec)["error"].(map[string]interface{})["code"]).To(Equal("PERMISSION_DENIED"))
		})

		It("admits a write-tier key on /w", func() {
			caps.key.Permission = capability.PermissionWrite

			rec := post("/w/"+testKey+"/tasks.md", `{"author":"a1","type":"task"}`, nil)
			Expect(rec.Code).To(Equal(http.StatusCreated))
		})
	})
})
