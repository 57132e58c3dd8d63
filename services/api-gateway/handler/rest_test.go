package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/archive"
	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type brokenQueue struct{ queue.Queue }

func (brokenQueue) Enqueue(context.Context, string, string, []byte) error {
	return errors.New("broker unreachable")
}

type downStore struct{ taskstore.Store }

func (downStore) Create(context.Context, taskstore.NewTask) (*domain.Task, error) {
	return nil, &domain.StoreUnavailableError{Op: "create", Err: errors.New("connection refused")}
}

func (downStore) Get(context.Context, string) (*domain.Task, error) {
	return nil, &domain.StoreUnavailableError{Op: "get", Err: errors.New("connection refused")}
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

type fakeArchive struct {
	archive.Nop
	tasks map[string]*domain.Task
}

func (f *fakeArchive) Get(ctx context.Context, id string) (*domain.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return f.Nop.Get(ctx, id)
}

// ── helpers ───────────────────────────────────────────────────────────────────

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	store *taskstore.MemoryStore
	queue *queue.MemoryQueue
	arch  *fakeArchive
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	q := queue.NewMemoryQueue(time.Minute)
	t.Cleanup(func() { _ = q.Close() })
	return &fixture{
		store: taskstore.NewMemoryStore(),
		queue: q,
		arch:  &fakeArchive{tasks: map[string]*domain.Task{}},
	}
}

func (f *fixture) router(store taskstore.Store, q queue.Queue) http.Handler {
	h := NewREST(store, q, f.arch, []string{"developer", "manager", "tester"}, discardLogger)
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Get("/readyz", h.Readyz)
	h.Routes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v))
	return v
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestSubmitTask_AcceptedAndPublished(t *testing.T) {
	f := newFixture(t)
	rec := do(t, f.router(f.store, f.queue), http.MethodPost, "/tasks",
		`{"description":"  write a function that adds two numbers ","context":"go","hints":["developer"]}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[SubmitTaskResponse](t, rec)
	require.NotEmpty(t, resp.TaskID)
	assert.Equal(t, string(domain.StatusPending), resp.Status)

	task, err := f.store.Get(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "write a function that adds two numbers", task.Description)
	assert.Equal(t, "go", task.Context)
	assert.Equal(t, []string{"developer"}, task.Hints)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := f.queue.Dequeue(ctx, domain.TopicTasksPending)
	require.NoError(t, err)
	var msg domain.StartMessage
	require.NoError(t, queue.Decode(d.Body, &msg))
	assert.Equal(t, resp.TaskID, msg.TaskID)
	assert.Equal(t, resp.TaskID, d.Key)
}

func TestSubmitTask_Validation(t *testing.T) {
	cases := map[string]string{
		"malformed json":    `{"description":`,
		"short description": `{"description":"   too short   "}`,
		"missing":           `{"context":"x"}`,
		"empty hint":        `{"description":"write a function that adds","hints":["developer"," "]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			rec := do(t, f.router(f.store, f.queue), http.MethodPost, "/tasks", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
			assert.Zero(t, f.queue.Len(domain.TopicTasksPending))
		})
	}
}

func TestSubmitTask_StoreDown(t *testing.T) {
	f := newFixture(t)
	rec := do(t, f.router(downStore{}, f.queue), http.MethodPost, "/tasks", `{"description":"write a function that adds"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitTask_PublishFailureStillAccepted(t *testing.T) {
	f := newFixture(t)
	rec := do(t, f.router(f.store, brokenQueue{}), http.MethodPost, "/tasks", `{"description":"write a function that adds"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[SubmitTaskResponse](t, rec)
	task, err := f.store.Get(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status, "left for the sweeper to restart")
}

func TestGetTask_FromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, err := f.store.Create(ctx, taskstore.NewTask{Description: "write a function that adds"})
	require.NoError(t, err)
	_, err = f.store.AppendSteps(ctx, task.ID, 0, []domain.Action{{Capability: "developer", Input: json.RawMessage(`{}`)}})
	require.NoError(t, err)
	conf := 0.9
	require.NoError(t, f.store.Finalize(ctx, task.ID, domain.Outcome{
		Status: domain.StatusSucceeded, Result: json.RawMessage(`{"code":"x"}`), Confidence: &conf,
	}))

	router := f.router(f.store, f.queue)
	rec := do(t, router, http.MethodGet, "/tasks/"+task.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TaskResponse](t, rec)
	assert.Equal(t, "SUCCEEDED", resp.Status)
	assert.JSONEq(t, `{"code":"x"}`, string(resp.Result))
	require.NotNil(t, resp.Confidence)
	assert.InDelta(t, 0.9, *resp.Confidence, 1e-9)
	assert.Len(t, resp.History, 1)
	assert.False(t, resp.Archived)

	rec = do(t, router, http.MethodGet, "/tasks/"+task.ID+"?history=false", "")
	assert.Empty(t, decode[TaskResponse](t, rec).History)
}

func TestGetTask_ArchiveFallback(t *testing.T) {
	f := newFixture(t)
	done := time.Now().UTC()
	f.arch.tasks["old"] = &domain.Task{
		ID: "old", Status: domain.StatusFailed, Error: "HandlerTimeout: slow",
		CreatedAt: done.Add(-time.Minute), CompletedAt: &done,
	}

	rec := do(t, f.router(f.store, f.queue), http.MethodGet, "/tasks/old", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TaskResponse](t, rec)
	assert.True(t, resp.Archived)
	assert.Equal(t, "FAILED", resp.Status)
	assert.Equal(t, "HandlerTimeout: slow", resp.Error)
	assert.Equal(t, int64(60000), resp.DurationMs)
}

func TestGetTask_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := do(t, f.router(f.store, f.queue), http.MethodGet, "/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTask_StoreDown(t *testing.T) {
	f := newFixture(t)
	rec := do(t, f.router(downStore{}, f.queue), http.MethodGet, "/tasks/x", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	task, err := f.store.Create(context.Background(), taskstore.NewTask{Description: "write a function that adds"})
	require.NoError(t, err)
	router := f.router(f.store, f.queue)

	rec := do(t, router, http.MethodPost, "/tasks/"+task.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := f.store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	rec = do(t, router, http.MethodPost, "/tasks/"+task.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "terminal status is absorbing")

	rec = do(t, router, http.MethodPost, "/tasks/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := do(t, f.router(f.store, f.queue), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.True(t, resp.OK)
	assert.NotEmpty(t, resp.Version)
	assert.Equal(t, []string{"developer", "manager", "tester"}, resp.Capabilities)
}

func TestReadyz(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, do(t, f.router(f.store, f.queue), http.MethodGet, "/readyz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, f.router(downStore{}, f.queue), http.MethodGet, "/readyz", "").Code)
}

func TestNewRouter_AuthSkipsProbes(t *testing.T) {
	f := newFixture(t)
	h := NewREST(f.store, f.queue, f.arch, nil, discardLogger)
	router := NewRouter(h, RouterConfig{APIKey: "s3cret"}, discardLogger)

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/readyz", "").Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, router, http.MethodPost, "/tasks", `{"description":"write a function that adds"}`).Code)

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"description":"write a function that adds"}`))
	req.Header.Set("X-API-Key", "s3cret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
