package client_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/client"
	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
	"github.com/ramiqadoumi/go-agent-flow/services/api-gateway/handler"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func newServer(t *testing.T, apiKey string) (*httptest.Server, *taskstore.MemoryStore) {
	t.Helper()
	store := taskstore.NewMemoryStore()
	q := queue.NewMemoryQueue(time.Minute)
	t.Cleanup(func() { _ = q.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rest := handler.NewREST(store, q, nil, []string{"developer"}, logger)
	srv := httptest.NewServer(handler.NewRouter(rest, handler.RouterConfig{APIKey: apiKey}, logger))
	t.Cleanup(srv.Close)
	return srv, store
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestClient_SubmitGetCancel(t *testing.T) {
	srv, _ := newServer(t, "k")
	c := client.New(srv.URL+"/", client.WithAPIKey("k"))
	ctx := context.Background()

	id, err := c.Submit(ctx, handler.SubmitTaskRequest{Description: "write a function that adds two numbers"})
	require.NoError(t, err)

	task, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", task.Status)

	require.NoError(t, c.Cancel(ctx, id))
	done, err := c.Wait(ctx, id, 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", done.Status)
}

func TestClient_Errors(t *testing.T) {
	srv, _ := newServer(t, "k")
	ctx := context.Background()

	_, err := client.New(srv.URL).Submit(ctx, handler.SubmitTaskRequest{Description: "write a function that adds"})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)

	_, err = client.New(srv.URL, client.WithAPIKey("k")).Get(ctx, "missing")
	assert.True(t, client.IsNotFound(err))
}

func TestClient_WaitStopsOnContext(t *testing.T) {
	srv, store := newServer(t, "")
	task, err := store.Create(context.Background(), taskstore.NewTask{Description: "write a function that adds"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var polls int
	last, err := client.New(srv.URL).Wait(ctx, task.ID, 10*time.Millisecond, func(*handler.TaskResponse) { polls++ })

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, string(domain.StatusPending), last.Status)
	assert.Greater(t, polls, 1)
}

func TestClient_Health(t *testing.T) {
	srv, _ := newServer(t, "secret")
	h, err := client.New(srv.URL).Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.OK)
	assert.Equal(t, []string{"developer"}, h.Capabilities)
}
