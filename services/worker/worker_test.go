package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	"github.com/ramiqadoumi/go-agent-flow/internal/capability/tools"
	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/llm"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
	"github.com/ramiqadoumi/go-agent-flow/internal/sqlite"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
	"github.com/ramiqadoumi/go-agent-flow/pkg/retry"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeHandler struct {
	calls atomic.Int32
	fn    func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

func (h *fakeHandler) Handle(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	h.calls.Add(1)
	if h.fn == nil {
		return json.RawMessage(`{"code":"func add(a, b int) int { return a + b }"}`), nil
	}
	return h.fn(ctx, input)
}

type fakeRecorder struct {
	mu         sync.Mutex
	executions []*domain.StepExecution
}

func (r *fakeRecorder) RecordExecution(_ context.Context, exec *domain.StepExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, exec)
	return nil
}

// brokenQueue refuses every publish.
type brokenQueue struct{ queue.Queue }

func (brokenQueue) Enqueue(context.Context, string, string, []byte) error {
	return errors.New("broker unreachable")
}

// conflictStore reports that another worker already observed every step.
type conflictStore struct{ taskstore.Store }

func (conflictStore) RecordObservation(_ context.Context, id string, idx int, _ domain.Observation) error {
	return &domain.ConflictError{TaskID: id, StepIndex: idx, Reason: "already observed"}
}

type downStore struct{ taskstore.Store }

func (downStore) Get(_ context.Context, id string) (*domain.Task, error) {
	return nil, &domain.StoreUnavailableError{Op: "get " + id, Err: errors.New("connection refused")}
}

// ── helpers ───────────────────────────────────────────────────────────────────

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	store    taskstore.Store
	queue    *queue.MemoryQueue
	registry *capability.Registry
	handler  *fakeHandler
	recorder *fakeRecorder
}

func newFixture(t *testing.T, h *fakeHandler) *fixture {
	t.Helper()
	if h == nil {
		h = &fakeHandler{}
	}
	reg := capability.NewRegistry()
	require.NoError(t, reg.Register("developer", h,
		[]byte(`{"type":"object","required":["description"]}`),
		[]byte(`{"type":"object","required":["code"],"properties":{"code":{"type":"string"}}}`),
	))
	q := queue.NewMemoryQueue(time.Minute)
	t.Cleanup(func() { _ = q.Close() })
	return &fixture{
		store:    taskstore.NewMemoryStore(),
		queue:    q,
		registry: reg,
		handler:  h,
		recorder: &fakeRecorder{},
	}
}

func (f *fixture) worker(opts ...Option) *Worker {
	return newTestWorker(f.store, f.queue, f.registry, append([]Option{WithRecorder(f.recorder)}, opts...)...)
}

func newTestWorker(store taskstore.Store, q queue.Queue, reg *capability.Registry, opts ...Option) *Worker {
	return NewWorker("test-worker", store, q, reg, append([]Option{
		WithLogger(discardLogger),
		WithTimeout(time.Second),
		WithRetry(retry.Config{MaxAttempts: 1}),
	}, opts...)...)
}

// dispatch creates a task with one dispatched step and returns its message.
func (f *fixture) dispatch(t *testing.T, capabilityName, input string) domain.DispatchMessage {
	t.Helper()
	ctx := context.Background()
	task, err := f.store.Create(ctx, taskstore.NewTask{Description: "write a function that adds two numbers"})
	require.NoError(t, err)
	action := domain.Action{Capability: capabilityName, Input: json.RawMessage(input), Attempt: 1}
	indices, err := f.store.AppendSteps(ctx, task.ID, 0, []domain.Action{action})
	require.NoError(t, err)
	return domain.DispatchMessage{TaskID: task.ID, StepIndex: indices[0], Batch: 0, Action: action}
}

func (f *fixture) step(t *testing.T, msg domain.DispatchMessage) domain.Step {
	t.Helper()
	task, err := f.store.Get(context.Background(), msg.TaskID)
	require.NoError(t, err)
	return task.History[msg.StepIndex]
}

func (f *fixture) completions(t *testing.T) []domain.CompletionMessage {
	t.Helper()
	var out []domain.CompletionMessage
	for f.queue.Len(domain.TopicStepsCompleted) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		d, err := f.queue.Dequeue(ctx, domain.TopicStepsCompleted)
		cancel()
		require.NoError(t, err)
		var msg domain.CompletionMessage
		require.NoError(t, queue.Decode(d.Body, &msg))
		require.NoError(t, f.queue.Ack(context.Background(), d))
		out = append(out, msg)
	}
	return out
}

const validInput = `{"description":"write a function that adds two numbers","stage":0}`

// ── tests ─────────────────────────────────────────────────────────────────────

func TestWorker_SuccessRecordsObservationAndSignals(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.dispatch(t, "developer", validInput)

	require.NoError(t, f.worker().Process(context.Background(), msg))

	step := f.step(t, msg)
	require.NotNil(t, step.Observation)
	assert.Nil(t, step.Observation.Error)
	assert.JSONEq(t, `{"code":"func add(a, b int) int { return a + b }"}`, string(step.Observation.Output))
	assert.Equal(t, domain.StepObserved, step.Status)

	assert.Equal(t, []domain.CompletionMessage{{TaskID: msg.TaskID, StepIndex: 0, Batch: 0}}, f.completions(t))

	require.Len(t, f.recorder.executions, 1)
	exec := f.recorder.executions[0]
	assert.Equal(t, "developer", exec.Capability)
	assert.Equal(t, "test-worker", exec.WorkerID)
	assert.Equal(t, domain.StepObserved, exec.Status)
	assert.Empty(t, exec.Error)
}

func TestWorker_HandlerErrorIsRetryableFailure(t *testing.T) {
	f := newFixture(t, &fakeHandler{fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("upstream 503 service unavailable")
	}})
	msg := f.dispatch(t, "developer", validInput)

	require.NoError(t, f.worker().Process(context.Background(), msg))

	obs := f.step(t, msg).Observation
	require.NotNil(t, obs)
	require.NotNil(t, obs.Error)
	assert.Equal(t, domain.KindHandlerFailure, obs.Error.Kind)
	assert.True(t, obs.Error.Retryable)
	assert.Contains(t, obs.Error.Message, "upstream 503")
	assert.Len(t, f.completions(t), 1)

	require.Len(t, f.recorder.executions, 1)
	assert.Equal(t, domain.KindHandlerFailure, f.recorder.executions[0].ErrorKind)
}

func TestWorker_PermanentErrorIsNotRetryable(t *testing.T) {
	f := newFixture(t, &fakeHandler{fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, capability.Permanent(errors.New("401 unauthorized"))
	}})
	msg := f.dispatch(t, "developer", validInput)

	require.NoError(t, f.worker().Process(context.Background(), msg))

	obs := f.step(t, msg).Observation
	require.NotNil(t, obs.Error)
	assert.Equal(t, domain.KindHandlerFailure, obs.Error.Kind)
	assert.False(t, obs.Error.Retryable)
}

func TestWorker_TimeoutRecordsTimedOutStep(t *testing.T) {
	f := newFixture(t, &fakeHandler{fn: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	msg := f.dispatch(t, "developer", validInput)

	require.NoError(t, f.worker(WithTimeout(20*time.Millisecond)).Process(context.Background(), msg))

	step := f.step(t, msg)
	assert.Equal(t, domain.StepTimedOut, step.Status)
	require.NotNil(t, step.Observation.Error)
	assert.Equal(t, domain.KindHandlerTimeout, step.Observation.Error.Kind)
	assert.True(t, step.Observation.Error.Retryable)
	assert.Equal(t, `HandlerTimeout: handler "developer" did not finish within 20ms`, step.Observation.Error.Reason())
	assert.Len(t, f.completions(t), 1)
}

func TestWorker_HandlerIgnoringDeadlineStillTimesOut(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f := newFixture(t, &fakeHandler{fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{"code":"late"}`), nil
	}})
	msg := f.dispatch(t, "developer", validInput)

	start := time.Now()
	require.NoError(t, f.worker(WithTimeout(20*time.Millisecond)).Process(context.Background(), msg))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.StepTimedOut, f.step(t, msg).Status)
}

func TestWorker_PanicBecomesHandlerFailure(t *testing.T) {
	f := newFixture(t, &fakeHandler{fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("nil map write")
	}})
	msg := f.dispatch(t, "developer", validInput)

	require.NotPanics(t, func() {
		require.NoError(t, f.worker().Process(context.Background(), msg))
	})

	obs := f.step(t, msg).Observation
	require.NotNil(t, obs.Error)
	assert.Equal(t, domain.KindHandlerFailure, obs.Error.Kind)
	assert.False(t, obs.Error.Retryable)
	assert.Contains(t, obs.Error.Message, "panic: nil map write")
}

func TestWorker_InvalidInputIsSchemaError(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.dispatch(t, "developer", `{"stage":0}`)

	require.NoError(t, f.worker().Process(context.Background(), msg))

	obs := f.step(t, msg).Observation
	require.NotNil(t, obs.Error)
	assert.Equal(t, domain.KindSchemaError, obs.Error.Kind)
	assert.False(t, obs.Error.Retryable)
	assert.Equal(t, int32(0), f.handler.calls.Load(), "handler must not run on invalid input")
}

func TestWorker_InvalidOutputIsSchemaError(t *testing.T) {
	f := newFixture(t, &fakeHandler{fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"code":42}`), nil
	}})
	msg := f.dispatch(t, "developer", validInput)

	require.NoError(t, f.worker().Process(context.Background(), msg))

	obs := f.step(t, msg).Observation
	require.NotNil(t, obs.Error)
	assert.Equal(t, domain.KindSchemaError, obs.Error.Kind)
	assert.Contains(t, obs.Error.Message, "output")
}

func TestWorker_TrailingDataInOutputIsObserved(t *testing.T) {
	f := newFixture(t, &fakeHandler{fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"code":"x"} trailing`), nil
	}})
	// SQLite persists the task as one JSON document, so an invalid raw
	// output would make every write of the task fail.
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f.store = store
	msg := f.dispatch(t, "developer", validInput)

	require.NoError(t, f.worker().Process(context.Background(), msg))

	task, err := f.store.Get(context.Background(), msg.TaskID)
	require.NoError(t, err)
	obs := task.History[msg.StepIndex].Observation
	require.NotNil(t, obs)
	require.NotNil(t, obs.Error)
	assert.Equal(t, domain.KindSchemaError, obs.Error.Kind)
	assert.False(t, obs.Error.Retryable)
	assert.Equal(t, domain.StatusRunning, task.Status)
	assert.Len(t, f.completions(t), 1)
}

func TestWorker_TrailingDataInInputIsSchemaError(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.dispatch(t, "developer", validInput+` trailing`)

	require.NoError(t, f.worker().Process(context.Background(), msg))

	obs := f.step(t, msg).Observation
	require.NotNil(t, obs.Error)
	assert.Equal(t, domain.KindSchemaError, obs.Error.Kind)
	assert.Zero(t, f.handler.calls.Load(), "handler must not run on invalid input")
}

func TestWorker_UnknownCapabilityObserved(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.dispatch(t, "astrologer", validInput)

	require.NoError(t, f.worker().Process(context.Background(), msg))

	obs := f.step(t, msg).Observation
	require.NotNil(t, obs.Error)
	assert.Equal(t, domain.KindUnknownCapability, obs.Error.Kind)
	assert.False(t, obs.Error.Retryable)
	assert.Len(t, f.completions(t), 1)
}

func TestWorker_TerminalTaskSkipped(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.dispatch(t, "developer", validInput)
	require.NoError(t, f.store.Cancel(context.Background(), msg.TaskID))

	require.NoError(t, f.worker().Process(context.Background(), msg))

	assert.Equal(t, int32(0), f.handler.calls.Load(), "handler must not be called for a cancelled task")
	assert.Nil(t, f.step(t, msg).Observation)
	assert.Empty(t, f.completions(t))
	assert.Empty(t, f.recorder.executions)
}

func TestWorker_AlreadyObservedResignalsWithoutInvoking(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.dispatch(t, "developer", validInput)
	require.NoError(t, f.store.RecordObservation(context.Background(), msg.TaskID, msg.StepIndex,
		domain.Observation{Output: json.RawMessage(`{"code":"done"}`)}))

	require.NoError(t, f.worker().Process(context.Background(), msg))

	assert.Equal(t, int32(0), f.handler.calls.Load())
	assert.Len(t, f.completions(t), 1)
}

func TestWorker_ConflictIsAcked(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.dispatch(t, "developer", validInput)

	w := newTestWorker(conflictStore{f.store}, f.queue, f.registry)
	require.NoError(t, w.Process(context.Background(), msg))

	assert.Empty(t, f.completions(t), "the winning worker signals, not the loser")
}

func TestWorker_StoreOutageLeavesMessageUnacked(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.dispatch(t, "developer", validInput)

	w := newTestWorker(downStore{f.store}, f.queue, f.registry)
	err := w.Process(context.Background(), msg)

	require.Error(t, err)
	assert.True(t, isInfraError(err))
	assert.Equal(t, int32(0), f.handler.calls.Load())
}

func TestWorker_SignalFailureRecoversOnRedelivery(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.dispatch(t, "developer", validInput)

	err := newTestWorker(f.store, brokenQueue{f.queue}, f.registry).Process(context.Background(), msg)
	var unavailable *domain.QueueUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.NotNil(t, f.step(t, msg).Observation, "observation is persisted before signalling")

	// Redelivery: the step is observed, so only the signal is repeated.
	require.NoError(t, f.worker().Process(context.Background(), msg))
	assert.Equal(t, int32(1), f.handler.calls.Load())
	assert.Len(t, f.completions(t), 1)
}

func TestWorker_MalformedJSON_Discarded(t *testing.T) {
	f := newFixture(t, nil)
	d := queue.NewDelivery(domain.WorkerTopic("developer"), "", "1", []byte("not-json"), nil, 1, nil)
	require.NoError(t, f.worker().processMessage(context.Background(), d), "malformed message must be discarded")
}

func TestWorker_RunConsumesCapabilityTopics(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.dispatch(t, "developer", validInput)
	w := f.worker(WithConcurrency(2))
	assert.Equal(t, []string{"developer"}, w.Capabilities())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, queue.Publish(ctx, f.queue, domain.WorkerTopic("developer"), msg.TaskID, msg))
	require.Eventually(t, func() bool {
		return f.queue.Len(domain.TopicStepsCompleted) == 1 && f.queue.Len(domain.WorkerTopic("developer")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	w.Wait()
	assert.Equal(t, int64(0), w.InFlight())
}

func TestBuildRegistry_EchoCrewWithTools(t *testing.T) {
	tracker := &llm.TokenTracker{}
	reg, err := BuildRegistry("", llm.Config{Provider: llm.ProviderEcho}, tools.Config{
		Webhook: tools.WebhookConfig{URL: "http://127.0.0.1:1/hook"},
	}, tracker)
	require.NoError(t, err)
	assert.Equal(t, []string{"developer", "manager", "tester", "webhook"}, reg.Names())

	f := newFixture(t, nil)
	msg := f.dispatch(t, "developer", validInput)
	require.NoError(t, newTestWorker(f.store, f.queue, reg).Process(context.Background(), msg))

	obs := f.step(t, msg).Observation
	require.NotNil(t, obs)
	require.Nil(t, obs.Error)
	assert.Contains(t, string(obs.Output), "adds two numbers")
	_, _, calls := tracker.Totals()
	assert.Equal(t, 1, calls)
}

func TestBuildRegistry_UnknownProvider(t *testing.T) {
	_, err := BuildRegistry("", llm.Config{Provider: "gemini"}, tools.Config{}, nil)
	require.Error(t, err)
}
