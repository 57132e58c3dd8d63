package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeLeader struct {
	leader   bool
	err      error
	released atomic.Bool
}

func (l *fakeLeader) AcquireOrRenew(context.Context) (bool, error) { return l.leader, l.err }
func (l *fakeLeader) Release(context.Context) error {
	l.released.Store(true)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	store *taskstore.MemoryStore
	queue *queue.MemoryQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	q := queue.NewMemoryQueue(time.Minute)
	t.Cleanup(func() { _ = q.Close() })
	return &fixture{store: taskstore.NewMemoryStore(), queue: q}
}

// sweeper returns a Sweeper whose clock runs `ahead` in the future.
func (f *fixture) sweeper(leader Leader, ahead time.Duration) *Sweeper {
	return NewSweeper(f.store, f.queue, leader,
		WithLogger(discardLogger),
		WithStaleAfter(time.Minute),
		WithClock(func() time.Time { return time.Now().Add(ahead) }),
	)
}

func (f *fixture) create(t *testing.T) *domain.Task {
	t.Helper()
	task, err := f.store.Create(context.Background(), taskstore.NewTask{Description: "write a function that adds two numbers"})
	require.NoError(t, err)
	return task
}

func (f *fixture) dispatch(t *testing.T, id string, capabilities ...string) {
	t.Helper()
	var actions []domain.Action
	for _, c := range capabilities {
		actions = append(actions, domain.Action{Capability: c, Input: json.RawMessage(`{"description":"x","stage":0}`)})
	}
	_, err := f.store.AppendSteps(context.Background(), id, 0, actions)
	require.NoError(t, err)
}

func drain[T any](t *testing.T, q *queue.MemoryQueue, topic string) []T {
	t.Helper()
	var out []T
	for q.Len(topic) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		d, err := q.Dequeue(ctx, topic)
		cancel()
		require.NoError(t, err)
		var v T
		require.NoError(t, queue.Decode(d.Body, &v))
		require.NoError(t, q.Ack(context.Background(), d))
		out = append(out, v)
	}
	return out
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestSweep_StalePendingTaskRestarted(t *testing.T) {
	f := newFixture(t)
	task := f.create(t)

	r, err := f.sweeper(Solo{}, 5*time.Minute).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Report{Scanned: 1, Starts: 1}, r)
	assert.Equal(t, []domain.StartMessage{{TaskID: task.ID}}, drain[domain.StartMessage](t, f.queue, domain.TopicTasksPending))
}

func TestSweep_FreshTasksLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	running := f.create(t)
	f.dispatch(t, running.ID, "developer")

	r, err := f.sweeper(Solo{}, 0).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Report{Scanned: 2}, r)
	assert.Zero(t, f.queue.Len(domain.TopicTasksPending))
	assert.Zero(t, f.queue.Len(domain.TopicStepsDispatch))
}

func TestSweep_StaleDispatchedStepsRedispatched(t *testing.T) {
	f := newFixture(t)
	task := f.create(t)
	f.dispatch(t, task.ID, "developer", "tester")
	require.NoError(t, f.store.RecordObservation(context.Background(), task.ID, 0,
		domain.Observation{Output: json.RawMessage(`{"code":"x"}`)}))

	r, err := f.sweeper(Solo{}, 5*time.Minute).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Dispatches)

	msgs := drain[domain.DispatchMessage](t, f.queue, domain.TopicStepsDispatch)
	require.Len(t, msgs, 1, "only the unobserved step is re-dispatched")
	assert.Equal(t, 1, msgs[0].StepIndex)
	assert.Equal(t, "tester", msgs[0].Action.Capability)
	assert.JSONEq(t, `{"description":"x","stage":0}`, string(msgs[0].Action.Input))
}

func TestSweep_JoinedBatchResignalled(t *testing.T) {
	f := newFixture(t)
	task := f.create(t)
	f.dispatch(t, task.ID, "developer")
	require.NoError(t, f.store.RecordObservation(context.Background(), task.ID, 0,
		domain.Observation{Output: json.RawMessage(`{"code":"x"}`)}))

	r, err := f.sweeper(Solo{}, 5*time.Minute).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Completions)

	assert.Equal(t,
		[]domain.CompletionMessage{{TaskID: task.ID, StepIndex: 0, Batch: 0}},
		drain[domain.CompletionMessage](t, f.queue, domain.TopicStepsCompleted))
}

func TestSweep_TerminalTasksSkipped(t *testing.T) {
	f := newFixture(t)
	task := f.create(t)
	require.NoError(t, f.store.Cancel(context.Background(), task.ID))

	r, err := f.sweeper(Solo{}, time.Hour).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, r)
}

func TestTick_FollowerDoesNotSweep(t *testing.T) {
	f := newFixture(t)
	f.create(t)

	f.sweeper(&fakeLeader{leader: false}, time.Hour).tick(context.Background())
	f.sweeper(&fakeLeader{err: errors.New("redis down")}, time.Hour).tick(context.Background())

	assert.Zero(t, f.queue.Len(domain.TopicTasksPending))
}

func TestTick_LeaderSweeps(t *testing.T) {
	f := newFixture(t)
	f.create(t)

	s := f.sweeper(&fakeLeader{leader: true}, time.Hour)
	s.tick(context.Background())

	assert.True(t, s.leading)
	assert.Equal(t, 1, f.queue.Len(domain.TopicTasksPending))
}

func TestRun_InvalidSchedule(t *testing.T) {
	f := newFixture(t)
	s := NewSweeper(f.store, f.queue, Solo{}, WithSchedule("every now and then"), WithLogger(discardLogger))
	require.Error(t, s.Run(context.Background()))
}

func TestRun_ReleasesLeadershipOnShutdown(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	leader := &fakeLeader{leader: true}
	s := f.sweeper(leader, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Run sweeps once before the first tick.
	require.Eventually(t, func() bool { return f.queue.Len(domain.TopicTasksPending) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, leader.released.Load())
}

func TestNewSweeper_Defaults(t *testing.T) {
	s := NewSweeper(nil, nil, Solo{}, WithSchedule(""), WithStaleAfter(0))
	assert.Equal(t, DefaultSchedule, s.schedule)
	assert.Equal(t, DefaultStaleAfter, s.staleAfter)
}
