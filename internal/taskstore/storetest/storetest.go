// Package storetest is a conformance suite every taskstore.Store backend runs.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) taskstore.Store

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s taskstore.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"GetUnknown", testGetUnknown},
		{"AppendAssignsGapFreeIndices", testAppendIndices},
		{"AppendStaleBatchConflicts", testAppendStaleBatch},
		{"ConcurrentAppendSingleWinner", testConcurrentAppend},
		{"ObservationIdempotent", testObservationIdempotent},
		{"ObservationDivergentConflicts", testObservationDivergent},
		{"ObservationUnknownStep", testObservationUnknownStep},
		{"TimeoutObservationStatus", testTimeoutStatus},
		{"FinalizeSucceeded", testFinalizeSucceeded},
		{"TerminalIsAbsorbing", testTerminalAbsorbing},
		{"CancelInFlight", testCancelInFlight},
		{"ListActive", testListActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func action(capability string) domain.Action {
	return domain.Action{Capability: capability, Input: json.RawMessage(`{"description":"add two numbers"}`)}
}

func output(s string) domain.Observation {
	return domain.Observation{Output: json.RawMessage(s)}
}

func create(t *testing.T, s taskstore.Store) *domain.Task {
	t.Helper()
	task, err := s.Create(context.Background(), taskstore.NewTask{
		Description: "write a function that adds two numbers",
		Context:     "python",
		Hints:       []string{"developer"},
	})
	require.NoError(t, err)
	return task
}

func testCreateAndGet(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	created := create(t, s)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Empty(t, created.History)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "write a function that adds two numbers", got.Description)
	assert.Equal(t, "python", got.Context)
	assert.Equal(t, []string{"developer"}, got.Hints)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func testGetUnknown(t *testing.T, s taskstore.Store) {
	_, err := s.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	var nf *domain.TaskNotFoundError
	require.ErrorAs(t, err, &nf)
}

func testAppendIndices(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	task := create(t, s)

	idx, err := s.AppendSteps(ctx, task.ID, 0, []domain.Action{action("manager")})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, idx)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status, "first append moves PENDING to RUNNING")

	require.NoError(t, s.RecordObservation(ctx, task.ID, 0, output(`{"plan":"p"}`)))

	idx, err = s.AppendSteps(ctx, task.ID, 1, []domain.Action{action("developer"), action("tester")})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, idx)

	got, err = s.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 3)
	for i, step := range got.History {
		assert.Equal(t, i, step.Index)
	}
	assert.Equal(t, 1, got.History[1].Batch)
	assert.Equal(t, 1, got.History[2].Batch)
	assert.Equal(t, "tester", got.History[2].Action.Capability)
	assert.JSONEq(t, `{"description":"add two numbers"}`, string(got.History[2].Action.Input))
	assert.Equal(t, domain.StepDispatched, got.History[2].Status)
}

func testAppendStaleBatch(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	task := create(t, s)

	_, err := s.AppendSteps(ctx, task.ID, 0, []domain.Action{action("developer")})
	require.NoError(t, err)

	_, err = s.AppendSteps(ctx, task.ID, 0, []domain.Action{action("developer")})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 1, "a rejected batch must not leave steps behind")
}

func testConcurrentAppend(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	task := create(t, s)

	const contenders = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendSteps(ctx, task.ID, 0, []domain.Action{action("developer")})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if domain.IsConflict(err) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one append of the same batch must win")
	assert.Equal(t, contenders-1, conflicts)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 1)
}

func testObservationIdempotent(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	task := create(t, s)
	_, err := s.AppendSteps(ctx, task.ID, 0, []domain.Action{action("developer")})
	require.NoError(t, err)

	require.NoError(t, s.RecordObservation(ctx, task.ID, 0, output(`{"code":"def add(a,b): return a+b"}`)))
	require.NoError(t, s.RecordObservation(ctx, task.ID, 0, output(`{"code": "def add(a,b): return a+b"}`)),
		"identical repeat must be a no-op")

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.History[0].Observation)
	assert.JSONEq(t, `{"code":"def add(a,b): return a+b"}`, string(got.History[0].Observation.Output))
	assert.Equal(t, domain.StepObserved, got.History[0].Status)
	assert.NotNil(t, got.History[0].ObservedAt)
}

func testObservationDivergent(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	task := create(t, s)
	_, err := s.AppendSteps(ctx, task.ID, 0, []domain.Action{action("developer")})
	require.NoError(t, err)

	require.NoError(t, s.RecordObservation(ctx, task.ID, 0, output(`{"code":"a"}`)))
	err = s.RecordObservation(ctx, task.ID, 0, output(`{"code":"b"}`))
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 0, conflict.StepIndex)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"a"}`, string(got.History[0].Observation.Output), "first observation wins")
}

func testObservationUnknownStep(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	task := create(t, s)
	err := s.RecordObservation(ctx, task.ID, 3, output(`{}`))
	var nf *domain.StepNotFoundError
	require.ErrorAs(t, err, &nf)
}

func testTimeoutStatus(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	task := create(t, s)
	_, err := s.AppendSteps(ctx, task.ID, 0, []domain.Action{action("developer")})
	require.NoError(t, err)

	obs := domain.Observation{Error: &domain.StepError{
		Kind:      domain.KindHandlerTimeout,
		Message:   `handler "developer" did not finish within 1s`,
		Retryable: true,
	}}
	require.NoError(t, s.RecordObservation(ctx, task.ID, 0, obs))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepTimedOut, got.History[0].Status)
	require.NotNil(t, got.History[0].Observation.Error)
	assert.Equal(t, domain.KindHandlerTimeout, got.History[0].Observation.Error.Kind)
	assert.True(t, got.History[0].Observation.Error.Retryable)
}

func testFinalizeSucceeded(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	task := create(t, s)
	_, err := s.AppendSteps(ctx, task.ID, 0, []domain.Action{action("developer")})
	require.NoError(t, err)
	require.NoError(t, s.RecordObservation(ctx, task.ID, 0, output(`{"code":"x"}`)))

	conf := 0.72
	require.NoError(t, s.Finalize(ctx, task.ID, domain.Outcome{
		Status:     domain.StatusSucceeded,
		Result:     json.RawMessage(`{"code":"x"}`),
		Confidence: &conf,
		Issues:     []string{"Response too short"},
	}))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, got.Status)
	assert.JSONEq(t, `{"code":"x"}`, string(got.Result))
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.72, *got.Confidence, 1e-9)
	assert.Equal(t, []string{"Response too short"}, got.ValidationIssues)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.Error)
}

func testTerminalAbsorbing(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	task := create(t, s)
	_, err := s.AppendSteps(ctx, task.ID, 0, []domain.Action{action("developer")})
	require.NoError(t, err)
	require.NoError(t, s.RecordObservation(ctx, task.ID, 0, output(`{"code":"x"}`)))
	require.NoError(t, s.Finalize(ctx, task.ID, domain.Outcome{
		Status: domain.StatusFailed,
		Error:  "HandlerFailure: boom",
	}))

	var terminal *domain.TaskTerminalError

	err = s.Finalize(ctx, task.ID, domain.Outcome{Status: domain.StatusSucceeded})
	require.ErrorAs(t, err, &terminal)

	_, err = s.AppendSteps(ctx, task.ID, 1, []domain.Action{action("tester")})
	require.ErrorAs(t, err, &terminal)

	require.ErrorAs(t, s.Cancel(ctx, task.ID), &terminal)

	// An identical redelivered observation is still a no-op on a terminal task.
	require.NoError(t, s.RecordObservation(ctx, task.ID, 0, output(`{"code":"x"}`)))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "HandlerFailure: boom", got.Error)
	assert.Len(t, got.History, 1)
	assert.Empty(t, got.Result)
}

func testCancelInFlight(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	task := create(t, s)
	_, err := s.AppendSteps(ctx, task.ID, 0, []domain.Action{action("developer")})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, task.ID))

	err = s.RecordObservation(ctx, task.ID, 0, output(`{"code":"late"}`))
	var terminal *domain.TaskTerminalError
	require.ErrorAs(t, err, &terminal)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Nil(t, got.History[0].Observation, "no observation may land after cancellation")
}

func testListActive(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	a := create(t, s)
	b := create(t, s)
	c := create(t, s)
	require.NoError(t, s.Cancel(ctx, b.ID))

	ids, err := s.ListActive(ctx, 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, c.ID}, ids)

	ids, err = s.ListActive(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}
