package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
	"github.com/ramiqadoumi/go-agent-flow/pkg/retry"
)

func TestMemoryQueue_FIFO(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "t", "k1", []byte("one")))
	require.NoError(t, q.Enqueue(ctx, "t", "k2", []byte("two")))

	d1, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)
	d2, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)

	assert.Equal(t, "one", string(d1.Body))
	assert.Equal(t, "k1", d1.Key)
	assert.Equal(t, 1, d1.Attempt)
	assert.Equal(t, "two", string(d2.Body))
}

func TestMemoryQueue_BlocksUntilEnqueue(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan *queue.Delivery, 1)
	go func() {
		d, err := q.Dequeue(ctx, "t")
		if err == nil {
			got <- d
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "t", "k", []byte("late")))

	select {
	case d := <-got:
		assert.Equal(t, "late", string(d.Body))
	case <-ctx.Done():
		t.Fatal("dequeue did not wake up after enqueue")
	}
}

func TestMemoryQueue_RedeliversUnackedAfterVisibility(t *testing.T) {
	q := queue.NewMemoryQueue(30 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, "t", "k", []byte("body")))
	first, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)

	second, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempt)

	// The stale receipt does not remove the redelivered message.
	require.NoError(t, q.Ack(ctx, first))
	assert.Equal(t, 1, q.Len("t"))

	require.NoError(t, q.Ack(ctx, second))
	assert.Equal(t, 0, q.Len("t"))
}

func TestMemoryQueue_AckedMessageNotRedelivered(t *testing.T) {
	q := queue.NewMemoryQueue(20 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "t", "k", []byte("body")))
	d, err := q.Dequeue(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, d))

	short, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short, "t")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_Close(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), "t")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, queue.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Dequeue")
	}
	assert.ErrorIs(t, q.Enqueue(context.Background(), "t", "k", nil), queue.ErrClosed)
}

func TestConsume_AcksOnSuccessAndRedeliversOnFailure(t *testing.T) {
	q := queue.NewMemoryQueue(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, queue.Publish(ctx, q, domain.TopicStepsCompleted, "task-1",
		domain.CompletionMessage{TaskID: "task-1", StepIndex: 0, Batch: 0}))

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = queue.Consume(ctx, q, queue.ConsumerConfig{
			Topic:       domain.TopicStepsCompleted,
			Concurrency: 2,
			Retry:       retry.Config{MaxAttempts: 1},
		}, func(_ context.Context, d *queue.Delivery) error {
			var msg domain.CompletionMessage
			assert.NoError(t, queue.Decode(d.Body, &msg))
			assert.Equal(t, "task-1", msg.TaskID)
			if calls.Add(1) == 1 {
				return errors.New("store unavailable")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("message was not redelivered after handler failure")
	}
	cancel()

	assert.Equal(t, int32(2), calls.Load())
	assert.Eventually(t, func() bool { return q.Len(domain.TopicStepsCompleted) == 0 },
		time.Second, 5*time.Millisecond)
}

func TestCodec_RoundTripDispatchMessage(t *testing.T) {
	in := domain.DispatchMessage{
		TaskID:    "task-1",
		StepIndex: 2,
		Batch:     1,
		Action:    domain.Action{Capability: "developer", Input: []byte(`{"description":"x"}`), Stage: 1},
	}
	body, err := queue.Encode(in)
	require.NoError(t, err)

	var out domain.DispatchMessage
	require.NoError(t, queue.Decode(body, &out))
	assert.Equal(t, in.TaskID, out.TaskID)
	assert.Equal(t, in.StepIndex, out.StepIndex)
	assert.JSONEq(t, `{"description":"x"}`, string(out.Action.Input))

	assert.Error(t, queue.Decode([]byte("not-json"), &out))
}
