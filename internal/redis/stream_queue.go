package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
)

const (
	streamPrefix = "stream:"
	blockFor     = 2 * time.Second
)

// StreamQueue implements queue.Queue on Redis Streams. Each topic is a stream
// read through one consumer group; entries idle longer than the visibility
// window are claimed by the next Dequeue.
type StreamQueue struct {
	client     *redis.Client
	group      string
	consumer   string
	visibility time.Duration
	maxLen     int64

	groups sync.Map // stream -> struct{}
}

// NewStreamQueue creates a stream queue. consumer must be unique per process.
func NewStreamQueue(client *redis.Client, group, consumer string, visibility time.Duration) *StreamQueue {
	if visibility <= 0 {
		visibility = queue.DefaultVisibility
	}
	return &StreamQueue{
		client:     client,
		group:      group,
		consumer:   consumer,
		visibility: visibility,
		maxLen:     100_000,
	}
}

func streamKey(topic string) string { return streamPrefix + topic }

func (q *StreamQueue) Enqueue(ctx context.Context, topic, key string, body []byte) error {
	headers, err := json.Marshal(queue.InjectHeaders(ctx))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"key": key, "body": body, "headers": headers},
	}).Err()
	if err != nil {
		return &domain.QueueUnavailableError{Op: "xadd " + topic, Err: err}
	}
	return nil
}

func (q *StreamQueue) ensureGroup(ctx context.Context, stream string) error {
	if _, ok := q.groups.Load(stream); ok {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return &domain.QueueUnavailableError{Op: "create group on " + stream, Err: err}
	}
	q.groups.Store(stream, struct{}{})
	return nil
}

func (q *StreamQueue) Dequeue(ctx context.Context, topic string) (*queue.Delivery, error) {
	stream := streamKey(topic)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Reclaim entries another consumer read but never acked.
		claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.visibility,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &domain.QueueUnavailableError{Op: "xautoclaim " + topic, Err: err}
		}
		if len(claimed) > 0 {
			return q.delivery(topic, claimed[0], q.retryCount(ctx, stream, claimed[0].ID)), nil
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    blockFor,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &domain.QueueUnavailableError{Op: "xreadgroup " + topic, Err: err}
		}
		for _, s := range streams {
			if len(s.Messages) > 0 {
				return q.delivery(topic, s.Messages[0], 1), nil
			}
		}
	}
}

// retryCount reads the delivery counter of a pending entry. XAUTOCLAIM has
// already incremented it.
func (q *StreamQueue) retryCount(ctx context.Context, stream, id string) int {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  q.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 2
	}
	return int(pending[0].RetryCount)
}

func (q *StreamQueue) delivery(topic string, m redis.XMessage, attempt int) *queue.Delivery {
	key, _ := m.Values["key"].(string)
	body, _ := m.Values["body"].(string)
	var headers map[string]string
	if raw, ok := m.Values["headers"].(string); ok {
		_ = json.Unmarshal([]byte(raw), &headers)
	}
	return queue.NewDelivery(topic, key, m.ID, []byte(body), headers, attempt, nil)
}

func (q *StreamQueue) Ack(ctx context.Context, d *queue.Delivery) error {
	if err := q.client.XAck(ctx, streamKey(d.Topic), q.group, d.ID).Err(); err != nil {
		return &domain.QueueUnavailableError{Op: "xack " + d.Topic, Err: err}
	}
	return nil
}

// Close is a no-op; the caller owns the client.
func (q *StreamQueue) Close() error { return nil }

var _ queue.Queue = (*StreamQueue)(nil)
