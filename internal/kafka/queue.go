package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
)

// Queue implements queue.Queue on Kafka topics. Readers are created lazily per
// topic and share one consumer group; offsets are committed only on Ack.
//
// There is no visibility window: an unacked message is fetched again only
// after the reader restarts or the group rebalances, and committing a later
// offset of the same partition skips it for good. Lost steps of a live
// process are recovered by the sweeper.
type Queue struct {
	writer  *kafka.Writer
	brokers []string
	groupID string
	logger  *slog.Logger

	mu      sync.Mutex
	readers map[string]*topicReader
}

type topicReader struct {
	mu     sync.Mutex
	reader *kafka.Reader
}

// NewQueue creates a Kafka-backed queue for the given brokers and consumer group.
func NewQueue(brokers []string, groupID string, logger *slog.Logger) *Queue {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{}, // route by task id → per-task ordering
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		// Auto-create topics if they don't exist
		AllowAutoTopicCreation: true,
	}
	return &Queue{
		writer:  w,
		brokers: brokers,
		groupID: groupID,
		logger:  logger,
		readers: make(map[string]*topicReader),
	}
}

func (q *Queue) Enqueue(ctx context.Context, topic, key string, body []byte) error {
	err := q.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   body,
		Headers: toHeaders(queue.InjectHeaders(ctx)),
		Time:    time.Now(),
	})
	if err != nil {
		return &domain.QueueUnavailableError{Op: "publish to " + topic, Err: err}
	}
	return nil
}

func (q *Queue) reader(topic string) *topicReader {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.readers[topic]
	if !ok {
		r = &topicReader{reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        q.brokers,
			Topic:          topic,
			GroupID:        q.groupID,
			MinBytes:       1,
			MaxBytes:       10e6, // 10 MB
			MaxWait:        500 * time.Millisecond,
			CommitInterval: 0, // manual commit only
			StartOffset:    kafka.FirstOffset,
		})}
		q.readers[topic] = r
	}
	return r
}

// Dequeue fetches the next message without committing it. Kafka does not count
// deliveries, so Attempt is always 1.
func (q *Queue) Dequeue(ctx context.Context, topic string) (*queue.Delivery, error) {
	r := q.reader(topic)
	r.mu.Lock()
	m, err := r.reader.FetchMessage(ctx)
	r.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil, queue.ErrClosed
		}
		return nil, &domain.QueueUnavailableError{Op: "fetch from " + topic, Err: err}
	}

	id := strconv.Itoa(m.Partition) + ":" + strconv.FormatInt(m.Offset, 10)
	return queue.NewDelivery(m.Topic, string(m.Key), id, m.Value, fromHeaders(m.Headers), 1, m), nil
}

// Ack commits the delivery's offset. Committing an offset also commits every
// earlier offset of the partition for this group.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	m, ok := d.Receipt().(kafka.Message)
	if !ok {
		return fmt.Errorf("kafka ack: delivery %s was not produced by this queue", d.ID)
	}
	if err := q.reader(d.Topic).reader.CommitMessages(ctx, m); err != nil {
		q.logger.Error("failed to commit kafka offset",
			slog.String("topic", m.Topic),
			slog.Int64("offset", m.Offset),
			slog.String("error", err.Error()),
		)
		return &domain.QueueUnavailableError{Op: "commit " + d.Topic, Err: err}
	}
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	errs := []error{q.writer.Close()}
	for _, r := range q.readers {
		errs = append(errs, r.reader.Close())
	}
	return errors.Join(errs...)
}

var _ queue.Queue = (*Queue)(nil)
