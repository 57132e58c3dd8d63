package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// DefaultVisibility is how long a dequeued message stays invisible before it
// is handed out again.
const DefaultVisibility = 30 * time.Second

type memMessage struct {
	id       string
	key      string
	body     []byte
	headers  map[string]string
	attempt  int
	deadline time.Time
}

type memTopic struct {
	ready    []*memMessage
	inflight map[string]*memMessage
}

// MemoryQueue is an in-process Queue with visibility-timeout redelivery.
// Messages do not survive a restart.
type MemoryQueue struct {
	mu         sync.Mutex
	visibility time.Duration
	topics     map[string]*memTopic
	notify     chan struct{}
	seq        int64
	closed     bool
}

// NewMemoryQueue returns a MemoryQueue; visibility <= 0 selects DefaultVisibility.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	return &MemoryQueue{
		visibility: visibility,
		topics:     make(map[string]*memTopic),
		notify:     make(chan struct{}),
	}
}

func (q *MemoryQueue) topic(name string) *memTopic {
	t, ok := q.topics[name]
	if !ok {
		t = &memTopic{inflight: make(map[string]*memMessage)}
		q.topics[name] = t
	}
	return t
}

// broadcast wakes every blocked Dequeue. Caller holds q.mu.
func (q *MemoryQueue) broadcast() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *MemoryQueue) Enqueue(ctx context.Context, topic, key string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.seq++
	q.topic(topic).ready = append(q.topic(topic).ready, &memMessage{
		id:      strconv.FormatInt(q.seq, 10),
		key:     key,
		body:    append([]byte(nil), body...),
		headers: InjectHeaders(ctx),
	})
	q.broadcast()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, topic string) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		t := q.topic(topic)
		now := time.Now()
		if m := q.take(t, now); m != nil {
			q.mu.Unlock()
			return NewDelivery(topic, m.key, m.id, append([]byte(nil), m.body...), m.headers, m.attempt, m.attempt), nil
		}

		wait := q.notify
		var timer *time.Timer
		var expired <-chan time.Time
		if next, ok := nextDeadline(t); ok {
			timer = time.NewTimer(next.Sub(now))
			expired = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wait:
		case <-expired:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// take hands out an expired in-flight message first, then the oldest ready one.
// Caller holds q.mu.
func (q *MemoryQueue) take(t *memTopic, now time.Time) *memMessage {
	var m *memMessage
	for _, cand := range t.inflight {
		if !cand.deadline.After(now) && (m == nil || cand.deadline.Before(m.deadline)) {
			m = cand
		}
	}
	if m == nil && len(t.ready) > 0 {
		m = t.ready[0]
		t.ready = t.ready[1:]
	}
	if m == nil {
		return nil
	}
	m.attempt++
	m.deadline = now.Add(q.visibility)
	t.inflight[m.id] = m
	return m
}

func nextDeadline(t *memTopic) (time.Time, bool) {
	var next time.Time
	found := false
	for _, m := range t.inflight {
		if !found || m.deadline.Before(next) {
			next = m.deadline
			found = true
		}
	}
	return next, found
}

// Ack removes the message. Acking a delivery that was since handed out again
// is ignored so the newer holder keeps ownership.
func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.topic(d.Topic)
	m, ok := t.inflight[d.ID]
	if !ok {
		return nil
	}
	if attempt, _ := d.Receipt().(int); attempt != m.attempt {
		return nil
	}
	delete(t.inflight, d.ID)
	return nil
}

// Len returns the number of ready plus in-flight messages on topic.
func (q *MemoryQueue) Len(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.topic(topic)
	return len(t.ready) + len(t.inflight)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcast()
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
