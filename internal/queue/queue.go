// Package queue defines the durable, at-least-once message queue the services
// communicate through, and the consume loop shared by every consumer.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Dequeue after the queue was closed.
var ErrClosed = errors.New("queue closed")

// Delivery is one received message. It must be passed back to Ack once the
// consumer's effects are durable; unacked deliveries are redelivered.
type Delivery struct {
	Topic   string
	Key     string
	Body    []byte
	Headers map[string]string
	ID      string
	// Attempt is 1 on first delivery and grows with every redelivery.
	Attempt int

	receipt any
}

// NewDelivery builds a Delivery carrying a backend-specific receipt.
func NewDelivery(topic, key, id string, body []byte, headers map[string]string, attempt int, receipt any) *Delivery {
	return &Delivery{
		Topic:   topic,
		Key:     key,
		Body:    body,
		Headers: headers,
		ID:      id,
		Attempt: attempt,
		receipt: receipt,
	}
}

// Receipt returns the backend-specific handle stored by NewDelivery.
func (d *Delivery) Receipt() any { return d.receipt }

// Queue is a topic-addressed durable queue.
type Queue interface {
	// Enqueue publishes body to topic. key groups related messages (the task id).
	Enqueue(ctx context.Context, topic, key string, body []byte) error
	// Dequeue blocks until a message is available on topic or ctx is done.
	// Safe for concurrent use.
	Dequeue(ctx context.Context, topic string) (*Delivery, error)
	// Ack marks the delivery as processed.
	Ack(ctx context.Context, d *Delivery) error
	Close() error
}
