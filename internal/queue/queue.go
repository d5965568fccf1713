// Package queue is the durable at-least-once task queue between saga stages.
// Tasks carry a signed token and are delivered by HTTP POST to the stage
// that owns the queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stage queues.
const (
	QueueSplit      = "split"
	QueueAccumulate = "accumulate"
	QueueBatch      = "batch"
	QueuePayment    = "payment"
)

// Queues lists every queue in pipeline order.
var Queues = []string{QueueSplit, QueueAccumulate, QueueBatch, QueuePayment}

// ErrUnknownQueue is returned for a queue name no stage owns.
var ErrUnknownQueue = errors.New("queue: unknown queue")

// Headers set on every delivery.
const (
	HeaderTaskName   = "X-Task-Name"
	HeaderTaskQueue  = "X-Task-Queue"
	HeaderRetryCount = "X-Task-Retry-Count"
)

// Payload is the JSON body delivered to a stage.
type Payload struct {
	Token string `json:"token"`
}

// Task is a unit of work to enqueue.
type Task struct {
	// Name deduplicates enqueues; a second task with the same name is dropped.
	Name    string
	Queue   string
	Payload Payload
	Delay   time.Duration
}

// Delivery is a task claimed for execution.
type Delivery struct {
	ID              string
	Name            string
	Queue           string
	Payload         Payload
	Attempts        int
	FirstEnqueuedAt time.Time
}

// Enqueuer accepts tasks.
type Enqueuer interface {
	// Enqueue stores t and reports false when a task with the same name already exists.
	Enqueue(ctx context.Context, t Task) (bool, error)
}

// Broker stores tasks and hands them out under a lease.
type Broker interface {
	Enqueuer
	Claim(ctx context.Context, queue string, limit int, lease time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Retry(ctx context.Context, d Delivery, runAt time.Time, reason string) error
	DeadLetter(ctx context.Context, d Delivery, reason string) error
}

// TaskName derives the idempotency key for one hop of a lineage.
func TaskName(queue, lineage string, attempt uint16) string {
	return fmt.Sprintf("%s/%s/%d", queue, lineage, attempt)
}

// Validate checks t before it is stored.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("queue: task name required")
	}
	if !Known(t.Queue) {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, t.Queue)
	}
	if t.Payload.Token == "" {
		return errors.New("queue: empty token payload")
	}
	if t.Delay < 0 {
		return errors.New("queue: negative delay")
	}
	return nil
}

// Known reports whether name is a stage queue.
func Known(name string) bool {
	for _, q := range Queues {
		if q == name {
			return true
		}
	}
	return false
}

// Backoff returns the redelivery delay after attempts failed deliveries:
// floor doubled per attempt and capped at ceiling.
func Backoff(attempts int, floor, ceiling time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := floor
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
