// Package queue is the FIFO of TaskKey dicts sitting between the producer
// and the consumer. A small Queue interface lets a future durable broker
// implementation stand in for the in-memory FIFO without any caller
// change; only the in-memory implementation ships today.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskagent/runtime/pkg/config"
)

// TaskKeyDict is the wire shape enqueued/dequeued — the canonical
// taskkey.Key.ToDict() projection, kept untyped here so the queue package
// doesn't need to import taskkey just to shuttle bytes.
type TaskKeyDict = map[string]any

// ErrClosed is returned by Get/Put once the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// Queue is the producer/consumer contract. Put enqueues one work item; Get
// blocks until an item is available, ctx is cancelled, or the queue is
// closed. Implementations must be safe for concurrent use by multiple
// producers and multiple consumers.
type Queue interface {
	Put(ctx context.Context, item TaskKeyDict) error
	Get(ctx context.Context) (TaskKeyDict, error)
	Close() error
}

// InMemory is the process-local FIFO: a buffered channel guarded only by
// its own close semantics. This is the queue used when a deployment runs
// producer and consumer(s) as goroutines/processes sharing one memory
// space, or for tests.
type InMemory struct {
	items  chan TaskKeyDict
	closed chan struct{}
}

// NewInMemory creates a FIFO with the given buffer capacity. capacity<=0
// selects a 4096-item buffer; Put blocks while the buffer is full.
func NewInMemory(capacity int) *InMemory {
	if capacity <= 0 {
		capacity = 4096
	}
	return &InMemory{
		items:  make(chan TaskKeyDict, capacity),
		closed: make(chan struct{}),
	}
}

// Put enqueues item, blocking if the buffer is full.
func (q *InMemory) Put(ctx context.Context, item TaskKeyDict) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.items <- item:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get blocks until an item is available, the queue is closed, or ctx is done.
func (q *InMemory) Get(ctx context.Context) (TaskKeyDict, error) {
	select {
	case item, ok := <-q.items:
		if !ok {
			return nil, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops further Put calls from succeeding and unblocks any pending Get.
func (q *InMemory) Close() error {
	select {
	case <-q.closed:
		return nil
	default:
		close(q.closed)
		close(q.items)
		return nil
	}
}

// Depth reports the number of items currently buffered, used by the health
// endpoint.
func (q *InMemory) Depth() int {
	return len(q.items)
}

// ErrRabbitMQUnavailable is returned by NewRabbitMQ: no AMQP client ships
// in this repository's dependency set, so the broker-backed Queue variant
// is a documented seam rather than a working implementation.
var ErrRabbitMQUnavailable = errors.New("queue: rabbitmq backend not available in this build")

// NewRabbitMQ is the constructor a durable-broker Queue implementation
// would hang off of. It always fails today; New (below) falls back to the
// in-memory FIFO with a warning when config selects this mode so that a
// misconfigured RABBITMQ_HOST doesn't silently drop the mode back to
// "memory" without a trace.
func NewRabbitMQ(host string, port int, user, password, queueName string) (Queue, error) {
	return nil, fmt.Errorf("%w (host=%s port=%d queue=%s)", ErrRabbitMQUnavailable, host, port, queueName)
}

// New selects and constructs the configured Queue implementation.
// QueueModeRabbitMQ falls back to the in-memory FIFO with a logged warning
// rather than failing startup, since NewRabbitMQ is a documented seam, not
// a working backend.
func New(cfg config.QueueConfig) (Queue, error) {
	switch cfg.Mode {
	case config.QueueModeRabbitMQ:
		q, err := NewRabbitMQ(cfg.RabbitMQ.Host, cfg.RabbitMQ.Port, cfg.RabbitMQ.User, cfg.RabbitMQ.Password, cfg.RabbitMQ.Queue)
		if err != nil {
			slog.Warn("rabbitmq queue backend unavailable, falling back to in-memory FIFO", "error", err)
			return NewInMemory(cfg.Capacity), nil
		}
		return q, nil
	case config.QueueModeMemory, "":
		return NewInMemory(cfg.Capacity), nil
	default:
		return nil, fmt.Errorf("queue: unknown mode %q", cfg.Mode)
	}
}
