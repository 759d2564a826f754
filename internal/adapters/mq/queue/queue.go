// Package queue carries roster refresh tasks from the debouncers to the
// refresh workers.
//
// Tasks are coalesced per event: while a task for an event is waiting,
// further tasks for the same event are absorbed.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/pkg/metrics"
)

// Default queue configuration constants.
const (
	defaultQueueCapacity = 1024
)

// Task is the payload type flowing through the queue.
type Task = model.RefreshTask

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a task to the queue.
	// Returns false if the queue is full or closed and the task was dropped.
	Enqueue(ctx context.Context, t Task) bool

	// Dequeue returns a channel that will receive tasks as they become available.
	// The channel will be closed when the queue is closed.
	Dequeue(ctx context.Context) <-chan Task

	// Len returns the current number of queued tasks.
	Len(ctx context.Context) int

	// Close gracefully shuts down the queue.
	Close() error

	// IsClosed returns true if the queue has been closed.
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	tasks    chan Task
	capacity int

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		capacity: defaultQueueCapacity,
		pending:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.tasks = make(chan Task, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	return q
}

// Enqueue adds a task to the queue. A task for an event that already has one
// waiting is absorbed and reported as accepted.
func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || ctx.Err() != nil {
		metrics.RecordQueueDropped()
		return false
	}
	if _, ok := q.pending[t.EventID]; ok {
		return true
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	select {
	case q.tasks <- t:
		q.pending[t.EventID] = struct{}{}
		metrics.UpdateQueueSize(len(q.tasks))
		return true
	default:
		metrics.RecordQueueDropped()
		return false
	}
}

// Dequeue returns a channel that will receive tasks as they become available.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Task {
	out := make(chan Task)
	go func() {
		defer close(out)
		for t := range q.tasks {
			q.mu.Lock()
			delete(q.pending, t.EventID)
			q.mu.Unlock()

			select {
			case out <- t:
				metrics.UpdateQueueSize(len(q.tasks))
				metrics.RecordQueueLatency(float64(time.Since(t.EnqueuedAt).Milliseconds()))
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Len returns the current number of queued tasks.
func (q *InMemoryQueue) Len(context.Context) int {
	size := len(q.tasks)
	metrics.UpdateQueueSize(size)
	return size
}

// Close gracefully shuts down the queue.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.tasks)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
