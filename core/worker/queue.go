package worker

import (
	"context"
	"sync"
)

// OverflowPolicy decides what a bounded queue does when it is full.
type OverflowPolicy int

const (
	// DropOldest discards the head of the queue to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the item being put.
	DropNewest
)

// Queue is an ordered mailbox. Put never blocks; by default the queue is
// unbounded and the network socket feeding it is the backpressure point.
//
// The signalling follows the same pattern as a text buffer: a mutex guarded
// slice plus a one-slot update channel that wakes a waiting reader.
type Queue[T any] struct {
	mu           sync.Mutex
	items        []T
	updateSignal chan struct{}

	capacity int
	policy   OverflowPolicy
	dropped  int
}

type QueueOption func(*queueOptions)

type queueOptions struct {
	capacity int
	policy   OverflowPolicy
}

// WithCapacity bounds the queue. A capacity of zero or less keeps it
// unbounded.
func WithCapacity(capacity int, policy OverflowPolicy) QueueOption {
	return func(o *queueOptions) {
		o.capacity = capacity
		o.policy = policy
	}
}

func NewQueue[T any](opts ...QueueOption) *Queue[T] {
	options := queueOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	return &Queue[T]{
		updateSignal: make(chan struct{}, 1),
		capacity:     options.capacity,
		policy:       options.policy,
	}
}

// Put enqueues item and reports whether it was kept.
func (q *Queue[T]) Put(item T) bool {
	q.mu.Lock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.dropped++
		if q.policy == DropNewest {
			q.mu.Unlock()
			return false
		}
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.signalUpdate()
	return true
}

// Get blocks until an item is available or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryGet(); ok {
			return item, nil
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.updateSignal:
		}
	}
}

// TryGet pops the head of the queue without waiting.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// Another reader may be waiting for the remaining items.
		q.signalUpdate()
	}
	return item, true
}

// Clear discards every queued item and returns how many there were.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	clear(q.items)
	q.items = q.items[:0]
	return n
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were discarded by the overflow policy.
func (q *Queue[T]) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue[T]) signalUpdate() {
	select {
	case q.updateSignal <- struct{}{}:
	default:
	}
}
