package services

import "sync"

// taskQueue serializes state mutations triggered by engine lifecycle
// events. Each room owns one queue so callbacks from the engine never
// race with each other; signaling requests for the room synchronize via
// the same queue where ordering matters.
type taskQueue struct {
	mu     sync.Mutex
	ch     chan func()
	closed bool
	done   chan struct{}
}

func newTaskQueue(buffer int) *taskQueue {
	q := &taskQueue{
		ch:   make(chan func(), buffer),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *taskQueue) run() {
	defer close(q.done)
	for fn := range q.ch {
		fn()
	}
}

// Enqueue schedules fn on the queue's goroutine. Tasks enqueued after
// Close are dropped: the room is gone and its state with it.
func (q *taskQueue) Enqueue(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.ch <- fn
}

// Close stops the queue after draining already-enqueued tasks.
func (q *taskQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	<-q.done
}
