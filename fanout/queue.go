package fanout

import "sync"

// queue is a bounded FIFO that drops its oldest event when full.
type queue struct {
	mu      sync.Mutex
	items   []Event
	size    int
	dropped int
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

func newQueue(size int) *queue {
	return &queue{
		items:  make([]Event, 0, size),
		size:   size,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push appends evt and reports whether an older event was dropped for it.
func (q *queue) push(evt Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	dropped := false
	if len(q.items) >= q.size {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, evt)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (q *queue) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := make([]Event, len(q.items))
	copy(out, q.items)
	q.items = q.items[:0]
	return out
}

func (q *queue) droppedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}
