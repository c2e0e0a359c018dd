package replica

import (
	"sync"

	"github.com/divir94/bitcoin/internal/feed"
)

// Queue is the FIFO of deltas staged while a snapshot is outstanding. One goroutine
// pushes and one pops; Notify wakes a consumer waiting on an empty queue.
type Queue struct {
	mu     sync.Mutex
	items  []feed.Message
	head   int
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) Push(m feed.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) Pop() (feed.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return nil, false
	}
	m := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items, q.head = q.items[:0], 0
	}
	return m, true
}

func (q *Queue) Peek() (feed.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return nil, false
	}
	return q.items[q.head], true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Drain empties the queue and returns what it held, oldest first.
func (q *Queue) Drain() []feed.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]feed.Message(nil), q.items[q.head:]...)
	q.items, q.head = nil, 0
	return out
}

func (q *Queue) Reset() { q.Drain() }

// Notify fires after a Push. A consumer should re-check Pop after waking.
func (q *Queue) Notify() <-chan struct{} { return q.notify }
