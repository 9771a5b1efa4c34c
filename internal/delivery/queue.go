// Package delivery decouples event production from delivery I/O: an
// ordered, unbounded queue fed by the aggregator and drained by a single
// dispatcher loop that pushes to live connections and posts callbacks.
package delivery

import "sync"

// Channel selects the delivery mechanism for a queued item.
type Channel int

const (
	// Push delivers to live websocket subscribers.
	Push Channel = iota
	// Callback delivers to the task's registered callback URL.
	Callback
)

// Item is one unit of delivery work. Payload is the JSON-ready event body.
type Item struct {
	TaskID  string
	Channel Channel
	Event   string
	Payload map[string]any
}

// Queue is a strict-FIFO unbounded queue, safe for concurrent enqueue from
// many producers. Dequeue is non-blocking; the single dispatcher consumer
// polls it on a short interval.
type Queue struct {
	mu    sync.Mutex
	items []Item
}

// NewQueue constructs an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends an item. It never blocks and never drops.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// TryDequeue pops the oldest item, if any.
func (q *Queue) TryDequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
