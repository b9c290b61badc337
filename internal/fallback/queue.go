// Package fallback holds the per-recipient FIFO used for HTTP delivery when
// the broker is down, and the sweeper that drains it.
package fallback

import (
	"sync"

	"github.com/stage7/postoffice/internal/message"
	"github.com/stage7/postoffice/pkg/metrics"
)

// Queue is a set of per-recipient FIFOs. Ordering is preserved per
// recipient; nothing is promised across recipients.
type Queue struct {
	mu     sync.Mutex
	queues map[string][]*message.Message
	depth  int
}

func NewQueue() *Queue {
	return &Queue{queues: make(map[string][]*message.Message)}
}

// Enqueue appends a message to its recipient's FIFO.
func (q *Queue) Enqueue(recipient string, m *message.Message) {
	q.mu.Lock()
	q.queues[recipient] = append(q.queues[recipient], m)
	q.depth++
	metrics.FallbackQueueDepth.Set(float64(q.depth))
	q.mu.Unlock()
}

// PopFront removes and returns the oldest message for a recipient.
func (q *Queue) PopFront(recipient string) (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.queues[recipient]
	if len(list) == 0 {
		return nil, false
	}
	m := list[0]
	if len(list) == 1 {
		delete(q.queues, recipient)
	} else {
		q.queues[recipient] = list[1:]
	}
	q.depth--
	metrics.FallbackQueueDepth.Set(float64(q.depth))
	return m, true
}

// PushFront reinserts a message at the head of its recipient's FIFO after a
// failed delivery, preserving relative order.
func (q *Queue) PushFront(recipient string, m *message.Message) {
	q.mu.Lock()
	q.queues[recipient] = append([]*message.Message{m}, q.queues[recipient]...)
	q.depth++
	metrics.FallbackQueueDepth.Set(float64(q.depth))
	q.mu.Unlock()
}

// Recipients returns a snapshot of recipients with pending messages.
func (q *Queue) Recipients() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.queues))
	for r := range q.queues {
		out = append(out, r)
	}
	return out
}

// Len returns the total number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// LenFor returns the number of queued messages for one recipient.
func (q *Queue) LenFor(recipient string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[recipient])
}
