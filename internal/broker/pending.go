package broker

import (
	"sync"

	"github.com/stage7/postoffice/internal/message"
)

// PendingReplies tracks single-shot waiters for in-flight RPCs, keyed by
// correlation id. Resolve and Remove both detach the waiter, so a late reply
// after a timeout is dropped instead of waking a stale caller.
type PendingReplies struct {
	mu      sync.Mutex
	waiters map[string]chan *message.Message
}

func NewPendingReplies() *PendingReplies {
	return &PendingReplies{waiters: make(map[string]chan *message.Message)}
}

// Add registers a waiter and returns the channel the reply will arrive on.
// The channel is buffered so Resolve never blocks on a slow caller.
func (p *PendingReplies) Add(correlationID string) <-chan *message.Message {
	ch := make(chan *message.Message, 1)
	p.mu.Lock()
	p.waiters[correlationID] = ch
	p.mu.Unlock()
	return ch
}

// Resolve delivers a reply to its waiter. Returns false when no waiter is
// registered, which happens after a timeout already removed it.
func (p *PendingReplies) Resolve(correlationID string, m *message.Message) bool {
	p.mu.Lock()
	ch, ok := p.waiters[correlationID]
	if ok {
		delete(p.waiters, correlationID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- m
	return true
}

// Remove detaches a waiter without delivering, used on timeout.
func (p *PendingReplies) Remove(correlationID string) {
	p.mu.Lock()
	delete(p.waiters, correlationID)
	p.mu.Unlock()
}

// Len reports the number of in-flight waiters.
func (p *PendingReplies) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
