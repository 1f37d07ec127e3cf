// Package mailbox implements per-agent FIFO inboxes with long-poll wake-up.
package mailbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hexmesh/hexmesh/internal/debug"
	"github.com/hexmesh/hexmesh/internal/protocol"
)

// Router holds every agent's inbox. Messages are retained until fetched;
// there is no persistence across hub restarts.
type Router struct {
	mu      sync.Mutex
	inboxes map[string][]protocol.AgentMessage
	// One pending long-poll waiter per agent. A fresh registration replaces
	// the previous one; replaced waiters wake immediately and return empty,
	// never draining a delivery meant for their successor.
	waiters map[string]*waiter

	// onDeliver, when set, fires after each successful delivery so the hub
	// can push an inbox notification to the recipient's adapter.
	onDeliver func(agentID string, count int)
}

// waiter is one pending long-poll registration. replaced is set, under the
// router lock, before the channel is closed.
type waiter struct {
	ch       chan struct{}
	replaced bool
}

// New returns an empty router.
func New() *Router {
	return &Router{
		inboxes: make(map[string][]protocol.AgentMessage),
		waiters: make(map[string]*waiter),
	}
}

// OnDeliver registers the post-delivery hook. Called outside the router lock.
func (r *Router) OnDeliver(fn func(agentID string, count int)) {
	r.mu.Lock()
	r.onDeliver = fn
	r.mu.Unlock()
}

// NewMessage builds an inbox entry with a fresh id and timestamp.
func NewMessage(from, msgType string, payload json.RawMessage) protocol.AgentMessage {
	return protocol.AgentMessage{
		ID:        uuid.NewString(),
		From:      from,
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Deliver appends msg to the recipient's inbox, wakes its pending waiter if
// any, and fires the delivery hook. Returns the inbox size after delivery.
func (r *Router) Deliver(recipientID string, msg protocol.AgentMessage) int {
	r.mu.Lock()
	r.inboxes[recipientID] = append(r.inboxes[recipientID], msg)
	count := len(r.inboxes[recipientID])
	if w, ok := r.waiters[recipientID]; ok {
		close(w.ch)
		delete(r.waiters, recipientID)
	}
	hook := r.onDeliver
	r.mu.Unlock()

	debug.LogKV("mailbox", "delivered",
		"recipient", recipientID, "from", msg.From, "type", msg.Type, "inbox_size", count)
	if hook != nil {
		hook(recipientID, count)
	}
	return count
}

// Fetch returns inbox messages in send order. With since == nil the whole
// inbox is drained. With since set, only messages strictly newer than since
// are returned; messages at or before since stay queued.
func (r *Router) Fetch(agentID string, since *time.Time) []protocol.AgentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	queued := r.inboxes[agentID]
	if since == nil {
		delete(r.inboxes, agentID)
		return append([]protocol.AgentMessage{}, queued...)
	}

	var returned, retained []protocol.AgentMessage
	for _, msg := range queued {
		if msg.Timestamp.After(*since) {
			returned = append(returned, msg)
		} else {
			retained = append(retained, msg)
		}
	}
	if len(retained) == 0 {
		delete(r.inboxes, agentID)
	} else {
		r.inboxes[agentID] = retained
	}
	return returned
}

// Pending returns the inbox size without draining it.
func (r *Router) Pending(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inboxes[agentID])
}

// Drop discards an agent's inbox and cancels its pending waiter. Called when
// the agent record is removed.
func (r *Router) Drop(agentID string) {
	r.mu.Lock()
	delete(r.inboxes, agentID)
	if w, ok := r.waiters[agentID]; ok {
		close(w.ch)
		delete(r.waiters, agentID)
	}
	r.mu.Unlock()
}

// Poll implements the long-poll fetch. A non-empty inbox returns immediately.
// Otherwise the call blocks until the next delivery, the timeout (clamped to
// MaxPollTimeout), context cancellation, or a newer Poll for the same agent
// superseding this one. The inbox is re-fetched at wake time; a superseded
// waiter returns empty instead, leaving the inbox to its successor.
func (r *Router) Poll(ctx context.Context, agentID string, since *time.Time, wait bool, timeout time.Duration) []protocol.AgentMessage {
	if msgs := r.Fetch(agentID, since); len(msgs) > 0 || !wait {
		return msgs
	}

	if timeout <= 0 || timeout > protocol.MaxPollTimeout {
		timeout = protocol.MaxPollTimeout
	}

	r.mu.Lock()
	if prev, ok := r.waiters[agentID]; ok {
		prev.replaced = true
		close(prev.ch)
	}
	w := &waiter{ch: make(chan struct{})}
	r.waiters[agentID] = w
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.ch:
	case <-timer.C:
	case <-ctx.Done():
	}

	r.mu.Lock()
	if r.waiters[agentID] == w {
		delete(r.waiters, agentID)
	}
	replaced := w.replaced
	r.mu.Unlock()
	if replaced {
		return nil
	}

	return r.Fetch(agentID, since)
}
