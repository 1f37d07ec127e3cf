package mailbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexmesh/hexmesh/internal/protocol"
)

func msgAt(id string, ts time.Time) protocol.AgentMessage {
	return protocol.AgentMessage{
		ID:        id,
		From:      "agent-sender",
		Type:      "broadcast",
		Payload:   json.RawMessage(`{"n":1}`),
		Timestamp: ts,
	}
}

func TestFetchDrainsWholeInboxWithoutSince(t *testing.T) {
	r := New()
	base := time.Now()
	r.Deliver("agent-a", msgAt("m1", base))
	r.Deliver("agent-a", msgAt("m2", base.Add(time.Second)))

	msgs := r.Fetch("agent-a", nil)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID, "send order preserved")
	assert.Equal(t, "m2", msgs[1].ID)

	assert.Empty(t, r.Fetch("agent-a", nil), "inbox drained")
	assert.Zero(t, r.Pending("agent-a"))
}

func TestFetchSincePartition(t *testing.T) {
	r := New()
	t1 := time.Now()
	t2 := t1.Add(time.Second)
	t3 := t2.Add(time.Second)
	r.Deliver("agent-a", msgAt("m1", t1))
	r.Deliver("agent-a", msgAt("m2", t2))
	r.Deliver("agent-a", msgAt("m3", t3))

	// since=T1 returns the strictly-newer pair and retains T1.
	msgs := r.Fetch("agent-a", &t1)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
	assert.Equal(t, 1, r.Pending("agent-a"))

	// since=T3 on a fresh set returns nothing and retains everything.
	r2 := New()
	r2.Deliver("agent-b", msgAt("m1", t1))
	r2.Deliver("agent-b", msgAt("m2", t2))
	r2.Deliver("agent-b", msgAt("m3", t3))
	assert.Empty(t, r2.Fetch("agent-b", &t3))
	assert.Equal(t, 3, r2.Pending("agent-b"))
}

func TestDeliverHookReportsInboxSize(t *testing.T) {
	r := New()
	var gotAgent string
	var gotCount int
	r.OnDeliver(func(agentID string, count int) {
		gotAgent = agentID
		gotCount = count
	})

	r.Deliver("agent-a", msgAt("m1", time.Now()))
	r.Deliver("agent-a", msgAt("m2", time.Now()))
	assert.Equal(t, "agent-a", gotAgent)
	assert.Equal(t, 2, gotCount)
}

func TestPollReturnsImmediatelyWhenInboxNonEmpty(t *testing.T) {
	r := New()
	r.Deliver("agent-a", msgAt("m1", time.Now()))

	start := time.Now()
	msgs := r.Poll(context.Background(), "agent-a", nil, true, 10*time.Second)
	require.Len(t, msgs, 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollWakesOnDelivery(t *testing.T) {
	r := New()
	done := make(chan []protocol.AgentMessage, 1)
	go func() {
		done <- r.Poll(context.Background(), "agent-a", nil, true, 10*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	r.Deliver("agent-a", msgAt("m1", time.Now()))

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
		assert.Equal(t, "m1", msgs[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not wake on delivery")
	}
}

func TestPollTimesOutEmpty(t *testing.T) {
	r := New()
	start := time.Now()
	msgs := r.Poll(context.Background(), "agent-a", nil, true, 100*time.Millisecond)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestNewPollSupersedesPrevious(t *testing.T) {
	r := New()
	first := make(chan []protocol.AgentMessage, 1)
	go func() {
		first <- r.Poll(context.Background(), "agent-a", nil, true, 10*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)

	second := make(chan []protocol.AgentMessage, 1)
	go func() {
		second <- r.Poll(context.Background(), "agent-a", nil, true, 10*time.Second)
	}()

	// The first waiter is woken by the replacement and finds nothing.
	select {
	case msgs := <-first:
		assert.Empty(t, msgs)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded poll did not return")
	}

	// Only the second waiter sees the delivery.
	r.Deliver("agent-a", msgAt("m1", time.Now()))
	select {
	case msgs := <-second:
		require.Len(t, msgs, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("active poll did not wake")
	}
}

func registeredWaiter(t *testing.T, r *Router, agentID string) *waiter {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		w := r.waiters[agentID]
		r.mu.Unlock()
		if w != nil {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("waiter never registered")
	return nil
}

func TestSupersededPollNeverDrainsSuccessorDelivery(t *testing.T) {
	r := New()
	first := make(chan []protocol.AgentMessage, 1)
	go func() {
		first <- r.Poll(context.Background(), "agent-a", nil, true, 10*time.Second)
	}()
	old := registeredWaiter(t, r, "agent-a")

	second := make(chan []protocol.AgentMessage, 1)
	go func() {
		second <- r.Poll(context.Background(), "agent-a", nil, true, 10*time.Second)
	}()
	// Deliver as soon as the replacement holds the slot, while the stale
	// waiter may still be in flight.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		cur := r.waiters["agent-a"]
		r.mu.Unlock()
		if cur != nil && cur != old {
			break
		}
		time.Sleep(time.Millisecond)
	}
	r.Deliver("agent-a", msgAt("m1", time.Now()))

	select {
	case msgs := <-first:
		assert.Empty(t, msgs, "stale waiter drained the successor's delivery")
	case <-time.After(2 * time.Second):
		t.Fatal("superseded poll did not return")
	}
	select {
	case msgs := <-second:
		require.Len(t, msgs, 1)
		assert.Equal(t, "m1", msgs[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("active poll did not receive the delivery")
	}
}

func TestPollHonorsContextCancellation(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []protocol.AgentMessage, 1)
	go func() {
		done <- r.Poll(ctx, "agent-a", nil, true, 10*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case msgs := <-done:
		assert.Empty(t, msgs)
	case <-time.After(2 * time.Second):
		t.Fatal("poll ignored context cancellation")
	}
}

func TestDropDiscardsInboxAndWakesWaiter(t *testing.T) {
	r := New()
	done := make(chan []protocol.AgentMessage, 1)
	go func() {
		done <- r.Poll(context.Background(), "agent-a", nil, true, 10*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)

	r.Drop("agent-a")
	select {
	case msgs := <-done:
		assert.Empty(t, msgs)
	case <-time.After(2 * time.Second):
		t.Fatal("drop did not wake waiter")
	}

	r.Deliver("agent-b", msgAt("m1", time.Now()))
	r.Drop("agent-b")
	assert.Zero(t, r.Pending("agent-b"))
}

func TestNewMessageFieldsPopulated(t *testing.T) {
	msg := NewMessage("agent-a", "result", json.RawMessage(`{"ok":true}`))
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "agent-a", msg.From)
	assert.Equal(t, "result", msg.Type)
	assert.False(t, msg.Timestamp.IsZero())
}
