package adapter

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/hexmesh/hexmesh/internal/debug"
	"github.com/hexmesh/hexmesh/internal/protocol"
)

// Reconnect schedule after the hub connection drops.
const (
	reconnectInitial  = time.Second
	reconnectMax      = 30 * time.Second
	reconnectAttempts = 10
	dialTimeout       = 10 * time.Second
)

// Client is the adapter's connection to the hub. Requests are correlated by
// requestId; a reply arriving after its caller gave up is dropped.
type Client struct {
	endpoint string
	onPush   func(*protocol.Msg)

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[string]chan protocol.Result
	closed  bool

	writeMu sync.Mutex
}

// Dial connects to the hub's agent channel. onPush receives push frames
// (inbox notifications, removal notices); it may be nil.
func Dial(ctx context.Context, serverURL, agentID string, onPush func(*protocol.Msg)) (*Client, error) {
	c := &Client{
		endpoint: agentEndpoint(serverURL, agentID),
		onPush:   onPush,
		pending:  make(map[string]chan protocol.Result),
	}
	ws, _, err := websocket.Dial(ctx, c.endpoint, nil)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrTransport, "dialing hub: %v", err)
	}
	c.ws = ws
	go c.readLoop(ws)
	return c, nil
}

func agentEndpoint(serverURL, agentID string) string {
	return strings.TrimRight(serverURL, "/") + "/ws/agent?agentId=" + url.QueryEscape(agentID)
}

// Close tears down the connection and fails every in-flight call.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.failPendingLocked()
	c.mu.Unlock()
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "")
	}
}

func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		ch <- protocol.FailResult(protocol.Errorf(protocol.ErrTransport, "connection lost"))
		delete(c.pending, id)
	}
}

// Call sends one request and waits for its reply. timeout <= 0 uses the
// default tool budget.
func (c *Client) Call(ctx context.Context, kind protocol.Kind, payload any, timeout time.Duration) (*protocol.Result, error) {
	if timeout <= 0 {
		timeout = protocol.ToolTimeout
	}
	requestID := uuid.NewString()
	frame, err := protocol.Encode(kind, requestID, payload)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrValidation, "encoding request: %v", err)
	}

	ch := make(chan protocol.Result, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, protocol.Errorf(protocol.ErrTransport, "client closed")
	}
	ws := c.ws
	c.pending[requestID] = ch
	c.mu.Unlock()
	if ws == nil {
		c.forget(requestID)
		return nil, protocol.Errorf(protocol.ErrTransport, "not connected to hub")
	}

	if err := c.write(ctx, ws, frame, timeout); err != nil {
		c.forget(requestID)
		return nil, protocol.Errorf(protocol.ErrTransport, "sending %s: %v", kind, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return &res, nil
	case <-timer.C:
		c.forget(requestID)
		return nil, protocol.Errorf(protocol.ErrTimeout, "%s: no reply within %s", kind, timeout)
	case <-ctx.Done():
		c.forget(requestID)
		return nil, protocol.Errorf(protocol.ErrTransport, "%s: %v", kind, ctx.Err())
	}
}

func (c *Client) write(ctx context.Context, ws *websocket.Conn, frame []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, frame)
}

func (c *Client) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, frame, err := ws.Read(context.Background())
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			debug.LogKV("adapter", "dropping malformed frame", "err", err)
			continue
		}
		c.route(msg)
	}
}

func (c *Client) route(msg *protocol.Msg) {
	if msg.RequestID == "" {
		if c.onPush != nil {
			c.onPush(msg)
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	if ok {
		delete(c.pending, msg.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		debug.LogKV("adapter", "dropping late reply", "kind", string(msg.Type))
		return
	}

	var res protocol.Result
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		res = protocol.FailResult(protocol.Errorf(protocol.ErrTransport, "malformed reply: %v", err))
	}
	ch <- res
}

// handleDisconnect fails in-flight calls and redials with doubling backoff.
// The client stays usable across the gap; calls issued while disconnected
// fail fast instead of queueing.
func (c *Client) handleDisconnect(old *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.ws != old {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.failPendingLocked()
	c.mu.Unlock()
	debug.LogKV("adapter", "hub connection lost", "err", cause)

	delay := reconnectInitial
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		time.Sleep(delay)
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		ws, _, err := websocket.Dial(dialCtx, c.endpoint, nil)
		cancel()
		if err != nil {
			debug.LogKV("adapter", "reconnect failed", "attempt", attempt, "err", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.CloseNow()
			return
		}
		c.ws = ws
		c.mu.Unlock()
		debug.LogKV("adapter", "reconnected to hub", "attempt", attempt)
		go c.readLoop(ws)
		return
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	debug.LogKV("adapter", "abandoning hub reconnect", "attempts", reconnectAttempts)
}
