package hub

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hexmesh/hexmesh/internal/debug"
	"github.com/hexmesh/hexmesh/internal/protocol"
)

const writeTimeout = 15 * time.Second

// Server accepts control clients at /ws and per-agent tool adapters at
// /ws/agent. It implements Notifier so hub components can push without
// knowing about connections.
type Server struct {
	hub *Hub

	mu       sync.Mutex
	controls map[*conn]struct{}
	agents   map[string]*conn
}

// conn is one websocket peer. Writes are serialized through a mutex; each
// request is handled in its own goroutine so a long poll never blocks the
// read loop.
type conn struct {
	ws      *websocket.Conn
	agentID string // empty for control clients

	writeMu sync.Mutex
	// cancel tears down every in-flight handler when the transport closes,
	// rejecting its pending requests immediately.
	cancel context.CancelFunc
}

// NewServer wires a server to the hub and installs it as the push sink.
func NewServer(h *Hub) *Server {
	srv := &Server{
		hub:      h,
		controls: make(map[*conn]struct{}),
		agents:   make(map[string]*conn),
	}
	h.SetNotifier(srv)
	return srv
}

// Handler returns the HTTP mux for the control plane.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleControl)
	mux.HandleFunc("/ws/agent", srv.handleAgent)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// ListenAndServe runs the control plane until ctx is cancelled.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()
	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (srv *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	srv.serve(w, r, "")
}

func (srv *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		http.Error(w, "agentId query parameter required", http.StatusBadRequest)
		return
	}
	if _, ok := srv.hub.Directory().Get(agentID); !ok {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}
	srv.serve(w, r, agentID)
}

func (srv *Server) serve(w http.ResponseWriter, r *http.Request, agentID string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{ws: ws, agentID: agentID, cancel: cancel}
	srv.register(c)
	defer srv.unregister(c)

	debug.LogKV("hub", "peer connected", "agent_id", agentID)
	for {
		_, frame, err := ws.Read(ctx)
		if err != nil {
			debug.LogKV("hub", "peer disconnected", "agent_id", agentID, "err", err)
			return
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			debug.LogKV("hub", "dropping malformed frame", "agent_id", agentID, "err", err)
			continue
		}
		// Per-request goroutine: a blocked long poll on this connection must
		// not stall its other requests.
		go func(msg *protocol.Msg) {
			if reply := srv.hub.HandleMsg(ctx, agentID, msg); reply != nil {
				c.write(ctx, reply)
			}
		}(msg)
	}
}

func (srv *Server) register(c *conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if c.agentID == "" {
		srv.controls[c] = struct{}{}
		return
	}
	// A reconnecting adapter replaces its previous connection.
	if prev, ok := srv.agents[c.agentID]; ok {
		prev.cancel()
		prev.ws.CloseNow()
	}
	srv.agents[c.agentID] = c
}

func (srv *Server) unregister(c *conn) {
	c.cancel()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if c.agentID == "" {
		delete(srv.controls, c)
		return
	}
	if srv.agents[c.agentID] == c {
		delete(srv.agents, c.agentID)
	}
}

// PushControl implements Notifier.
func (srv *Server) PushControl(kind protocol.Kind, payload any) {
	frame, err := protocol.Encode(kind, "", payload)
	if err != nil {
		return
	}
	srv.mu.Lock()
	conns := make([]*conn, 0, len(srv.controls))
	for c := range srv.controls {
		conns = append(conns, c)
	}
	srv.mu.Unlock()

	for _, c := range conns {
		c.write(context.Background(), frame)
	}
}

// PushAgent implements Notifier.
func (srv *Server) PushAgent(agentID string, kind protocol.Kind, payload any) {
	srv.mu.Lock()
	c, ok := srv.agents[agentID]
	srv.mu.Unlock()
	if !ok {
		return
	}
	frame, err := protocol.Encode(kind, "", payload)
	if err != nil {
		return
	}
	c.write(context.Background(), frame)
}

func (c *conn) write(ctx context.Context, frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, frame); err != nil {
		c.ws.CloseNow()
	}
}
