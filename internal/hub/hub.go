// Package hub is the control plane: it owns the session manager, agent
// directory, workspace manager, and mailbox router, and exposes every wire
// operation as a typed method. The websocket server in this package is a thin
// shell around these methods.
package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/hexmesh/hexmesh/internal/debug"
	"github.com/hexmesh/hexmesh/internal/directory"
	"github.com/hexmesh/hexmesh/internal/hexgrid"
	"github.com/hexmesh/hexmesh/internal/hexid"
	"github.com/hexmesh/hexmesh/internal/mailbox"
	"github.com/hexmesh/hexmesh/internal/protocol"
	"github.com/hexmesh/hexmesh/internal/term"
	"github.com/hexmesh/hexmesh/internal/workspace"
	"github.com/hexmesh/hexmesh/pkg/instructions"
)

// Notifier receives push notifications. The websocket server implements it;
// a no-op stands in when nothing is connected yet.
type Notifier interface {
	// PushControl fans a notification out to every control client.
	PushControl(kind protocol.Kind, payload any)
	// PushAgent notifies one agent's tool adapter, if connected.
	PushAgent(agentID string, kind protocol.Kind, payload any)
}

type noopNotifier struct{}

func (noopNotifier) PushControl(protocol.Kind, any) {}

func (noopNotifier) PushAgent(string, protocol.Kind, any) {}

// Options configures a hub.
type Options struct {
	// WorkRoot is the repository the agents operate on.
	WorkRoot string
	// ServerURL is the address adapters dial, propagated into every spawn.
	ServerURL string
	// AgentCommand launches the coding-agent CLI for worker/orchestrator
	// cells. Terminal cells get Shell instead.
	AgentCommand string
	AgentArgs    []string
	Shell        string

	// ActivityInterval paces the agent.activity snapshot. Zero disables it.
	ActivityInterval time.Duration
	// StaleWorkspaceAge prunes abandoned checkouts at startup. Zero disables.
	StaleWorkspaceAge time.Duration
}

// Hub ties the components together. All directory and session mutation runs
// through it.
type Hub struct {
	opts       Options
	sessions   *term.Manager
	agents     *directory.Directory
	workspaces *workspace.Manager
	mail       *mailbox.Router
	notify     Notifier
}

// New builds a hub and sweeps stale workspaces left by a previous run.
func New(ctx context.Context, opts Options) *Hub {
	h := &Hub{
		opts:       opts,
		sessions:   term.NewManager(),
		agents:     directory.New(),
		workspaces: workspace.NewManager(ctx, opts.WorkRoot),
		mail:       mailbox.New(),
		notify:     noopNotifier{},
	}
	h.mail.OnDeliver(func(agentID string, count int) {
		h.notify.PushAgent(agentID, protocol.PushInbox, protocol.InboxPush{
			AgentID: agentID,
			Count:   count,
		})
	})
	if opts.StaleWorkspaceAge > 0 {
		if removed, err := h.workspaces.SweepStale(ctx, opts.StaleWorkspaceAge); err != nil {
			debug.LogKV("hub", "stale workspace sweep failed", "err", err)
		} else if removed > 0 {
			debug.LogKV("hub", "swept stale workspaces", "removed", removed)
		}
	}
	return h
}

// SetNotifier installs the push sink. Called once by the server before it
// accepts connections.
func (h *Hub) SetNotifier(n Notifier) {
	if n != nil {
		h.notify = n
	}
}

// Directory exposes the agent registry for read-only callers (CLI commands).
func (h *Hub) Directory() *directory.Directory { return h.agents }

// Sessions exposes the session manager for read-only callers.
func (h *Hub) Sessions() *term.Manager { return h.sessions }

// Authorize rejects gated operations from non-orchestrator callers. An empty
// callerID is the human operator on the control channel and passes every
// gate.
func (h *Hub) Authorize(callerID string, kind protocol.Kind) error {
	if !protocol.GatedKinds[kind] || callerID == "" {
		return nil
	}
	caller, ok := h.agents.Get(callerID)
	if !ok {
		return protocol.Errorf(protocol.ErrPermission, "unknown caller %s", callerID)
	}
	if caller.CellType != protocol.CellOrchestrator {
		return protocol.Errorf(protocol.ErrPermission,
			"%s requires an orchestrator cell; %s is a %s", kind, callerID, caller.CellType)
	}
	return nil
}

// callerHex returns the spawn origin for auto-placement.
func (h *Hub) callerHex(callerID string) hexgrid.Hex {
	if caller, ok := h.agents.Get(callerID); ok {
		return caller.Hex
	}
	return hexgrid.Hex{}
}

// Spawn creates a new agent: hex placement, workspace, PTY session, and
// directory record. Any failure after a partial step rolls the step back; a
// half-initialized agent never survives.
func (h *Hub) Spawn(ctx context.Context, callerID string, req *protocol.SpawnRequest) (*protocol.SpawnResult, error) {
	if !req.CellType.Valid() {
		return nil, protocol.Errorf(protocol.ErrValidation, "unknown cell type %q", req.CellType)
	}

	origin := h.callerHex(callerID)
	hex, err := h.agents.Place(origin, req.Q, req.R)
	if err != nil {
		return nil, err
	}

	agentID := hexid.NewAgent()
	debug.LogKV("hub", "spawning agent",
		"agent_id", agentID, "cell_type", string(req.CellType), "hex", hex.String(), "parent", callerID)

	var ws *workspace.Workspace
	if req.CellType != protocol.CellTerminal {
		ws, err = h.workspaces.Create(ctx, agentID, workspace.ToolConfig{
			ServerURL: h.opts.ServerURL,
			AgentID:   agentID,
			CellType:  string(req.CellType),
			ParentID:  callerID,
			Hex:       hex.String(),
		})
		if err != nil {
			return nil, err
		}
		brief := instructions.Brief{
			AgentID:      agentID,
			CellType:     string(req.CellType),
			ParentID:     callerID,
			Task:         req.Task,
			Instructions: req.Instructions,
			TaskDetails:  req.TaskDetails,
		}
		briefPath := filepath.Join(ws.Path, instructions.BriefFileName)
		if err := os.WriteFile(briefPath, []byte(brief.Render()), 0o644); err != nil {
			debug.LogKV("hub", "writing agent brief failed", "agent_id", agentID, "err", err)
		}
	}

	command, args := h.opts.AgentCommand, h.opts.AgentArgs
	if req.CellType == protocol.CellTerminal {
		command, args = h.opts.Shell, nil
	}
	cwd := h.opts.WorkRoot
	if ws != nil {
		cwd = ws.Path
	}

	session, err := h.sessions.Create(term.Options{
		Command: command,
		Args:    args,
		Cwd:     cwd,
		Env:     h.agentEnv(agentID, req.CellType, callerID, hex),
	})
	if err != nil {
		if ws != nil {
			h.workspaces.Remove(ctx, agentID, true)
		}
		return nil, protocol.AsErrorInfo(err, protocol.ErrProcess)
	}

	agent := directory.Agent{
		ID:           agentID,
		CellType:     req.CellType,
		ParentID:     callerID,
		Hex:          hex,
		SessionID:    session.ID,
		Task:         req.Task,
		Instructions: req.Instructions,
		TaskDetails:  req.TaskDetails,
	}
	if ws != nil {
		agent.Workspace = ws.Path
	}
	if err := h.agents.Add(agent); err != nil {
		h.sessions.Dispose(session.ID)
		if ws != nil {
			h.workspaces.Remove(ctx, agentID, true)
		}
		return nil, err
	}

	h.attachSession(agentID, session)

	result := &protocol.SpawnResult{AgentID: agentID, Hex: hex, SessionID: session.ID}
	if ws != nil {
		result.Workspace = ws.Path
	}
	return result, nil
}

func (h *Hub) agentEnv(agentID string, cellType protocol.CellType, parentID string, hex hexgrid.Hex) map[string]string {
	env := map[string]string{
		"HEXMESH_AGENT_ID":   agentID,
		"HEXMESH_CELL_TYPE":  string(cellType),
		"HEXMESH_HEX":        hex.String(),
		"HEXMESH_SERVER_URL": h.opts.ServerURL,
	}
	if parentID != "" {
		env["HEXMESH_PARENT_ID"] = parentID
	}
	return env
}

// attachSession wires a session's output and exit into status inference and
// control-client pushes.
func (h *Hub) attachSession(agentID string, s *term.Session) {
	sessionID := s.ID
	s.Subscribe(term.Listener{
		OnData: func(chunk []byte) {
			h.notify.PushControl(protocol.TerminalData, protocol.TerminalDataPush{
				SessionID: sessionID,
				Data:      base64.StdEncoding.EncodeToString(chunk),
			})
			if agentID == "" {
				return
			}
			if a, changed := h.agents.ObserveActivity(agentID, chunk); changed {
				h.pushStatus(a, false)
			}
		},
		OnExit: func(code int) {
			h.notify.PushControl(protocol.TerminalExit, protocol.TerminalExitPush{
				SessionID: sessionID,
				ExitCode:  code,
			})
			if agentID == "" {
				return
			}
			status := protocol.StatusDone
			if code != 0 {
				status = protocol.StatusError
			}
			if a, changed, err := h.agents.SetStatus(agentID, status, "", true); err == nil && changed {
				h.pushStatus(a, true)
			}
		},
	})
}

func (h *Hub) pushStatus(a directory.Agent, explicit bool) {
	h.notify.PushControl(protocol.PushStatusUpdate, protocol.StatusUpdatePush{
		AgentID:  a.ID,
		Status:   a.Status,
		Message:  a.StatusMsg,
		Explicit: explicit,
	})
}

// GetGrid lists agents within range of the caller, nearest first.
func (h *Hub) GetGrid(callerID string, req *protocol.GetGridRequest) *protocol.GetGridResult {
	maxDistance := req.MaxDistance
	if maxDistance <= 0 {
		maxDistance = 5
	}
	return &protocol.GetGridResult{
		Agents: h.agents.Within(h.callerHex(callerID), maxDistance, callerID),
	}
}

// Broadcast delivers a payload to every other agent within hex radius of the
// sender. Zero recipients is a successful delivery of nothing.
func (h *Hub) Broadcast(callerID string, req *protocol.BroadcastRequest) (*protocol.BroadcastResult, error) {
	if req.Radius < 0 {
		return nil, protocol.Errorf(protocol.ErrValidation, "radius must be >= 0")
	}
	if req.Type == "" {
		return nil, protocol.Errorf(protocol.ErrValidation, "broadcast type is empty")
	}

	recipients := h.agents.Within(h.callerHex(callerID), req.Radius, callerID)
	result := &protocol.BroadcastResult{}
	for _, recipient := range recipients {
		h.mail.Deliver(recipient.ID, mailbox.NewMessage(callerID, req.Type, req.Payload))
		result.Delivered++
		result.Recipients = append(result.Recipients, recipient.ID)
	}
	debug.LogKV("hub", "broadcast",
		"sender", callerID, "radius", req.Radius, "delivered", result.Delivered)
	return result, nil
}

// ReportStatus applies an explicit status transition. Always honored.
func (h *Hub) ReportStatus(callerID string, req *protocol.ReportStatusRequest) error {
	a, changed, err := h.agents.SetStatus(callerID, req.State, req.Message, true)
	if err != nil {
		return err
	}
	if changed {
		h.pushStatus(a, true)
	}
	return nil
}

// reportResultPayload is the inbox body for a worker's result message.
type reportResultPayload struct {
	Result  json.RawMessage `json:"result,omitempty"`
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
}

// ReportResult delivers a worker's final result into its parent's inbox.
func (h *Hub) ReportResult(callerID string, req *protocol.ReportResultRequest) error {
	if req.ParentID == "" {
		return protocol.Errorf(protocol.ErrValidation, "parentId is empty")
	}
	if _, ok := h.agents.Get(req.ParentID); !ok {
		return protocol.Errorf(protocol.ErrNotFound, "unknown parent %s", req.ParentID)
	}
	payload, err := json.Marshal(reportResultPayload{
		Result:  req.Result,
		Success: req.Success,
		Message: req.Message,
	})
	if err != nil {
		return protocol.Errorf(protocol.ErrValidation, "encoding result payload: %v", err)
	}
	h.mail.Deliver(req.ParentID, mailbox.NewMessage(callerID, "result", payload))
	return nil
}

// GetMessages drains or long-polls the caller's inbox.
func (h *Hub) GetMessages(ctx context.Context, callerID string, req *protocol.GetMessagesRequest) *protocol.GetMessagesResult {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	msgs := h.mail.Poll(ctx, callerID, req.Since, req.Wait, timeout)
	if msgs == nil {
		msgs = []protocol.AgentMessage{}
	}
	return &protocol.GetMessagesResult{Messages: msgs}
}

// WorkerStatus reports a worker's current state and whether it is finished.
func (h *Hub) WorkerStatus(req *protocol.WorkerRequest) (*protocol.WorkerStatusResult, error) {
	worker, ok := h.agents.Get(req.WorkerID)
	if !ok {
		return nil, protocol.Errorf(protocol.ErrNotFound, "unknown worker %s", req.WorkerID)
	}
	return &protocol.WorkerStatusResult{
		Status:   worker.Status,
		Message:  worker.StatusMsg,
		Finished: directory.IsTerminal(worker.Status),
	}, nil
}

// WorkerDiff summarizes a worker's branch against its fork point.
func (h *Hub) WorkerDiff(ctx context.Context, req *protocol.WorkerRequest) (*protocol.WorkerDiffResult, error) {
	return h.workspaces.Diff(ctx, req.WorkerID)
}

// WorkerFiles lists a worker's changed files.
func (h *Hub) WorkerFiles(ctx context.Context, req *protocol.WorkerRequest) (*protocol.WorkerFilesResult, error) {
	return h.workspaces.ListFiles(ctx, req.WorkerID)
}

// WorkerCommits lists a worker's commits past the fork point.
func (h *Hub) WorkerCommits(ctx context.Context, req *protocol.WorkerRequest) (*protocol.WorkerCommitsResult, error) {
	return h.workspaces.ListCommits(ctx, req.WorkerID)
}

// MergeWorker squash-merges a worker's branch into the integration checkout.
func (h *Hub) MergeWorker(ctx context.Context, req *protocol.WorkerRequest) (*protocol.MergeResult, error) {
	return h.workspaces.Merge(ctx, req.WorkerID)
}

// CleanupWorker removes a worker's workspace. The agent record, if any,
// survives; kill removes both.
func (h *Hub) CleanupWorker(ctx context.Context, req *protocol.WorkerRequest) error {
	return h.workspaces.Remove(ctx, req.WorkerID, req.Force)
}

// KillWorker terminates a worker. With ConvertToTerminal the PTY survives as
// a plain shell and the cell is retagged; otherwise session, workspace,
// inbox, and record are all torn down.
func (h *Hub) KillWorker(ctx context.Context, req *protocol.KillWorkerRequest) error {
	worker, ok := h.agents.Get(req.WorkerID)
	if !ok {
		return protocol.Errorf(protocol.ErrNotFound, "unknown worker %s", req.WorkerID)
	}

	if req.ConvertToTerminal {
		if err := h.sessions.Respawn(worker.SessionID, h.opts.Shell); err != nil {
			return protocol.AsErrorInfo(err, protocol.ErrProcess)
		}
		converted, _ := h.agents.ConvertToTerminal(req.WorkerID)
		h.notify.PushControl(protocol.PushCellConverted, protocol.CellConvertedPush{
			AgentID:   converted.ID,
			SessionID: converted.SessionID,
		})
		return nil
	}

	return h.RemoveAgent(ctx, req.WorkerID, req.Force)
}

// RemoveAgent cascades: session disposed, workspace removed, inbox dropped,
// record deleted, removal pushed to control clients and the agent's adapter.
func (h *Hub) RemoveAgent(ctx context.Context, agentID string, force bool) error {
	agent, ok := h.agents.Get(agentID)
	if !ok {
		return protocol.Errorf(protocol.ErrNotFound, "unknown agent %s", agentID)
	}

	if agent.Workspace != "" {
		if err := h.workspaces.Remove(ctx, agentID, force); err != nil {
			return err
		}
	}
	if agent.SessionID != "" {
		h.sessions.Dispose(agent.SessionID)
	}
	h.mail.Drop(agentID)
	h.agents.Remove(agentID)

	removal := protocol.AgentRemovedPush{AgentID: agentID}
	h.notify.PushControl(protocol.PushAgentRemoved, removal)
	h.notify.PushAgent(agentID, protocol.PushAgentRemoved, removal)
	return nil
}

// CreateTerminal opens a session from the control client. Orchestrator and
// terminal cells get an agent record and a grid position; a bare request is
// a plain unaddressed session.
func (h *Hub) CreateTerminal(ctx context.Context, req *protocol.TerminalCreateRequest) (*protocol.TerminalCreateResult, error) {
	if req.CellType != "" {
		var q, r *int
		if req.Hex != nil {
			q, r = &req.Hex.Q, &req.Hex.R
		}
		spawn := &protocol.SpawnRequest{
			Q: q, R: r,
			CellType: req.CellType,
			Task:     req.Task,
		}
		result, err := h.Spawn(ctx, "", spawn)
		if err != nil {
			return nil, err
		}
		return &protocol.TerminalCreateResult{
			SessionID: result.SessionID,
			AgentID:   result.AgentID,
			Hex:       result.Hex,
		}, nil
	}

	session, err := h.sessions.Create(term.Options{
		Command: req.Command,
		Cwd:     h.opts.WorkRoot,
		Cols:    req.Cols,
		Rows:    req.Rows,
	})
	if err != nil {
		return nil, protocol.AsErrorInfo(err, protocol.ErrProcess)
	}
	h.attachSession("", session)
	return &protocol.TerminalCreateResult{SessionID: session.ID}, nil
}

// WriteTerminal forwards input bytes to a session.
func (h *Hub) WriteTerminal(req *protocol.TerminalWriteRequest) error {
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return protocol.Errorf(protocol.ErrValidation, "input is not valid base64")
	}
	if err := h.sessions.Write(req.SessionID, data); err != nil {
		return protocol.AsErrorInfo(err, protocol.ErrNotFound)
	}
	return nil
}

// ResizeTerminal resizes a session.
func (h *Hub) ResizeTerminal(req *protocol.TerminalResizeRequest) error {
	if err := h.sessions.Resize(req.SessionID, req.Cols, req.Rows); err != nil {
		return protocol.AsErrorInfo(err, protocol.ErrNotFound)
	}
	return nil
}

// DisposeTerminal tears down a session. When the session belongs to an agent
// the whole record cascades.
func (h *Hub) DisposeTerminal(ctx context.Context, req *protocol.TerminalDisposeRequest) error {
	for _, a := range h.agents.All() {
		if a.SessionID == req.SessionID {
			return h.RemoveAgent(ctx, a.ID, true)
		}
	}
	h.sessions.Dispose(req.SessionID)
	return nil
}

// ListSessions snapshots every live session with buffered output and agent
// metadata, enough for a reconnecting client to rebuild its state.
func (h *Hub) ListSessions() *protocol.SessionsListResult {
	byID := make(map[string]protocol.AgentInfo)
	for _, a := range h.agents.All() {
		if info, ok := h.agents.Info(a.ID); ok {
			byID[a.SessionID] = info
		}
	}

	result := &protocol.SessionsListResult{Sessions: []protocol.SessionState{}}
	for _, s := range h.sessions.List() {
		cols, rows := s.Size()
		exited, exitCode := s.Exited()
		state := protocol.SessionState{
			SessionID: s.ID,
			Cols:      cols,
			Rows:      rows,
			Exited:    exited,
			ExitCode:  exitCode,
		}
		for _, chunk := range s.BufferedOutput() {
			state.Buffer = append(state.Buffer, base64.StdEncoding.EncodeToString(chunk))
		}
		if info, ok := byID[s.ID]; ok {
			agent := info
			state.Agent = &agent
		}
		result.Sessions = append(result.Sessions, state)
	}
	return result
}

// ClearSessions disposes every live session and drops every agent record and
// inbox. Workspaces stay on disk so unmerged work survives a shutdown; the
// stale sweep or an explicit cleanup reclaims them later.
func (h *Hub) ClearSessions(ctx context.Context) *protocol.SessionsClearResult {
	cleared := h.sessions.DisposeAll()
	for _, a := range h.agents.All() {
		h.mail.Drop(a.ID)
		h.agents.Remove(a.ID)
		removal := protocol.AgentRemovedPush{AgentID: a.ID}
		h.notify.PushControl(protocol.PushAgentRemoved, removal)
		h.notify.PushAgent(a.ID, protocol.PushAgentRemoved, removal)
	}
	return &protocol.SessionsClearResult{Cleared: cleared}
}

// RunActivityLoop pushes periodic per-agent output-volume snapshots until ctx
// is cancelled.
func (h *Hub) RunActivityLoop(ctx context.Context) {
	interval := h.opts.ActivityInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if push := h.activitySnapshot(); len(push.Entries) > 0 {
				h.notify.PushControl(protocol.PushActivity, push)
			}
		}
	}
}

func (h *Hub) activitySnapshot() protocol.ActivityPush {
	push := protocol.ActivityPush{At: time.Now()}
	for _, a := range h.agents.All() {
		s, ok := h.sessions.Get(a.SessionID)
		if !ok {
			continue
		}
		if bytes := s.TakeActivityBytes(); bytes > 0 {
			push.Entries = append(push.Entries, protocol.ActivityEntry{
				AgentID:   a.ID,
				SessionID: a.SessionID,
				Bytes:     bytes,
			})
		}
	}
	return push
}
