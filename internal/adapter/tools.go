package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hexmesh/hexmesh/internal/buildinfo"
	"github.com/hexmesh/hexmesh/internal/protocol"
)

// Await defaults, overridable per call.
const (
	defaultAwaitTimeout = 300 * time.Second
	defaultPollInterval = 2 * time.Second
)

// hubCaller abstracts the hub round trip so tool handlers can be exercised
// without a live connection.
type hubCaller interface {
	Call(ctx context.Context, kind protocol.Kind, payload any, timeout time.Duration) (*protocol.Result, error)
}

// Server exposes the tool catalog over MCP stdio to the coding-agent CLI
// that spawned this process.
type Server struct {
	id  Identity
	hub hubCaller
}

// NewServer builds a tool server speaking as id through hub.
func NewServer(id Identity, hub hubCaller) *Server {
	return &Server{id: id, hub: hub}
}

// Run serves MCP over stdio until ctx is cancelled or stdin closes.
func (s *Server) Run(ctx context.Context) error {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "hexmesh",
		Version: buildinfo.Current().Version,
	}, nil)
	s.register(srv)
	return srv.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) register(srv *mcpsdk.Server) {
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "spawn_agent",
		Description: "Spawn a new agent on the grid. Omit q/r to auto-place on the nearest free cell around you.",
	}, s.handleSpawnAgent)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "get_grid_state",
		Description: "List agents within range of your position, nearest first.",
	}, s.handleGetGridState)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "broadcast",
		Description: "Deliver a message to every agent within the given hex radius.",
	}, s.handleBroadcast)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "report_status",
		Description: "Report your current working state. Explicit reports always stick.",
	}, s.handleReportStatus)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "report_result",
		Description: "Deliver your final result into the parent agent's inbox.",
	}, s.handleReportResult)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "get_messages",
		Description: "Drain your inbox, optionally long-polling until a message arrives.",
	}, s.handleGetMessages)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "get_identity",
		Description: "Return this agent's id, cell type, parent, and grid position.",
	}, s.handleGetIdentity)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "get_worker_status",
		Description: "Return a worker's current status and whether it has finished.",
	}, s.handleGetWorkerStatus)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "await_worker",
		Description: "Poll a worker until it finishes or the timeout elapses, then return its status plus any pending inbox messages.",
	}, s.handleAwaitWorker)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "get_worker_diff",
		Description: "Summarize a worker branch's changes relative to its fork point, including the patch.",
	}, s.handleGetWorkerDiff)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "list_worker_files",
		Description: "List the files a worker has changed since its fork point.",
	}, s.handleListWorkerFiles)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "list_worker_commits",
		Description: "List the commits on a worker branch past its fork point.",
	}, s.handleListWorkerCommits)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "merge_worker_changes",
		Description: "Squash-merge a worker branch into the main checkout, auto-committing dirty work first.",
	}, s.handleMergeWorkerChanges)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "cleanup_worker_worktree",
		Description: "Remove a worker's checkout and branch. Refuses unmerged work unless force is set.",
	}, s.handleCleanupWorkerWorktree)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "kill_worker",
		Description: "Terminate a worker agent, optionally converting its session into a plain terminal.",
	}, s.handleKillWorker)
}

// gateLocally rejects orchestrator-only tools before any hub round trip.
func (s *Server) gateLocally(tool string) error {
	if s.id.CellType == protocol.CellOrchestrator {
		return nil
	}
	return protocol.Errorf(protocol.ErrPermission,
		"%s requires an orchestrator cell; this agent is a %s", tool, s.id.CellType)
}

// call performs one hub round trip and decodes the success payload into T.
func call[T any](ctx context.Context, hub hubCaller, kind protocol.Kind, payload any, timeout time.Duration) (*T, error) {
	res, err := hub.Call(ctx, kind, payload, timeout)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, protocol.Errorf(protocol.ErrProcess, "%s failed without detail", kind)
	}
	var out T
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &out); err != nil {
			return nil, protocol.Errorf(protocol.ErrTransport, "decoding %s reply: %v", kind, err)
		}
	}
	return &out, nil
}

func textAck(format string, args ...any) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

// SpawnAgentInput creates a child agent.
type SpawnAgentInput struct {
	Q            *int   `json:"q,omitempty" jsonschema:"explicit grid column, omit to auto-place"`
	R            *int   `json:"r,omitempty" jsonschema:"explicit grid row, omit to auto-place"`
	CellType     string `json:"cellType,omitempty" jsonschema:"worker or orchestrator, default worker"`
	Task         string `json:"task,omitempty" jsonschema:"short task label shown on the grid"`
	Instructions string `json:"instructions,omitempty" jsonschema:"full instructions handed to the agent"`
	TaskDetails  string `json:"taskDetails,omitempty" jsonschema:"extra context for the task"`
}

func (s *Server) handleSpawnAgent(ctx context.Context, _ *mcpsdk.CallToolRequest, args SpawnAgentInput) (*mcpsdk.CallToolResult, protocol.SpawnResult, error) {
	if err := s.gateLocally("spawn_agent"); err != nil {
		return nil, protocol.SpawnResult{}, err
	}
	cellType := protocol.CellType(args.CellType)
	if cellType == "" {
		cellType = protocol.CellWorker
	}
	out, err := call[protocol.SpawnResult](ctx, s.hub, protocol.McpSpawn, &protocol.SpawnRequest{
		Q:            args.Q,
		R:            args.R,
		CellType:     cellType,
		Task:         args.Task,
		Instructions: args.Instructions,
		TaskDetails:  args.TaskDetails,
	}, 0)
	if err != nil {
		return nil, protocol.SpawnResult{}, err
	}
	return nil, *out, nil
}

// GetGridStateInput bounds the neighborhood query.
type GetGridStateInput struct {
	MaxDistance int `json:"maxDistance,omitempty" jsonschema:"search radius in hex cells, default 5"`
}

func (s *Server) handleGetGridState(ctx context.Context, _ *mcpsdk.CallToolRequest, args GetGridStateInput) (*mcpsdk.CallToolResult, protocol.GetGridResult, error) {
	out, err := call[protocol.GetGridResult](ctx, s.hub, protocol.McpGetGrid, &protocol.GetGridRequest{
		MaxDistance: args.MaxDistance,
	}, 0)
	if err != nil {
		return nil, protocol.GetGridResult{}, err
	}
	return nil, *out, nil
}

// BroadcastInput fans a payload out by hex distance.
type BroadcastInput struct {
	Radius  int    `json:"radius" jsonschema:"maximum hex distance from you"`
	Type    string `json:"type" jsonschema:"message type tag, e.g. update or question"`
	Payload any    `json:"payload,omitempty" jsonschema:"arbitrary message body"`
}

func (s *Server) handleBroadcast(ctx context.Context, _ *mcpsdk.CallToolRequest, args BroadcastInput) (*mcpsdk.CallToolResult, protocol.BroadcastResult, error) {
	var payload json.RawMessage
	if args.Payload != nil {
		raw, err := json.Marshal(args.Payload)
		if err != nil {
			return nil, protocol.BroadcastResult{}, protocol.Errorf(protocol.ErrValidation, "payload: %v", err)
		}
		payload = raw
	}
	out, err := call[protocol.BroadcastResult](ctx, s.hub, protocol.McpBroadcast, &protocol.BroadcastRequest{
		Radius:  args.Radius,
		Type:    args.Type,
		Payload: payload,
	}, 0)
	if err != nil {
		return nil, protocol.BroadcastResult{}, err
	}
	return nil, *out, nil
}

// ReportStatusInput is an explicit status transition.
type ReportStatusInput struct {
	State   string `json:"state" jsonschema:"one of idle, working, waiting_input, waiting_permission, done, stuck, error"`
	Message string `json:"message,omitempty" jsonschema:"short human-readable status line"`
}

func (s *Server) handleReportStatus(ctx context.Context, _ *mcpsdk.CallToolRequest, args ReportStatusInput) (*mcpsdk.CallToolResult, any, error) {
	if _, err := call[struct{}](ctx, s.hub, protocol.McpReportStatus, &protocol.ReportStatusRequest{
		State:   protocol.Status(args.State),
		Message: args.Message,
	}, 0); err != nil {
		return nil, nil, err
	}
	return textAck("status set to %s", args.State), nil, nil
}

// ReportResultInput delivers a final result to the parent agent.
type ReportResultInput struct {
	ParentID string `json:"parentId" jsonschema:"the agent id that spawned you"`
	Result   any    `json:"result,omitempty" jsonschema:"structured result body"`
	Success  bool   `json:"success" jsonschema:"whether the task succeeded"`
	Message  string `json:"message,omitempty" jsonschema:"short summary line"`
}

func (s *Server) handleReportResult(ctx context.Context, _ *mcpsdk.CallToolRequest, args ReportResultInput) (*mcpsdk.CallToolResult, any, error) {
	var result json.RawMessage
	if args.Result != nil {
		raw, err := json.Marshal(args.Result)
		if err != nil {
			return nil, nil, protocol.Errorf(protocol.ErrValidation, "result: %v", err)
		}
		result = raw
	}
	if _, err := call[struct{}](ctx, s.hub, protocol.McpReportResult, &protocol.ReportResultRequest{
		ParentID: args.ParentID,
		Result:   result,
		Success:  args.Success,
		Message:  args.Message,
	}, 0); err != nil {
		return nil, nil, err
	}
	return textAck("result delivered to %s", args.ParentID), nil, nil
}

// GetMessagesInput drains or partitions the inbox.
type GetMessagesInput struct {
	Since     string `json:"since,omitempty" jsonschema:"RFC3339 timestamp, return only strictly newer messages and retain the rest"`
	Wait      bool   `json:"wait,omitempty" jsonschema:"block until a message arrives or the timeout elapses"`
	TimeoutMs int    `json:"timeoutMs,omitempty" jsonschema:"wait budget in milliseconds, clamped to 60000"`
}

func (s *Server) handleGetMessages(ctx context.Context, _ *mcpsdk.CallToolRequest, args GetMessagesInput) (*mcpsdk.CallToolResult, protocol.GetMessagesResult, error) {
	req := &protocol.GetMessagesRequest{Wait: args.Wait, TimeoutMs: args.TimeoutMs}
	if args.Since != "" {
		ts, err := time.Parse(time.RFC3339, args.Since)
		if err != nil {
			return nil, protocol.GetMessagesResult{}, protocol.Errorf(protocol.ErrValidation, "since: %v", err)
		}
		req.Since = &ts
	}
	// A waiting call can legitimately hold for the full poll clamp; budget
	// past it so the hub answers before the transport gives up.
	timeout := time.Duration(0)
	if args.Wait {
		timeout = protocol.MaxPollTimeout + protocol.ToolTimeout
	}
	out, err := call[protocol.GetMessagesResult](ctx, s.hub, protocol.McpGetMessages, req, timeout)
	if err != nil {
		return nil, protocol.GetMessagesResult{}, err
	}
	if out.Messages == nil {
		out.Messages = []protocol.AgentMessage{}
	}
	return nil, *out, nil
}

// IdentityOutput is the adapter's own identity, answered locally.
type IdentityOutput struct {
	AgentID   string `json:"agentId"`
	CellType  string `json:"cellType"`
	ParentID  string `json:"parentId,omitempty"`
	Q         int    `json:"q"`
	R         int    `json:"r"`
	ServerURL string `json:"serverUrl"`
}

func (s *Server) handleGetIdentity(_ context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, IdentityOutput, error) {
	return nil, IdentityOutput{
		AgentID:   s.id.AgentID,
		CellType:  string(s.id.CellType),
		ParentID:  s.id.ParentID,
		Q:         s.id.Hex.Q,
		R:         s.id.Hex.R,
		ServerURL: s.id.ServerURL,
	}, nil
}

// WorkerInput addresses one of the caller's workers.
type WorkerInput struct {
	WorkerID string `json:"workerId" jsonschema:"id of the worker agent"`
}

func (s *Server) handleGetWorkerStatus(ctx context.Context, _ *mcpsdk.CallToolRequest, args WorkerInput) (*mcpsdk.CallToolResult, protocol.WorkerStatusResult, error) {
	if err := s.gateLocally("get_worker_status"); err != nil {
		return nil, protocol.WorkerStatusResult{}, err
	}
	out, err := call[protocol.WorkerStatusResult](ctx, s.hub, protocol.McpWorkerStatus, &protocol.WorkerRequest{WorkerID: args.WorkerID}, 0)
	if err != nil {
		return nil, protocol.WorkerStatusResult{}, err
	}
	return nil, *out, nil
}

// AwaitWorkerInput bounds the client-side polling loop.
type AwaitWorkerInput struct {
	WorkerID       string `json:"workerId" jsonschema:"id of the worker agent"`
	TimeoutMs      int    `json:"timeoutMs,omitempty" jsonschema:"overall wait budget in milliseconds, default 300000"`
	PollIntervalMs int    `json:"pollIntervalMs,omitempty" jsonschema:"delay between status checks in milliseconds, default 2000"`
}

// AwaitWorkerOutput is the final observed state plus any messages that
// arrived while waiting.
type AwaitWorkerOutput struct {
	Status   protocol.Status         `json:"status"`
	Message  string                  `json:"message,omitempty"`
	Finished bool                    `json:"finished"`
	TimedOut bool                    `json:"timedOut,omitempty"`
	Messages []protocol.AgentMessage `json:"messages"`
}

func (s *Server) handleAwaitWorker(ctx context.Context, _ *mcpsdk.CallToolRequest, args AwaitWorkerInput) (*mcpsdk.CallToolResult, AwaitWorkerOutput, error) {
	if err := s.gateLocally("await_worker"); err != nil {
		return nil, AwaitWorkerOutput{}, err
	}
	if args.WorkerID == "" {
		return nil, AwaitWorkerOutput{}, protocol.Errorf(protocol.ErrValidation, "workerId is empty")
	}
	timeout := time.Duration(args.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultAwaitTimeout
	}
	if timeout > protocol.MaxWaitTimeout {
		timeout = protocol.MaxWaitTimeout
	}
	interval := time.Duration(args.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultPollInterval
	}

	deadline := time.Now().Add(timeout)
	var out AwaitWorkerOutput
	polled := false
	for {
		st, err := call[protocol.WorkerStatusResult](ctx, s.hub, protocol.McpWorkerStatus, &protocol.WorkerRequest{WorkerID: args.WorkerID}, 0)
		if err != nil {
			// A worker killed mid-wait loses its record; surface that as a
			// cancelled outcome rather than an error.
			var info *protocol.ErrorInfo
			if polled && errors.As(err, &info) && info.Code == protocol.ErrNotFound {
				out.Status = protocol.StatusCancelled
				out.Finished = true
				break
			}
			return nil, AwaitWorkerOutput{}, err
		}
		polled = true
		out.Status = st.Status
		out.Message = st.Message
		out.Finished = st.Finished
		if st.Finished {
			break
		}
		if time.Now().Add(interval).After(deadline) {
			out.TimedOut = true
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, AwaitWorkerOutput{}, protocol.Errorf(protocol.ErrTransport, "await_worker: %v", ctx.Err())
		}
	}

	if msgs, err := call[protocol.GetMessagesResult](ctx, s.hub, protocol.McpGetMessages, &protocol.GetMessagesRequest{}, 0); err == nil {
		out.Messages = msgs.Messages
	}
	if out.Messages == nil {
		out.Messages = []protocol.AgentMessage{}
	}
	return nil, out, nil
}

func (s *Server) handleGetWorkerDiff(ctx context.Context, _ *mcpsdk.CallToolRequest, args WorkerInput) (*mcpsdk.CallToolResult, protocol.WorkerDiffResult, error) {
	if err := s.gateLocally("get_worker_diff"); err != nil {
		return nil, protocol.WorkerDiffResult{}, err
	}
	out, err := call[protocol.WorkerDiffResult](ctx, s.hub, protocol.McpWorkerDiff, &protocol.WorkerRequest{WorkerID: args.WorkerID}, 0)
	if err != nil {
		return nil, protocol.WorkerDiffResult{}, err
	}
	return nil, *out, nil
}

func (s *Server) handleListWorkerFiles(ctx context.Context, _ *mcpsdk.CallToolRequest, args WorkerInput) (*mcpsdk.CallToolResult, protocol.WorkerFilesResult, error) {
	if err := s.gateLocally("list_worker_files"); err != nil {
		return nil, protocol.WorkerFilesResult{}, err
	}
	out, err := call[protocol.WorkerFilesResult](ctx, s.hub, protocol.McpWorkerFiles, &protocol.WorkerRequest{WorkerID: args.WorkerID}, 0)
	if err != nil {
		return nil, protocol.WorkerFilesResult{}, err
	}
	return nil, *out, nil
}

func (s *Server) handleListWorkerCommits(ctx context.Context, _ *mcpsdk.CallToolRequest, args WorkerInput) (*mcpsdk.CallToolResult, protocol.WorkerCommitsResult, error) {
	if err := s.gateLocally("list_worker_commits"); err != nil {
		return nil, protocol.WorkerCommitsResult{}, err
	}
	out, err := call[protocol.WorkerCommitsResult](ctx, s.hub, protocol.McpWorkerCommits, &protocol.WorkerRequest{WorkerID: args.WorkerID}, 0)
	if err != nil {
		return nil, protocol.WorkerCommitsResult{}, err
	}
	return nil, *out, nil
}

func (s *Server) handleMergeWorkerChanges(ctx context.Context, _ *mcpsdk.CallToolRequest, args WorkerInput) (*mcpsdk.CallToolResult, protocol.MergeResult, error) {
	if err := s.gateLocally("merge_worker_changes"); err != nil {
		return nil, protocol.MergeResult{}, err
	}
	out, err := call[protocol.MergeResult](ctx, s.hub, protocol.McpMergeWorker, &protocol.WorkerRequest{WorkerID: args.WorkerID}, 0)
	if err != nil {
		return nil, protocol.MergeResult{}, err
	}
	return nil, *out, nil
}

// CleanupWorkerInput removes a worker's checkout.
type CleanupWorkerInput struct {
	WorkerID string `json:"workerId" jsonschema:"id of the worker agent"`
	Force    bool   `json:"force,omitempty" jsonschema:"discard unmerged work instead of refusing"`
}

func (s *Server) handleCleanupWorkerWorktree(ctx context.Context, _ *mcpsdk.CallToolRequest, args CleanupWorkerInput) (*mcpsdk.CallToolResult, any, error) {
	if err := s.gateLocally("cleanup_worker_worktree"); err != nil {
		return nil, nil, err
	}
	if _, err := call[struct{}](ctx, s.hub, protocol.McpCleanupWorker, &protocol.WorkerRequest{
		WorkerID: args.WorkerID,
		Force:    args.Force,
	}, 0); err != nil {
		return nil, nil, err
	}
	return textAck("worktree for %s removed", args.WorkerID), nil, nil
}

// KillWorkerInput terminates a worker agent.
type KillWorkerInput struct {
	WorkerID          string `json:"workerId" jsonschema:"id of the worker agent"`
	Force             bool   `json:"force,omitempty" jsonschema:"discard unmerged work instead of refusing"`
	ConvertToTerminal bool   `json:"convertToTerminal,omitempty" jsonschema:"keep the session alive as a plain shell"`
}

func (s *Server) handleKillWorker(ctx context.Context, _ *mcpsdk.CallToolRequest, args KillWorkerInput) (*mcpsdk.CallToolResult, any, error) {
	if err := s.gateLocally("kill_worker"); err != nil {
		return nil, nil, err
	}
	if _, err := call[struct{}](ctx, s.hub, protocol.McpKillWorker, &protocol.KillWorkerRequest{
		WorkerID:          args.WorkerID,
		Force:             args.Force,
		ConvertToTerminal: args.ConvertToTerminal,
	}, 0); err != nil {
		return nil, nil, err
	}
	if args.ConvertToTerminal {
		return textAck("%s converted to a plain terminal", args.WorkerID), nil, nil
	}
	return textAck("%s killed", args.WorkerID), nil, nil
}
