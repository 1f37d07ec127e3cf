package adapter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexmesh/hexmesh/internal/hexgrid"
	"github.com/hexmesh/hexmesh/internal/protocol"
)

type stubCall struct {
	kind    protocol.Kind
	payload any
}

// stubCaller answers hub round trips from canned per-kind response queues.
type stubCaller struct {
	calls     []stubCall
	responses map[protocol.Kind][]protocol.Result
}

func (s *stubCaller) push(kind protocol.Kind, payload any) {
	if s.responses == nil {
		s.responses = make(map[protocol.Kind][]protocol.Result)
	}
	res, err := protocol.OKResult(payload)
	if err != nil {
		panic(err)
	}
	s.responses[kind] = append(s.responses[kind], res)
}

func (s *stubCaller) pushFail(kind protocol.Kind, info *protocol.ErrorInfo) {
	if s.responses == nil {
		s.responses = make(map[protocol.Kind][]protocol.Result)
	}
	s.responses[kind] = append(s.responses[kind], protocol.FailResult(info))
}

func (s *stubCaller) countCalls(kind protocol.Kind) int {
	n := 0
	for _, c := range s.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func (s *stubCaller) Call(_ context.Context, kind protocol.Kind, payload any, _ time.Duration) (*protocol.Result, error) {
	s.calls = append(s.calls, stubCall{kind: kind, payload: payload})
	queue := s.responses[kind]
	if len(queue) == 0 {
		return nil, protocol.Errorf(protocol.ErrProcess, "no stub response for %s", kind)
	}
	res := queue[0]
	s.responses[kind] = queue[1:]
	return &res, nil
}

func newTestServer(cellType protocol.CellType) (*Server, *stubCaller) {
	hub := &stubCaller{}
	srv := NewServer(Identity{
		AgentID:   "agent-abc123def456",
		CellType:  cellType,
		ParentID:  "agent-parent000000",
		Hex:       hexgrid.Hex{Q: 1, R: -1},
		ServerURL: "ws://127.0.0.1:7433",
	}, hub)
	return srv, hub
}

func permCode(t *testing.T, err error) {
	t.Helper()
	var info *protocol.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, protocol.ErrPermission, info.Code)
}

func TestOrchestratorToolsGatedLocallyForWorkers(t *testing.T) {
	srv, hub := newTestServer(protocol.CellWorker)
	ctx := context.Background()

	_, _, err := srv.handleSpawnAgent(ctx, nil, SpawnAgentInput{CellType: "worker"})
	permCode(t, err)
	_, _, err = srv.handleGetWorkerStatus(ctx, nil, WorkerInput{WorkerID: "agent-w"})
	permCode(t, err)
	_, _, err = srv.handleAwaitWorker(ctx, nil, AwaitWorkerInput{WorkerID: "agent-w"})
	permCode(t, err)
	_, _, err = srv.handleGetWorkerDiff(ctx, nil, WorkerInput{WorkerID: "agent-w"})
	permCode(t, err)
	_, _, err = srv.handleListWorkerFiles(ctx, nil, WorkerInput{WorkerID: "agent-w"})
	permCode(t, err)
	_, _, err = srv.handleListWorkerCommits(ctx, nil, WorkerInput{WorkerID: "agent-w"})
	permCode(t, err)
	_, _, err = srv.handleMergeWorkerChanges(ctx, nil, WorkerInput{WorkerID: "agent-w"})
	permCode(t, err)
	_, _, err = srv.handleCleanupWorkerWorktree(ctx, nil, CleanupWorkerInput{WorkerID: "agent-w"})
	permCode(t, err)
	_, _, err = srv.handleKillWorker(ctx, nil, KillWorkerInput{WorkerID: "agent-w"})
	permCode(t, err)

	assert.Empty(t, hub.calls, "gated tools must not reach the hub")
}

func TestUngatedToolsPassThroughForWorkers(t *testing.T) {
	srv, hub := newTestServer(protocol.CellWorker)
	ctx := context.Background()

	hub.push(protocol.McpBroadcast, protocol.BroadcastResult{Delivered: 1, Recipients: []string{"agent-x"}})
	_, out, err := srv.handleBroadcast(ctx, nil, BroadcastInput{Radius: 2, Type: "update", Payload: map[string]any{"n": 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Delivered)

	hub.push(protocol.McpReportStatus, nil)
	ack, _, err := srv.handleReportStatus(ctx, nil, ReportStatusInput{State: "working"})
	require.NoError(t, err)
	require.NotNil(t, ack)

	hub.push(protocol.McpReportResult, nil)
	_, _, err = srv.handleReportResult(ctx, nil, ReportResultInput{ParentID: "agent-parent000000", Success: true})
	require.NoError(t, err)

	assert.Equal(t, 3, len(hub.calls))
}

func TestGetIdentityAnsweredLocally(t *testing.T) {
	srv, hub := newTestServer(protocol.CellWorker)

	_, out, err := srv.handleGetIdentity(context.Background(), nil, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "agent-abc123def456", out.AgentID)
	assert.Equal(t, "worker", out.CellType)
	assert.Equal(t, "agent-parent000000", out.ParentID)
	assert.Equal(t, 1, out.Q)
	assert.Equal(t, -1, out.R)
	assert.Equal(t, "ws://127.0.0.1:7433", out.ServerURL)
	assert.Empty(t, hub.calls, "identity never leaves the process")
}

func TestGetMessagesParsesSince(t *testing.T) {
	srv, hub := newTestServer(protocol.CellWorker)
	ctx := context.Background()

	hub.push(protocol.McpGetMessages, protocol.GetMessagesResult{})
	since := time.Now().UTC().Format(time.RFC3339)
	_, out, err := srv.handleGetMessages(ctx, nil, GetMessagesInput{Since: since})
	require.NoError(t, err)
	assert.NotNil(t, out.Messages, "empty inbox is a list, never null")

	req, ok := hub.calls[0].payload.(*protocol.GetMessagesRequest)
	require.True(t, ok)
	require.NotNil(t, req.Since)

	_, _, err = srv.handleGetMessages(ctx, nil, GetMessagesInput{Since: "yesterday"})
	var info *protocol.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, protocol.ErrValidation, info.Code)
}

func TestAwaitWorkerPollsUntilFinished(t *testing.T) {
	srv, hub := newTestServer(protocol.CellOrchestrator)

	hub.push(protocol.McpWorkerStatus, protocol.WorkerStatusResult{Status: protocol.StatusWorking})
	hub.push(protocol.McpWorkerStatus, protocol.WorkerStatusResult{Status: protocol.StatusWorking})
	hub.push(protocol.McpWorkerStatus, protocol.WorkerStatusResult{Status: protocol.StatusDone, Finished: true})
	hub.push(protocol.McpGetMessages, protocol.GetMessagesResult{Messages: []protocol.AgentMessage{{
		ID:   "m1",
		From: "agent-w",
		Type: "result",
	}}})

	_, out, err := srv.handleAwaitWorker(context.Background(), nil, AwaitWorkerInput{
		WorkerID:       "agent-w",
		TimeoutMs:      5000,
		PollIntervalMs: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusDone, out.Status)
	assert.True(t, out.Finished)
	assert.False(t, out.TimedOut)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "m1", out.Messages[0].ID)
	assert.Equal(t, 3, hub.countCalls(protocol.McpWorkerStatus))
}

func TestAwaitWorkerTimesOut(t *testing.T) {
	srv, hub := newTestServer(protocol.CellOrchestrator)
	for i := 0; i < 50; i++ {
		hub.push(protocol.McpWorkerStatus, protocol.WorkerStatusResult{Status: protocol.StatusWorking})
	}
	hub.push(protocol.McpGetMessages, protocol.GetMessagesResult{})

	start := time.Now()
	_, out, err := srv.handleAwaitWorker(context.Background(), nil, AwaitWorkerInput{
		WorkerID:       "agent-w",
		TimeoutMs:      50,
		PollIntervalMs: 10,
	})
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.False(t, out.Finished)
	assert.Equal(t, protocol.StatusWorking, out.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.NotNil(t, out.Messages)
}

func TestAwaitWorkerSurfacesKilledWorkerAsCancelled(t *testing.T) {
	srv, hub := newTestServer(protocol.CellOrchestrator)
	hub.push(protocol.McpWorkerStatus, protocol.WorkerStatusResult{Status: protocol.StatusWorking})
	hub.pushFail(protocol.McpWorkerStatus, protocol.Errorf(protocol.ErrNotFound, "no such agent"))
	hub.push(protocol.McpGetMessages, protocol.GetMessagesResult{})

	_, out, err := srv.handleAwaitWorker(context.Background(), nil, AwaitWorkerInput{
		WorkerID:       "agent-w",
		TimeoutMs:      5000,
		PollIntervalMs: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCancelled, out.Status)
	assert.True(t, out.Finished)
}

func TestAwaitWorkerUnknownFromTheStartIsAnError(t *testing.T) {
	srv, hub := newTestServer(protocol.CellOrchestrator)
	hub.pushFail(protocol.McpWorkerStatus, protocol.Errorf(protocol.ErrNotFound, "no such agent"))

	_, _, err := srv.handleAwaitWorker(context.Background(), nil, AwaitWorkerInput{
		WorkerID:       "agent-nope",
		PollIntervalMs: 1,
	})
	var info *protocol.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, protocol.ErrNotFound, info.Code)
}

func TestSpawnAgentDefaultsToWorkerCell(t *testing.T) {
	srv, hub := newTestServer(protocol.CellOrchestrator)
	hub.push(protocol.McpSpawn, protocol.SpawnResult{AgentID: "agent-new", Hex: hexgrid.Hex{Q: 2, R: 0}})

	_, out, err := srv.handleSpawnAgent(context.Background(), nil, SpawnAgentInput{Task: "build it"})
	require.NoError(t, err)
	assert.Equal(t, "agent-new", out.AgentID)

	req, ok := hub.calls[0].payload.(*protocol.SpawnRequest)
	require.True(t, ok)
	assert.Equal(t, protocol.CellWorker, req.CellType)
	assert.Equal(t, "build it", req.Task)
}

func TestCallSurfacesHubFailures(t *testing.T) {
	hub := &stubCaller{}
	hub.pushFail(protocol.McpGetGrid, protocol.Errorf(protocol.ErrTimeout, "slow hub"))

	_, err := call[protocol.GetGridResult](context.Background(), hub, protocol.McpGetGrid, nil, 0)
	var info *protocol.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, protocol.ErrTimeout, info.Code)
}

func TestCallDecodesSuccessPayload(t *testing.T) {
	hub := &stubCaller{}
	hub.push(protocol.McpGetGrid, protocol.GetGridResult{Agents: []protocol.AgentInfo{{ID: "agent-x"}}})

	out, err := call[protocol.GetGridResult](context.Background(), hub, protocol.McpGetGrid, nil, 0)
	require.NoError(t, err)
	require.Len(t, out.Agents, 1)
	assert.Equal(t, "agent-x", out.Agents[0].ID)
}

func TestBroadcastPayloadMarshalledOpaque(t *testing.T) {
	srv, hub := newTestServer(protocol.CellOrchestrator)
	hub.push(protocol.McpBroadcast, protocol.BroadcastResult{Delivered: 0})

	_, _, err := srv.handleBroadcast(context.Background(), nil, BroadcastInput{
		Radius:  1,
		Type:    "update",
		Payload: map[string]any{"phase": "review"},
	})
	require.NoError(t, err)

	req, ok := hub.calls[0].payload.(*protocol.BroadcastRequest)
	require.True(t, ok)
	var body map[string]any
	require.NoError(t, json.Unmarshal(req.Payload, &body))
	assert.Equal(t, "review", body["phase"])
}
