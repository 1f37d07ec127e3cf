// Package protocol defines the wire contract between the hub, the control
// client, and per-agent tool adapters.
//
// Every frame is a JSON-encoded Msg envelope. Requests that expect a reply
// carry a RequestID; the hub echoes it on the corresponding ".result" frame.
// Fire-and-forget writes (raw terminal bytes, resizes) and push notifications
// omit it.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates wire message types. The set below is closed: the hub
// dispatches with an exhaustive switch and rejects anything else as a
// validation error.
type Kind string

// Control-client terminal/session operations.
const (
	TerminalCreate  Kind = "terminal.create"
	TerminalWrite   Kind = "terminal.write"  // fire-and-forget
	TerminalResize  Kind = "terminal.resize" // fire-and-forget
	TerminalDispose Kind = "terminal.dispose"
	SessionsList    Kind = "sessions.list"
	SessionsClear   Kind = "sessions.clear"
)

// Tool-adapter operations.
const (
	McpSpawn         Kind = "mcp.spawn"
	McpGetGrid       Kind = "mcp.getGrid"
	McpBroadcast     Kind = "mcp.broadcast"
	McpReportStatus  Kind = "mcp.reportStatus"
	McpReportResult  Kind = "mcp.reportResult"
	McpGetMessages   Kind = "mcp.getMessages"
	McpWorkerStatus  Kind = "mcp.getWorkerStatus"
	McpWorkerDiff    Kind = "mcp.getWorkerDiff"
	McpWorkerFiles   Kind = "mcp.listWorkerFiles"
	McpWorkerCommits Kind = "mcp.listWorkerCommits"
	McpMergeWorker   Kind = "mcp.mergeWorkerChanges"
	McpCleanupWorker Kind = "mcp.cleanupWorkerWorktree"
	McpKillWorker    Kind = "mcp.killWorker"
)

// Push-only notifications (no RequestID).
const (
	TerminalData      Kind = "terminal.data"
	TerminalExit      Kind = "terminal.exit"
	PushStatusUpdate  Kind = "mcp.statusUpdate"
	PushInbox         Kind = "mcp.inbox.notification"
	PushAgentRemoved  Kind = "agent.removed"
	PushActivity      Kind = "agent.activity"
	PushCellConverted Kind = "cell.converted"
)

// ResultKind returns the reply kind for a request kind.
func ResultKind(k Kind) Kind {
	return k + ".result"
}

// GatedKinds are the operations restricted to orchestrator cells.
var GatedKinds = map[Kind]bool{
	McpSpawn:         true,
	McpWorkerStatus:  true,
	McpWorkerDiff:    true,
	McpWorkerFiles:   true,
	McpWorkerCommits: true,
	McpMergeWorker:   true,
	McpCleanupWorker: true,
	McpKillWorker:    true,
}

// Request timeout budgets per call surface.
const (
	UITimeout      = 10 * time.Second
	ToolTimeout    = 30 * time.Second
	MaxWaitTimeout = 600 * time.Second
	MaxPollTimeout = 60 * time.Second
)

// Msg is the envelope for every frame on the control and agent channels.
type Msg struct {
	Type      Kind            `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Encode builds an envelope with a marshalled payload.
func Encode(kind Kind, requestID string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Msg{Type: kind, RequestID: requestID, Data: data})
}

// Decode parses a frame into a Msg.
func Decode(frame []byte) (*Msg, error) {
	var msg Msg
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &msg, nil
}

// DecodeData unmarshals the Data field of a Msg into T.
func DecodeData[T any](msg *Msg) (*T, error) {
	var v T
	if len(msg.Data) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
