package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hexmesh/hexmesh/internal/hexgrid"
)

// CellType is the role tag of a spawned entity.
type CellType string

const (
	CellOrchestrator CellType = "orchestrator"
	CellWorker       CellType = "worker"
	CellTerminal     CellType = "terminal"
)

// Valid reports whether the cell type is a known tag.
func (c CellType) Valid() bool {
	switch c {
	case CellOrchestrator, CellWorker, CellTerminal:
		return true
	}
	return false
}

// Status is the detailed lifecycle label an agent reports about itself.
type Status string

const (
	StatusIdle              Status = "idle"
	StatusWorking           Status = "working"
	StatusWaitingInput      Status = "waiting_input"
	StatusWaitingPermission Status = "waiting_permission"
	StatusDone              Status = "done"
	StatusStuck             Status = "stuck"
	StatusError             Status = "error"
	// StatusCancelled is a runner-only outcome surfaced to wait-for-completion
	// callers; agents never report it themselves.
	StatusCancelled Status = "cancelled"
)

// Valid reports whether the status is one an agent may report.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusWorking, StatusWaitingInput, StatusWaitingPermission,
		StatusDone, StatusStuck, StatusError:
		return true
	}
	return false
}

// ErrorCode classifies wire-visible failures.
type ErrorCode string

const (
	ErrValidation ErrorCode = "validation"
	ErrPermission ErrorCode = "permission"
	ErrNotFound   ErrorCode = "not_found"
	ErrConflict   ErrorCode = "conflict"
	ErrTimeout    ErrorCode = "timeout"
	ErrProcess    ErrorCode = "process"
	ErrTransport  ErrorCode = "transport"
)

// ErrorInfo is the structured failure payload. Subprocess and filesystem
// failures are re-expressed as one of these before crossing a process
// boundary; raw stack traces never go over the wire.
type ErrorInfo struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Error implements the error interface.
func (e *ErrorInfo) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Errorf builds an ErrorInfo with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a marshalled detail payload (conflicting paths,
// occupying agent, ...). Marshal failures drop the detail rather than the
// error.
func (e *ErrorInfo) WithDetail(detail any) *ErrorInfo {
	if raw, err := json.Marshal(detail); err == nil {
		e.Detail = raw
	}
	return e
}

// DecodeDetail unmarshals the detail payload into out.
func (e *ErrorInfo) DecodeDetail(out any) error {
	if len(e.Detail) == 0 {
		return fmt.Errorf("error has no detail payload")
	}
	return json.Unmarshal(e.Detail, out)
}

// AsErrorInfo converts any error into a wire failure, preserving an existing
// ErrorInfo and defaulting everything else to the given code.
func AsErrorInfo(err error, fallback ErrorCode) *ErrorInfo {
	if err == nil {
		return nil
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return &ErrorInfo{Code: fallback, Message: err.Error()}
}

// Result wraps every ".result" payload: either OK with data or a typed
// failure.
type Result struct {
	OK    bool            `json:"ok"`
	Error *ErrorInfo      `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OKResult builds a success Result with a marshalled payload.
func OKResult(payload any) (Result, error) {
	res := Result{OK: true}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Result{}, err
		}
		res.Data = data
	}
	return res, nil
}

// FailResult builds a failure Result.
func FailResult(info *ErrorInfo) Result {
	return Result{OK: false, Error: info}
}

// AgentInfo is the wire view of an agent record.
type AgentInfo struct {
	ID            string       `json:"id"`
	CellType      CellType     `json:"cellType"`
	Hex           hexgrid.Hex  `json:"hex"`
	Status        Status       `json:"status"`
	StatusMessage string       `json:"statusMessage,omitempty"`
	ParentID      string       `json:"parentId,omitempty"`
	ParentHex     *hexgrid.Hex `json:"parentHex,omitempty"`
	Connections   []string     `json:"connections,omitempty"`
	Task          string       `json:"task,omitempty"`
	Instructions  string       `json:"instructions,omitempty"`
	TaskDetails   string       `json:"taskDetails,omitempty"`
	SessionID     string       `json:"sessionId,omitempty"`
	Distance      int          `json:"distance"`
}

// AgentMessage is one mailbox entry. Immutable once created.
type AgentMessage struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	Type      string          `json:"type"` // "result" or "broadcast"
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// --- terminal.* payloads ---

// TerminalCreateRequest creates a session (and, for orchestrator/terminal
// cells, an agent record) from the control client.
type TerminalCreateRequest struct {
	CellType CellType     `json:"cellType"`
	Hex      *hexgrid.Hex `json:"hex,omitempty"`
	Command  string       `json:"command,omitempty"`
	Cols     int          `json:"cols,omitempty"`
	Rows     int          `json:"rows,omitempty"`
	Task     string       `json:"task,omitempty"`
}

// TerminalCreateResult reports the new session.
type TerminalCreateResult struct {
	SessionID string      `json:"sessionId"`
	AgentID   string      `json:"agentId"`
	Hex       hexgrid.Hex `json:"hex"`
}

// TerminalWriteRequest carries raw input bytes, base64-encoded.
type TerminalWriteRequest struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// TerminalResizeRequest resizes a session.
type TerminalResizeRequest struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// TerminalDisposeRequest terminates a session.
type TerminalDisposeRequest struct {
	SessionID string `json:"sessionId"`
}

// TerminalDataPush delivers output bytes, base64-encoded.
type TerminalDataPush struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// TerminalExitPush reports process exit, exactly once per session.
type TerminalExitPush struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

// SessionState is one entry of a sessions.list result, sufficient for a
// reconnecting client to rebuild local state without replaying history.
type SessionState struct {
	SessionID string     `json:"sessionId"`
	Agent     *AgentInfo `json:"agent,omitempty"`
	Buffer    []string   `json:"buffer,omitempty"` // base64 chunks, oldest first
	Cols      int        `json:"cols"`
	Rows      int        `json:"rows"`
	Exited    bool       `json:"exited"`
	ExitCode  int        `json:"exitCode,omitempty"`
}

// SessionsListResult carries every live session.
type SessionsListResult struct {
	Sessions []SessionState `json:"sessions"`
}

// SessionsClearResult reports how many sessions were disposed.
type SessionsClearResult struct {
	Cleared int `json:"cleared"`
}

// --- mcp.* payloads ---

// SpawnRequest creates a new agent. Q/R nil means auto-position on the
// nearest unoccupied ring cell around the caller.
type SpawnRequest struct {
	Q            *int     `json:"q,omitempty"`
	R            *int     `json:"r,omitempty"`
	CellType     CellType `json:"cellType"`
	Task         string   `json:"task,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	TaskDetails  string   `json:"taskDetails,omitempty"`
}

// SpawnResult reports the spawned agent.
type SpawnResult struct {
	AgentID   string      `json:"agentId"`
	Hex       hexgrid.Hex `json:"hex"`
	SessionID string      `json:"sessionId"`
	Workspace string      `json:"workspace,omitempty"`
}

// GetGridRequest queries agents within range of the caller.
type GetGridRequest struct {
	MaxDistance int `json:"maxDistance,omitempty"` // default 5
}

// GetGridResult lists agents sorted nearest-first.
type GetGridResult struct {
	Agents []AgentInfo `json:"agents"`
}

// BroadcastRequest delivers a payload to every agent within radius.
type BroadcastRequest struct {
	Radius  int             `json:"radius"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BroadcastResult reports delivery. Zero recipients is not an error.
type BroadcastResult struct {
	Delivered  int      `json:"delivered"`
	Recipients []string `json:"recipients,omitempty"`
}

// ReportStatusRequest is an explicit status transition; always honored.
type ReportStatusRequest struct {
	State   Status `json:"state"`
	Message string `json:"message,omitempty"`
}

// ReportResultRequest delivers a worker's result into its parent's inbox.
type ReportResultRequest struct {
	ParentID string          `json:"parentId"`
	Result   json.RawMessage `json:"result,omitempty"`
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
}

// GetMessagesRequest drains or partitions the caller's inbox. With Wait the
// call long-polls until delivery or timeout (clamped to MaxPollTimeout).
type GetMessagesRequest struct {
	Since     *time.Time `json:"since,omitempty"`
	Wait      bool       `json:"wait,omitempty"`
	TimeoutMs int        `json:"timeoutMs,omitempty"`
}

// GetMessagesResult carries drained messages in send order.
type GetMessagesResult struct {
	Messages []AgentMessage `json:"messages"`
}

// WorkerRequest addresses a worker owned by the calling orchestrator.
type WorkerRequest struct {
	WorkerID string `json:"workerId"`
	Force    bool   `json:"force,omitempty"`
}

// WorkerStatusResult reports a worker's current state.
type WorkerStatusResult struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Finished bool   `json:"finished"`
}

// FileChange mirrors git numstat output for one path.
type FileChange struct {
	Path       string `json:"path"`
	Insertions int    `json:"insertions"`
	Deletions  int    `json:"deletions"`
}

// WorkerDiffResult summarizes a worker branch relative to its fork point.
type WorkerDiffResult struct {
	FilesChanged int          `json:"filesChanged"`
	Insertions   int          `json:"insertions"`
	Deletions    int          `json:"deletions"`
	Files        []FileChange `json:"files,omitempty"`
	Patch        string       `json:"patch,omitempty"`
}

// WorkerFilesResult lists changed paths.
type WorkerFilesResult struct {
	Files []FileChange `json:"files"`
}

// CommitInfo is one commit on a worker branch past the fork point.
type CommitInfo struct {
	Hash    string    `json:"hash"`
	Subject string    `json:"subject"`
	Author  string    `json:"author,omitempty"`
	When    time.Time `json:"when"`
}

// WorkerCommitsResult lists worker commits, newest first.
type WorkerCommitsResult struct {
	Commits []CommitInfo `json:"commits"`
}

// MergeResult reports a successful squash merge.
type MergeResult struct {
	Commit       string `json:"commit"`
	FilesChanged int    `json:"filesChanged"`
}

// MergeConflictDetail names the paths blocking a merge; carried in
// ErrorInfo.Detail on ErrConflict.
type MergeConflictDetail struct {
	Paths []string `json:"paths"`
}

// OccupiedDetail names the agent already holding a requested hex; carried in
// ErrorInfo.Detail on ErrConflict.
type OccupiedDetail struct {
	AgentID string      `json:"agentId"`
	Hex     hexgrid.Hex `json:"hex"`
}

// KillWorkerRequest terminates a worker. ConvertToTerminal respawns the
// session as a plain shell instead of disposing it.
type KillWorkerRequest struct {
	WorkerID          string `json:"workerId"`
	Force             bool   `json:"force,omitempty"`
	ConvertToTerminal bool   `json:"convertToTerminal,omitempty"`
}

// --- push payloads ---

// StatusUpdatePush notifies the control client of a status change.
type StatusUpdatePush struct {
	AgentID string `json:"agentId"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	// Explicit distinguishes reported transitions from inferred ones.
	Explicit bool `json:"explicit"`
}

// InboxPush wakes an agent's adapter after a delivery. Receivers re-fetch
// the inbox rather than trusting Count.
type InboxPush struct {
	AgentID string `json:"agentId"`
	Count   int    `json:"count"`
}

// AgentRemovedPush notifies that an agent record was destroyed.
type AgentRemovedPush struct {
	AgentID string `json:"agentId"`
}

// ActivityEntry is one agent's output volume since the previous snapshot.
type ActivityEntry struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
	Bytes     int64  `json:"bytes"`
}

// ActivityPush is the periodic activity snapshot.
type ActivityPush struct {
	At      time.Time       `json:"at"`
	Entries []ActivityEntry `json:"entries"`
}

// CellConvertedPush notifies that an agent cell became a plain terminal.
type CellConvertedPush struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
}
