package hub

import (
	"context"

	"github.com/hexmesh/hexmesh/internal/debug"
	"github.com/hexmesh/hexmesh/internal/protocol"
)

// HandleMsg executes one inbound frame on behalf of callerID (empty for the
// control channel) and returns the encoded reply frame. Fire-and-forget kinds
// return nil on success; their failures are logged, not replied to, unless
// the frame carried a requestId anyway.
func (h *Hub) HandleMsg(ctx context.Context, callerID string, msg *protocol.Msg) []byte {
	payload, err := h.dispatch(ctx, callerID, msg)
	if msg.RequestID == "" {
		if err != nil {
			debug.LogKV("hub", "fire-and-forget failed",
				"kind", string(msg.Type), "caller", callerID, "err", err)
		}
		return nil
	}

	var result protocol.Result
	if err != nil {
		result = protocol.FailResult(protocol.AsErrorInfo(err, protocol.ErrProcess))
	} else {
		result, err = protocol.OKResult(payload)
		if err != nil {
			result = protocol.FailResult(protocol.Errorf(protocol.ErrProcess,
				"encoding reply: %v", err))
		}
	}

	frame, err := protocol.Encode(protocol.ResultKind(msg.Type), msg.RequestID, result)
	if err != nil {
		debug.LogKV("hub", "encoding reply failed", "kind", string(msg.Type), "err", err)
		return nil
	}
	return frame
}

// dispatch is the exhaustive request switch. Unknown kinds are validation
// errors, never silently dropped.
func (h *Hub) dispatch(ctx context.Context, callerID string, msg *protocol.Msg) (any, error) {
	if err := h.Authorize(callerID, msg.Type); err != nil {
		return nil, err
	}

	switch msg.Type {
	case protocol.TerminalCreate:
		req, err := protocol.DecodeData[protocol.TerminalCreateRequest](msg)
		if err != nil {
			return nil, badPayload(err)
		}
		return h.CreateTerminal(ctx, req)

	case protocol.TerminalWrite:
		req, err := protocol.DecodeData[protocol.TerminalWriteRequest](msg)
		if err != nil {
			return nil, badPayload(err)
		}
		return nil, h.WriteTerminal(req)

	case protocol.TerminalResize:
		req, err := protocol.DecodeData[protocol.TerminalResizeRequest](msg)
		if err != nil {
			return nil, badPayload(err)
		}
		return nil, h.ResizeTerminal(req)

	case protocol.TerminalDispose:
		req, err := protocol.DecodeData[protocol.TerminalDisposeRequest](msg)
		if err != nil {
			return nil, badPayload(err)
		}
		return nil, h.DisposeTerminal(ctx, req)

	case protocol.SessionsList:
		return h.ListSessions(), nil

	case protocol.SessionsClear:
		return h.ClearSessions(ctx), nil

	case protocol.McpSpawn:
		req, err := protocol.DecodeData[protocol.SpawnRequest](msg)
		if err != nil {
			return nil, badPayload(err)
		}
		return h.Spawn(ctx, callerID, req)

	case protocol.McpGetGrid:
		req, err := protocol.DecodeData[protocol.GetGridRequest](msg)
		if err != nil {
			return nil, badPayload(err)
		}
		return h.GetGrid(callerID, req), nil

	case protocol.McpBroadcast:
		req, err := protocol.DecodeData[protocol.BroadcastRequest](msg)
		if err != nil {
			return nil, badPayload(err)
		}
		return h.Broadcast(callerID, req)

	case protocol.McpReportStatus:
		req, err := protocol.DecodeData[protocol.ReportStatusRequest](msg)
		if err != nil {
			return nil, badPayload(err)
		}
		return nil, h.ReportStatus(callerID, req)

	case protocol.McpReportResult:
		req, err := protocol.DecodeData[protocol.ReportResultRequest](msg)
		if err != nil {
			return nil, badPayload(err)
		}
		return nil, h.ReportResult(callerID, req)

	case protocol.McpGetMessages:
		req, err := protocol.DecodeData[protocol.GetMessagesRequest](msg)
		if err != nil {
			return nil, badPayload(err)
		}
		return h.GetMessages(ctx, callerID, req), nil

	case protocol.McpWorkerStatus:
		req, err := workerReq(msg)
		if err != nil {
			return nil, err
		}
		return h.WorkerStatus(req)

	case protocol.McpWorkerDiff:
		req, err := workerReq(msg)
		if err != nil {
			return nil, err
		}
		return h.WorkerDiff(ctx, req)

	case protocol.McpWorkerFiles:
		req, err := workerReq(msg)
		if err != nil {
			return nil, err
		}
		return h.WorkerFiles(ctx, req)

	case protocol.McpWorkerCommits:
		req, err := workerReq(msg)
		if err != nil {
			return nil, err
		}
		return h.WorkerCommits(ctx, req)

	case protocol.McpMergeWorker:
		req, err := workerReq(msg)
		if err != nil {
			return nil, err
		}
		return h.MergeWorker(ctx, req)

	case protocol.McpCleanupWorker:
		req, err := workerReq(msg)
		if err != nil {
			return nil, err
		}
		return nil, h.CleanupWorker(ctx, req)

	case protocol.McpKillWorker:
		req, err := protocol.DecodeData[protocol.KillWorkerRequest](msg)
		if err != nil {
			return nil, badPayload(err)
		}
		if req.WorkerID == "" {
			return nil, protocol.Errorf(protocol.ErrValidation, "workerId is empty")
		}
		return nil, h.KillWorker(ctx, req)

	default:
		return nil, protocol.Errorf(protocol.ErrValidation, "unknown message type %q", msg.Type)
	}
}

func workerReq(msg *protocol.Msg) (*protocol.WorkerRequest, error) {
	req, err := protocol.DecodeData[protocol.WorkerRequest](msg)
	if err != nil {
		return nil, badPayload(err)
	}
	if req.WorkerID == "" {
		return nil, protocol.Errorf(protocol.ErrValidation, "workerId is empty")
	}
	return req, nil
}

func badPayload(err error) error {
	return protocol.Errorf(protocol.ErrValidation, "malformed payload: %v", err)
}
