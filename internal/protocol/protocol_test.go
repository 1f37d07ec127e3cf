package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/hexmesh/hexmesh/internal/hexgrid"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	frame, err := Encode(McpSpawn, "req-1", SpawnRequest{CellType: CellWorker, Task: "build"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type != McpSpawn {
		t.Fatalf("type = %q, want %q", msg.Type, McpSpawn)
	}
	if msg.RequestID != "req-1" {
		t.Fatalf("requestId = %q, want req-1", msg.RequestID)
	}

	req, err := DecodeData[SpawnRequest](msg)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if req.CellType != CellWorker || req.Task != "build" {
		t.Fatalf("unexpected payload: %+v", req)
	}
}

func TestEncodeOmitsEmptyRequestID(t *testing.T) {
	frame, err := Encode(TerminalWrite, "", TerminalWriteRequest{SessionID: "s1", Data: "aGk="})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(string(frame), "requestId") {
		t.Fatalf("fire-and-forget frame must omit requestId: %s", frame)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("expected error for frame without type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestResultKind(t *testing.T) {
	if got := ResultKind(McpGetGrid); got != Kind("mcp.getGrid.result") {
		t.Fatalf("ResultKind = %q", got)
	}
}

func TestGatedKindsCoverWorkerOperations(t *testing.T) {
	for _, k := range []Kind{
		McpSpawn, McpWorkerStatus, McpWorkerDiff, McpWorkerFiles,
		McpWorkerCommits, McpMergeWorker, McpCleanupWorker, McpKillWorker,
	} {
		if !GatedKinds[k] {
			t.Errorf("%s should be orchestrator-gated", k)
		}
	}
	for _, k := range []Kind{McpBroadcast, McpReportStatus, McpReportResult, McpGetMessages, McpGetGrid} {
		if GatedKinds[k] {
			t.Errorf("%s should not be gated", k)
		}
	}
}

func TestErrorInfoDetailRoundTrip(t *testing.T) {
	info := Errorf(ErrConflict, "hex occupied").
		WithDetail(OccupiedDetail{AgentID: "agent-aa", Hex: hexgrid.Hex{Q: 1}})

	var detail OccupiedDetail
	if err := json.Unmarshal(info.Detail, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.AgentID != "agent-aa" {
		t.Fatalf("detail = %+v", detail)
	}
	if info.Error() != "conflict: hex occupied" {
		t.Fatalf("Error() = %q", info.Error())
	}
}

func TestAsErrorInfoPreservesTyped(t *testing.T) {
	orig := Errorf(ErrNotFound, "no such worker")
	if got := AsErrorInfo(orig, ErrProcess); got != orig {
		t.Fatal("typed error must pass through unchanged")
	}
	if got := AsErrorInfo(errPlain("boom"), ErrProcess); got.Code != ErrProcess || got.Message != "boom" {
		t.Fatalf("fallback conversion = %+v", got)
	}
	if AsErrorInfo(nil, ErrProcess) != nil {
		t.Fatal("nil error must stay nil")
	}
}

func TestStatusAndCellTypeValidity(t *testing.T) {
	if !StatusStuck.Valid() || !StatusWaitingPermission.Valid() {
		t.Fatal("reportable states must validate")
	}
	if StatusCancelled.Valid() {
		t.Fatal("cancelled is runner-only, not reportable")
	}
	if Status("banana").Valid() {
		t.Fatal("unknown status must not validate")
	}
	if !CellOrchestrator.Valid() || CellType("ghost").Valid() {
		t.Fatal("cell type validation broken")
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
