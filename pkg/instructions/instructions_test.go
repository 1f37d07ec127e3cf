package instructions

import (
	"strings"
	"testing"
)

func TestBriefCarriesIdentityAndTask(t *testing.T) {
	got := Brief{
		AgentID:  "agent-0011aabbccdd",
		CellType: "worker",
		ParentID: "agent-parent000000",
		Task:     "Fix the flaky retry test",
	}.Render()

	for _, want := range []string{
		"agent-0011aabbccdd",
		"Fix the flaky retry test",
		"report_result",
		"agent-parent000000",
		"report_status",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("brief missing %q\nbrief:\n%s", want, got)
		}
	}
	if strings.Contains(got, "spawn_agent") {
		t.Fatalf("worker brief must not advertise orchestrator tools\nbrief:\n%s", got)
	}
}

func TestOrchestratorBriefAdvertisesWorkerTools(t *testing.T) {
	got := Brief{
		AgentID:  "agent-ffee00112233",
		CellType: "orchestrator",
		Task:     "Ship the release",
	}.Render()

	for _, want := range []string{
		"spawn_agent",
		"await_worker",
		"merge_worker_changes",
		"spawn all independent",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("orchestrator brief missing %q\nbrief:\n%s", want, got)
		}
	}
}

func TestBriefOmitsEmptySections(t *testing.T) {
	got := Brief{AgentID: "agent-x", CellType: "worker"}.Render()
	if strings.Contains(got, "## Task") || strings.Contains(got, "## Details") {
		t.Fatalf("empty sections should be omitted\nbrief:\n%s", got)
	}
	if strings.Contains(got, "report_result(parentId") {
		t.Fatalf("parentless brief must not point at a parent\nbrief:\n%s", got)
	}
}
