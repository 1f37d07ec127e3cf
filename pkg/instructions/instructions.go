// Package instructions defines the interface contract between hexmesh and
// the coding agents it spawns.
//
// Each spawned agent finds a brief at the root of its checkout explaining
// who it is and which MCP tools it can call. This package builds that brief;
// keeping it public documents the agent-facing contract in one place.
package instructions

import "strings"

// BriefFileName is written into every agent checkout.
const BriefFileName = "AGENT_BRIEF.md"

// Brief describes one agent's assignment.
type Brief struct {
	AgentID      string
	CellType     string
	ParentID     string
	Task         string
	Instructions string
	TaskDetails  string
}

// Render builds the markdown brief dropped into the agent's checkout.
func (b Brief) Render() string {
	var sb strings.Builder
	sb.WriteString("# hexmesh agent brief\n\n")
	sb.WriteString("You are agent `" + b.AgentID + "` (" + b.CellType + ") on a hexmesh grid.\n")
	if b.ParentID != "" {
		sb.WriteString("You were spawned by `" + b.ParentID + "`. Report your result to it when you finish.\n")
	}
	sb.WriteString("\n")

	if b.Task != "" {
		sb.WriteString("## Task\n\n" + b.Task + "\n\n")
	}
	if b.Instructions != "" {
		sb.WriteString("## Instructions\n\n" + b.Instructions + "\n\n")
	}
	if b.TaskDetails != "" {
		sb.WriteString("## Details\n\n" + b.TaskDetails + "\n\n")
	}

	sb.WriteString(`## Working protocol

Your workspace is an isolated git worktree on its own branch. Commit as you
go; your parent merges your branch when it accepts the work.

You have hexmesh MCP tools:

- ` + "`report_status(state, message?)`" + ` — keep your state honest: working,
  waiting_input, stuck, done, error. Report early and often.
- ` + "`get_messages(wait?, timeout?)`" + ` — drain your inbox; wait=true blocks
  until something arrives.
- ` + "`broadcast(radius, type, payload)`" + ` — message nearby agents.
- ` + "`get_grid_state(maxDistance?)`" + ` — see who is around you.
- ` + "`get_identity()`" + ` — your own id, cell type, and position.
`)

	if b.ParentID != "" {
		sb.WriteString("- `report_result(parentId, result, success, message?)` — your final\n" +
			"  hand-off. Use parentId `" + b.ParentID + "`.\n")
	}

	if b.CellType == "orchestrator" {
		sb.WriteString(`
As an orchestrator you can also manage workers:

- ` + "`spawn_agent(cellType, task, instructions?)`" + ` — spawn all independent
  tasks at once, then collect results; do not babysit one worker at a time.
- ` + "`await_worker(workerId)`" + ` — block until a worker finishes.
- ` + "`get_worker_diff` / `list_worker_files` / `list_worker_commits`" + ` —
  inspect a worker's branch before merging.
- ` + "`merge_worker_changes(workerId)`" + ` — squash-merge accepted work.
- ` + "`cleanup_worker_worktree(workerId, force?)`" + ` and
  ` + "`kill_worker(workerId)`" + ` — tear workers down when done.

## Session protocol

1. Orient: get_grid_state, read this brief.
2. Split the task and spawn workers for independent parts.
3. Review each worker's diff before merging.
4. Merge, clean up, and report_result to your parent.
`)
	} else {
		sb.WriteString(`
## Session protocol

1. Orient: read this brief and the repository.
2. Work: build, test, commit to your branch.
3. Report: report_status(done) and report_result to your parent.
`)
	}
	return sb.String()
}
