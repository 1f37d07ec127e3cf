package workspace

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/hexmesh/hexmesh/internal/debug"
	"github.com/hexmesh/hexmesh/internal/protocol"
)

// All introspection compares a worker branch against its fork point from the
// integration branch. Three-dot diffs and asymmetric log ranges keep
// unrelated upstream commits out of the worker's reported changes.

// Diff summarizes a worker branch: file count, insertion/deletion totals, and
// the per-file breakdown.
func (m *Manager) Diff(ctx context.Context, agentID string) (*protocol.WorkerDiffResult, error) {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	branch, err := m.workerBranch(ctx, agentID)
	if err != nil {
		return nil, err
	}

	files, err := m.numstat(ctx, branch)
	if err != nil {
		return nil, err
	}
	result := &protocol.WorkerDiffResult{Files: files, FilesChanged: len(files)}
	for _, f := range files {
		result.Insertions += f.Insertions
		result.Deletions += f.Deletions
	}

	patch, err := m.git(ctx, "diff", "HEAD..."+branch)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrProcess, "diff %s: %v", branch, err)
	}
	result.Patch = patch
	return result, nil
}

// ListFiles returns the per-file change summary for a worker branch.
func (m *Manager) ListFiles(ctx context.Context, agentID string) (*protocol.WorkerFilesResult, error) {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	branch, err := m.workerBranch(ctx, agentID)
	if err != nil {
		return nil, err
	}
	files, err := m.numstat(ctx, branch)
	if err != nil {
		return nil, err
	}
	return &protocol.WorkerFilesResult{Files: files}, nil
}

// ListCommits returns the commits on a worker branch past its fork point,
// newest first.
func (m *Manager) ListCommits(ctx context.Context, agentID string) (*protocol.WorkerCommitsResult, error) {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	branch, err := m.workerBranch(ctx, agentID)
	if err != nil {
		return nil, err
	}
	out, err := m.git(ctx, "log", "--pretty=format:%H%x09%an%x09%aI%x09%s", "HEAD.."+branch)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrProcess, "log %s: %v", branch, err)
	}

	result := &protocol.WorkerCommitsResult{Commits: []protocol.CommitInfo{}}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "\t", 4)
		if len(parts) != 4 {
			continue
		}
		when, _ := time.Parse(time.RFC3339, parts[2])
		result.Commits = append(result.Commits, protocol.CommitInfo{
			Hash:    parts[0],
			Author:  parts[1],
			When:    when,
			Subject: parts[3],
		})
	}
	return result, nil
}

// Merge squash-merges a worker branch into the integration checkout. Any
// uncommitted work in the worker's checkout is committed first so nothing on
// disk is silently skipped. On conflict the merge is aborted and the
// conflicting paths are returned in the error detail.
func (m *Manager) Merge(ctx context.Context, agentID string) (*protocol.MergeResult, error) {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	branch, err := m.workerBranch(ctx, agentID)
	if err != nil {
		return nil, err
	}
	debug.LogKV("workspace", "Merge()", "agent_id", agentID, "branch", branch)

	wtPath := m.checkoutPath(agentID)
	if err := m.autoCommitIfDirty(ctx, wtPath, "hexmesh: auto-commit before merge"); err != nil {
		return nil, err
	}

	// From here on the integration checkout itself is staged, committed, or
	// reset. One merge at a time.
	m.integrationMu.Lock()
	defer m.integrationMu.Unlock()

	if _, err := m.git(ctx, "merge", "--squash", branch); err != nil {
		paths := m.conflictPaths(ctx)
		m.git(ctx, "reset", "--merge")
		if len(paths) > 0 {
			info := protocol.Errorf(protocol.ErrConflict,
				"merge of %s conflicts in %d file(s)", branch, len(paths))
			return nil, info.WithDetail(protocol.MergeConflictDetail{Paths: paths})
		}
		return nil, protocol.Errorf(protocol.ErrProcess, "squash-merge %s: %v", branch, err)
	}

	staged, err := m.git(ctx, "diff", "--cached", "--numstat")
	if err != nil {
		m.git(ctx, "reset", "--merge")
		return nil, protocol.Errorf(protocol.ErrProcess, "inspecting staged merge: %v", err)
	}
	filesChanged := countNumstatLines(staged)
	if filesChanged == 0 {
		// Worker introduced nothing new; current HEAD already has it all.
		head, err := m.git(ctx, "rev-parse", "HEAD")
		if err != nil {
			return nil, protocol.Errorf(protocol.ErrProcess, "rev-parse HEAD: %v", err)
		}
		return &protocol.MergeResult{Commit: strings.TrimSpace(head)}, nil
	}

	commitArgs := []string{
		"-c", "user.name=hexmesh",
		"-c", "user.email=hexmesh@local",
		"commit", "-m", "Squash merge " + branch,
	}
	if _, err := m.git(ctx, commitArgs...); err != nil {
		m.git(ctx, "reset", "--merge")
		return nil, protocol.Errorf(protocol.ErrProcess, "committing merge of %s: %v", branch, err)
	}
	head, err := m.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrProcess, "rev-parse HEAD: %v", err)
	}

	debug.LogKV("workspace", "merged", "agent_id", agentID, "files_changed", filesChanged)
	return &protocol.MergeResult{
		Commit:       strings.TrimSpace(head),
		FilesChanged: filesChanged,
	}, nil
}

// workerBranch resolves and validates the branch for a worker id.
func (m *Manager) workerBranch(ctx context.Context, agentID string) (string, error) {
	if !m.versioned {
		return "", protocol.Errorf(protocol.ErrValidation,
			"workspace root is not under version control")
	}
	if ws, ok := m.Get(agentID); ok && ws.ScratchFallback {
		return "", protocol.Errorf(protocol.ErrValidation,
			"agent %s uses a scratch workspace without a branch", agentID)
	}
	branch := BranchFor(agentID)
	if !m.branchExists(ctx, branch) {
		return "", protocol.Errorf(protocol.ErrNotFound, "no workspace branch for %s", agentID)
	}
	return branch, nil
}

// autoCommitIfDirty stages and commits everything in a checkout. Missing
// checkout directories are fine; the branch alone is enough to merge.
func (m *Manager) autoCommitIfDirty(ctx context.Context, wtPath, message string) error {
	status, err := m.git(ctx, "-C", wtPath, "status", "--porcelain")
	if err != nil {
		return nil
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}
	if _, err := m.git(ctx, "-C", wtPath, "add", "-A"); err != nil {
		return protocol.Errorf(protocol.ErrProcess, "staging worker changes: %v", err)
	}
	commitArgs := []string{
		"-C", wtPath,
		"-c", "user.name=hexmesh",
		"-c", "user.email=hexmesh@local",
		"commit", "-m", message,
	}
	if _, err := m.git(ctx, commitArgs...); err != nil {
		return protocol.Errorf(protocol.ErrProcess, "auto-commit in %s: %v", wtPath, err)
	}
	debug.LogKV("workspace", "auto-committed dirty checkout", "path", wtPath)
	return nil
}

func (m *Manager) conflictPaths(ctx context.Context) []string {
	out, err := m.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}

// numstat parses `git diff --numstat HEAD...branch` into file changes.
// Binary files report "-" for both counts and parse as zero.
func (m *Manager) numstat(ctx context.Context, branch string) ([]protocol.FileChange, error) {
	out, err := m.git(ctx, "diff", "--numstat", "HEAD..."+branch)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrProcess, "numstat %s: %v", branch, err)
	}
	return parseNumstat(out), nil
}

func parseNumstat(out string) []protocol.FileChange {
	files := []protocol.FileChange{}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "\t", 3)
		if len(parts) != 3 {
			continue
		}
		ins, _ := strconv.Atoi(parts[0])
		del, _ := strconv.Atoi(parts[1])
		files = append(files, protocol.FileChange{
			Path:       parts[2],
			Insertions: ins,
			Deletions:  del,
		})
	}
	return files
}

func countNumstatLines(out string) int {
	return len(parseNumstat(out))
}
