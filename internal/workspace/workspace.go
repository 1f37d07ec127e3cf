// Package workspace manages per-agent isolated checkouts: git worktrees on a
// dedicated branch when the target root is under version control, plain
// scratch directories otherwise.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hexmesh/hexmesh/internal/debug"
	"github.com/hexmesh/hexmesh/internal/protocol"
	"github.com/hexmesh/hexmesh/pkg/instructions"
)

const (
	worktreeDir  = ".hexmesh-worktrees"
	scratchDir   = "hexmesh-scratch"
	branchPrefix = "hexmesh/"

	// ConfigFileName is the per-agent tool configuration written into every
	// checkout so the tool adapter can find the hub and its own identity.
	ConfigFileName = ".hexmesh-agent.json"
)

// auxDirs are symlinked from the repo root into each checkout so agent-local
// tooling config is inherited without duplication.
var auxDirs = []string{".claude", ".hexmesh"}

// localOnlyEntries lists the per-agent plumbing a checkout carries that must
// never reach the integration branch: the tool config, the brief, and the
// aux symlinks. Each entry lands in git's info/exclude so neither the
// pre-merge auto-commit nor the dirty-checkout guard sees them.
func localOnlyEntries() []string {
	entries := []string{"/" + ConfigFileName, "/" + instructions.BriefFileName, "/" + worktreeDir}
	for _, name := range auxDirs {
		entries = append(entries, "/"+name)
	}
	return entries
}

// ToolConfig is the contents of the per-agent configuration file.
type ToolConfig struct {
	ServerURL string `json:"serverUrl"`
	AgentID   string `json:"agentId"`
	CellType  string `json:"cellType"`
	ParentID  string `json:"parentId,omitempty"`
	Hex       string `json:"hex,omitempty"`
}

// Workspace describes one agent's checkout.
type Workspace struct {
	AgentID         string
	Path            string
	Branch          string // empty when ScratchFallback
	ScratchFallback bool
}

// Manager creates, inspects, merges, and removes agent workspaces. All
// operations on the same agent are serialized; different agents proceed in
// parallel.
type Manager struct {
	repoRoot  string
	versioned bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	known map[string]*Workspace

	// integrationMu serializes mutations of the shared integration checkout.
	// Merges stage, commit, and on failure reset in repoRoot itself; two of
	// those in flight at once corrupt each other. Reads stay parallel.
	integrationMu sync.Mutex
}

// NewManager probes repoRoot for version control and returns a manager. A
// non-versioned root is not an error; workspaces fall back to scratch
// directories.
func NewManager(ctx context.Context, repoRoot string) *Manager {
	m := &Manager{
		repoRoot: repoRoot,
		locks:    make(map[string]*sync.Mutex),
		known:    make(map[string]*Workspace),
	}
	out, err := m.git(ctx, "rev-parse", "--is-inside-work-tree")
	m.versioned = err == nil && strings.TrimSpace(out) == "true"
	debug.LogKV("workspace", "manager init", "repo_root", repoRoot, "versioned", m.versioned)
	return m
}

// Versioned reports whether the root supports branch-backed checkouts.
func (m *Manager) Versioned() bool {
	return m.versioned
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// BranchFor returns the deterministic branch name for an agent.
func BranchFor(agentID string) string {
	return branchPrefix + sanitize(agentID)
}

func (m *Manager) checkoutPath(agentID string) string {
	return filepath.Join(m.repoRoot, worktreeDir, sanitize(agentID))
}

func scratchPath(agentID string) string {
	return filepath.Join(os.TempDir(), scratchDir, sanitize(agentID))
}

// lockFor returns the per-agent mutex, creating it on first use. Locks are
// never deleted; the set of agent IDs a single hub sees is small.
func (m *Manager) lockFor(agentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[agentID] = l
	}
	return l
}

// Get returns the workspace record for an agent, if one was created by this
// manager instance.
func (m *Manager) Get(agentID string) (*Workspace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.known[agentID]
	return ws, ok
}

// Create builds an isolated workspace for an agent and writes its tool
// configuration file. On a versioned root this is a worktree on branch
// hexmesh/<agentID>; otherwise a scratch directory.
func (m *Manager) Create(ctx context.Context, agentID string, cfg ToolConfig) (*Workspace, error) {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	if !m.versioned {
		return m.createScratch(agentID, cfg)
	}

	wtPath := m.checkoutPath(agentID)
	branch := BranchFor(agentID)
	debug.LogKV("workspace", "Create()", "agent_id", agentID, "branch", branch, "path", wtPath)

	if err := os.MkdirAll(filepath.Dir(wtPath), 0755); err != nil {
		return nil, protocol.Errorf(protocol.ErrProcess, "creating worktree dir: %v", err)
	}

	head, err := m.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrProcess, "rev-parse HEAD: %v", err)
	}
	if _, err := m.git(ctx, "branch", branch, strings.TrimSpace(head)); err != nil {
		return nil, protocol.Errorf(protocol.ErrProcess, "creating branch %s: %v", branch, err)
	}
	if _, err := m.git(ctx, "worktree", "add", wtPath, branch); err != nil {
		m.git(ctx, "branch", "-D", branch)
		return nil, protocol.Errorf(protocol.ErrProcess, "worktree add: %v", err)
	}

	if err := m.excludeLocalFiles(ctx, wtPath); err != nil {
		m.git(ctx, "worktree", "remove", "--force", wtPath)
		m.git(ctx, "branch", "-D", branch)
		return nil, err
	}

	m.symlinkAux(wtPath)
	if err := writeToolConfig(wtPath, cfg); err != nil {
		m.git(ctx, "worktree", "remove", "--force", wtPath)
		m.git(ctx, "branch", "-D", branch)
		return nil, err
	}

	ws := &Workspace{AgentID: agentID, Path: wtPath, Branch: branch}
	m.remember(ws)
	debug.LogKV("workspace", "created", "agent_id", agentID, "path", wtPath)
	return ws, nil
}

func (m *Manager) createScratch(agentID string, cfg ToolConfig) (*Workspace, error) {
	path := scratchPath(agentID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, protocol.Errorf(protocol.ErrProcess, "creating scratch dir: %v", err)
	}
	if err := writeToolConfig(path, cfg); err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	ws := &Workspace{AgentID: agentID, Path: path, ScratchFallback: true}
	m.remember(ws)
	debug.LogKV("workspace", "created scratch", "agent_id", agentID, "path", path)
	return ws, nil
}

func (m *Manager) remember(ws *Workspace) {
	m.mu.Lock()
	m.known[ws.AgentID] = ws
	m.mu.Unlock()
}

func (m *Manager) forget(agentID string) {
	m.mu.Lock()
	delete(m.known, agentID)
	m.mu.Unlock()
}

// excludeLocalFiles appends the per-agent plumbing entries to the checkout's
// git exclude file. Entries already present are kept once.
func (m *Manager) excludeLocalFiles(ctx context.Context, wtPath string) error {
	out, err := m.git(ctx, "-C", wtPath, "rev-parse", "--git-path", "info/exclude")
	if err != nil {
		return protocol.Errorf(protocol.ErrProcess, "locating git exclude file: %v", err)
	}
	path := strings.TrimSpace(out)
	if !filepath.IsAbs(path) {
		path = filepath.Join(wtPath, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return protocol.Errorf(protocol.ErrProcess, "creating git exclude dir: %v", err)
	}

	existing, _ := os.ReadFile(path)
	content := string(existing)
	var missing []string
	for _, entry := range localOnlyEntries() {
		if !containsLine(content, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += strings.Join(missing, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return protocol.Errorf(protocol.ErrProcess, "writing git exclude file: %v", err)
	}
	return nil
}

func containsLine(content, line string) bool {
	for _, l := range strings.Split(content, "\n") {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}

func writeToolConfig(dir string, cfg ToolConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return protocol.Errorf(protocol.ErrProcess, "encoding tool config: %v", err)
	}
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return protocol.Errorf(protocol.ErrProcess, "writing %s: %v", ConfigFileName, err)
	}
	return nil
}

// Remove tears down an agent's workspace: worktree, branch, and config file.
// Removing a workspace that was never created, or was already removed, is a
// no-op. Without force, a branch carrying unintegrated commits or a dirty
// checkout is refused so work is not silently discarded.
func (m *Manager) Remove(ctx context.Context, agentID string, force bool) error {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()
	defer m.forget(agentID)

	if !m.versioned {
		if err := os.RemoveAll(scratchPath(agentID)); err != nil {
			return protocol.Errorf(protocol.ErrProcess, "removing scratch dir: %v", err)
		}
		return nil
	}

	wtPath := m.checkoutPath(agentID)
	branch := BranchFor(agentID)
	debug.LogKV("workspace", "Remove()", "agent_id", agentID, "force", force)

	if !force {
		if err := m.guardUnmerged(ctx, wtPath, branch); err != nil {
			return err
		}
	}

	// Drop aux symlinks before git touches the tree.
	for _, name := range auxDirs {
		link := filepath.Join(wtPath, name)
		if info, err := os.Lstat(link); err == nil && info.Mode()&os.ModeSymlink != 0 {
			os.Remove(link)
		}
	}

	if _, err := os.Stat(wtPath); err == nil {
		if _, err := m.git(ctx, "worktree", "remove", "--force", wtPath); err != nil {
			if removeErr := os.RemoveAll(wtPath); removeErr != nil {
				return protocol.Errorf(protocol.ErrProcess,
					"worktree remove failed (%v) and manual cleanup also failed: %v", err, removeErr)
			}
			m.git(ctx, "worktree", "prune")
		}
	} else {
		// Directory already gone; clear any stale worktree registration.
		m.git(ctx, "worktree", "prune")
	}

	if m.branchExists(ctx, branch) {
		if _, err := m.git(ctx, "branch", "-D", branch); err != nil {
			return protocol.Errorf(protocol.ErrProcess, "deleting branch %s: %v", branch, err)
		}
	}
	return nil
}

// guardUnmerged refuses removal when the worker still has work that has not
// reached the integration branch.
func (m *Manager) guardUnmerged(ctx context.Context, wtPath, branch string) error {
	if _, err := os.Stat(wtPath); err == nil {
		status, err := m.git(ctx, "-C", wtPath, "status", "--porcelain")
		if err == nil && strings.TrimSpace(status) != "" {
			return protocol.Errorf(protocol.ErrConflict,
				"workspace has uncommitted changes; pass force to discard")
		}
	}
	if !m.branchExists(ctx, branch) {
		return nil
	}
	out, err := m.git(ctx, "log", "--oneline", "--max-count=1", "HEAD.."+branch)
	if err == nil && strings.TrimSpace(out) != "" {
		return protocol.Errorf(protocol.ErrConflict,
			"branch %s has unmerged commits; merge first or pass force", branch)
	}
	return nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// ActiveWorkspace describes one managed worktree found on disk.
type ActiveWorkspace struct {
	Path   string
	Branch string
}

// ListActive returns the managed worktrees currently registered with git.
func (m *Manager) ListActive(ctx context.Context) ([]ActiveWorkspace, error) {
	if !m.versioned {
		return nil, nil
	}
	out, err := m.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrProcess, "worktree list: %v", err)
	}

	base := filepath.Join(m.repoRoot, worktreeDir)
	var result []ActiveWorkspace
	var current ActiveWorkspace
	flush := func() {
		if current.Path != "" && strings.HasPrefix(current.Path, base) {
			result = append(result, current)
		}
		current = ActiveWorkspace{}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()
	return result, nil
}

// SweepStale force-removes managed worktrees older than maxAge. Safe to call
// on every startup; live agents recreate nothing because their checkouts stay
// fresh.
func (m *Manager) SweepStale(ctx context.Context, maxAge time.Duration) (removed int, _ error) {
	if maxAge <= 0 {
		return 0, nil
	}
	active, err := m.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	for _, ws := range active {
		info, err := os.Stat(ws.Path)
		if err != nil || time.Since(info.ModTime()) <= maxAge {
			continue
		}
		agentID := filepath.Base(ws.Path)
		if err := m.Remove(ctx, agentID, true); err != nil {
			debug.LogKV("workspace", "stale sweep remove failed", "path", ws.Path, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) symlinkAux(wtPath string) {
	for _, name := range auxDirs {
		src := filepath.Join(m.repoRoot, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(wtPath, name)
		os.Remove(dst)
		if err := os.Symlink(src, dst); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to symlink %s into workspace: %v\n", name, err)
		}
	}
}

// git runs a git command in the repo root and returns combined output.
func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		debug.LogKV("workspace", "git exec failed",
			"cmd", "git "+strings.Join(args, " "), "err", err, "output_len", len(out))
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
