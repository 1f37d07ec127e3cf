// Package term owns pseudo-terminal process lifecycles: creation, input,
// resize, disposal, and bounded output buffering for reconnect replay.
package term

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/hexmesh/hexmesh/internal/debug"
	"github.com/hexmesh/hexmesh/internal/hexid"
)

const (
	DefaultCols = 80
	DefaultRows = 24
)

// Options configures a new session.
type Options struct {
	Command string   // executable; must resolve on the host
	Args    []string
	Cwd     string
	Env     map[string]string // overlaid on the process environment
	Cols    int
	Rows    int
}

// Manager owns all PTY sessions. All map mutation goes through it; other
// components hold session IDs, never the sessions map.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create spawns a PTY process and returns its session immediately. The
// command is resolved before spawning: an unresolvable coding-agent CLI is
// a configuration error, not a dead session.
func (m *Manager) Create(opts Options) (*Session, error) {
	command := strings.TrimSpace(opts.Command)
	if command == "" {
		command = defaultShell()
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("command %q not found on host: %w", command, err)
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	s := &Session{
		ID:        "sess-" + hexid.New(),
		cols:      cols,
		rows:      rows,
		cwd:       opts.Cwd,
		buffer:    newRingBuffer(),
		listeners: make(map[int]Listener),
	}

	if err := m.spawnLocked(s, command, opts.Args, opts.Env); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	debug.LogKV("term", "session created",
		"session_id", s.ID, "command", command, "cwd", opts.Cwd, "cols", cols, "rows", rows)
	return s, nil
}

// spawnLocked starts the process and read loop for s. s must not be visible
// to other goroutines yet, or its mu must be held by the caller's context
// (respawn path).
func (m *Manager) spawnLocked(s *Session, command string, args []string, env map[string]string) error {
	cmd := exec.Command(command, args...)
	cmd.Dir = s.cwd
	attrs := &syscall.SysProcAttr{Setpgid: true}
	cmd.SysProcAttr = attrs
	cmd.Env = buildEnv(env)

	ptmx, err := pty.StartWithAttrs(cmd, &pty.Winsize{
		Rows: clampToUint16(s.rows),
		Cols: clampToUint16(s.cols),
	}, attrs)
	if err != nil {
		return fmt.Errorf("starting pty for %q: %w", command, err)
	}

	s.ptmx = ptmx
	s.cmd = cmd
	go s.readLoop(ptmx, cmd, s.gen)
	return nil
}

// Get returns a live session by ID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// List returns all sessions sorted by ID for stable output.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Write sends input bytes to a session. Fire-and-forget: the only error
// cases are an unknown or already-disposed session.
func (m *Manager) Write(sessionID string, data []byte) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return fmt.Errorf("session %s is disposed", sessionID)
	}
	if s.ptmx == nil {
		return fmt.Errorf("session %s has no pty", sessionID)
	}
	_, err := s.ptmx.Write(data)
	return err
}

// Resize changes a session's terminal dimensions.
func (m *Manager) Resize(sessionID string, cols, rows int) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return fmt.Errorf("session %s is disposed", sessionID)
	}
	s.cols, s.rows = cols, rows
	return setsize(s.ptmx, cols, rows)
}

// Dispose terminates a session's process and releases it. Idempotent.
func (m *Manager) Dispose(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.killLocked()
	s.mu.Unlock()
	debug.LogKV("term", "session disposed", "session_id", sessionID)
}

// DisposeAll terminates every session and returns the count cleared.
func (m *Manager) DisposeAll() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Dispose(id)
	}
	return len(ids)
}

// Respawn kills a session's current process and starts a plain shell in its
// place, resetting the output buffer and exit state. Listeners stay
// attached. Used when converting an agent cell into an ordinary terminal.
func (m *Manager) Respawn(sessionID, shell string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}

	if strings.TrimSpace(shell) == "" {
		shell = defaultShell()
	}
	if _, err := exec.LookPath(shell); err != nil {
		return fmt.Errorf("shell %q not found on host: %w", shell, err)
	}

	s.mu.Lock()
	s.killLocked()
	s.gen++
	s.buffer.Reset()
	s.exited = false
	s.exitNotified = false
	s.exitCode = 0
	s.disposed = false
	err := m.spawnLocked(s, shell, nil, nil)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	debug.LogKV("term", "session respawned", "session_id", sessionID, "shell", shell)
	return nil
}

func defaultShell() string {
	if shell := strings.TrimSpace(os.Getenv("SHELL")); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// buildEnv overlays extra vars on the current environment and pins TERM.
// Debug variables propagate so child output lands in the aggregate log.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = setEnv(env, k, extra[k])
	}
	env = setEnv(env, "TERM", "xterm-256color")
	return debug.PropagatedEnv(env, "")
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i := range env {
		if strings.HasPrefix(env[i], prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
