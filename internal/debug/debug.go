// Package debug provides a verbose structured logger for development diagnostics.
//
// When enabled via --debug, significant events in the hexmesh runtime are
// written to a single .log file under ~/.hexmesh/debug/. Lines carry
// nanosecond timestamps, goroutine IDs, caller locations, and the relevant
// context IDs (agent, session, request) so any execution path can be
// reconstructed after the fact. Spawned agent processes inherit the log file
// through the environment, so the hub and every tool adapter write to one
// interleaved file.
//
// When disabled (the default), all logging functions are no-ops.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/hexmesh/hexmesh/internal/hexid"
)

const (
	// EnvEnabled toggles debug logger initialization for child processes.
	EnvEnabled = "HEXMESH_DEBUG_ENABLED"
	// EnvLogPath points child processes at an existing aggregate log file.
	EnvLogPath = "HEXMESH_DEBUG_LOG_PATH"
	// EnvProcess labels the current process in every emitted line.
	EnvProcess = "HEXMESH_DEBUG_PROCESS"
)

// Logger writes structured debug lines to a file.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	startedAt time.Time
	pid       int
	process   string
}

var (
	logger   *Logger
	loggerMu sync.RWMutex
)

// Init initializes the global debug logger, creating ~/.hexmesh/debug/ if
// needed, and returns the log file path. When EnvLogPath is set the process
// attaches to that file instead of creating its own.
func Init() (string, error) {
	loggerMu.RLock()
	if logger != nil {
		p := logger.path
		loggerMu.RUnlock()
		return p, nil
	}
	loggerMu.RUnlock()

	path, inherited, err := resolveLogPath()
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open log %s: %w", path, err)
	}

	now := time.Now()
	l := &Logger{
		file:      f,
		path:      path,
		startedAt: now,
		pid:       os.Getpid(),
		process:   processLabel(),
	}

	if inherited {
		fmt.Fprintf(f, "\n=== HEXMESH DEBUG PROCESS ATTACHED === pid=%d process=%s at=%s\n",
			l.pid, l.process, now.Format(time.RFC3339Nano))
	} else {
		fmt.Fprintf(f, "=== HEXMESH DEBUG LOG === pid=%d process=%s started=%s file=%s\n",
			l.pid, l.process, now.Format(time.RFC3339Nano), path)
	}

	loggerMu.Lock()
	if logger != nil {
		p := logger.path
		loggerMu.Unlock()
		_ = f.Close()
		return p, nil
	}
	logger = l
	loggerMu.Unlock()
	return path, nil
}

// Close flushes and closes the debug log. Safe to call when not initialized.
func Close() {
	loggerMu.Lock()
	l := logger
	logger = nil
	loggerMu.Unlock()
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.file, "=== DEBUG LOG CLOSED === pid=%d duration=%s\n", l.pid, time.Since(l.startedAt))
	l.file.Close()
}

// Enabled reports whether the debug logger is active.
func Enabled() bool {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger != nil
}

// Path returns the log file path, or "" when disabled.
func Path() string {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return ""
	}
	return logger.path
}

// ShouldEnableFromEnv reports whether debug logging should be initialized
// based on inherited environment variables.
func ShouldEnableFromEnv() bool {
	path := strings.TrimSpace(os.Getenv(EnvLogPath))
	switch strings.TrimSpace(strings.ToLower(os.Getenv(EnvEnabled))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return path != ""
	}
}

// PropagatedEnv returns baseEnv with the debug variables overlaid so a child
// process attaches to the same log file. Returns baseEnv unchanged when
// debug is disabled.
func PropagatedEnv(baseEnv []string, process string) []string {
	logPath := Path()
	if logPath == "" {
		return baseEnv
	}
	env := append([]string(nil), baseEnv...)
	env = setEnv(env, EnvEnabled, "1")
	env = setEnv(env, EnvLogPath, logPath)
	if strings.TrimSpace(process) != "" {
		env = setEnv(env, EnvProcess, process)
	}
	return env
}

// Log writes a debug line. No-op when debug is disabled.
func Log(component, msg string) {
	if l := get(); l != nil {
		l.write(component, msg)
	}
}

// Logf writes a formatted debug line. No-op when debug is disabled.
func Logf(component, format string, args ...any) {
	if l := get(); l != nil {
		l.write(component, fmt.Sprintf(format, args...))
	}
}

// LogKV writes a debug line with key-value context pairs.
// Usage: debug.LogKV("hub", "request routed", "request_id", id, "type", t)
func LogKV(component, msg string, kvs ...any) {
	l := get()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	l.write(component, b.String())
}

func get() *Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

func (l *Logger) write(component, msg string) {
	now := time.Now()

	_, file, line, ok := runtime.Caller(2)
	caller := "??:0"
	if ok {
		if idx := strings.LastIndex(file, "/internal/"); idx >= 0 {
			file = file[idx+1:]
		}
		caller = fmt.Sprintf("%s:%d", file, line)
	}

	out := fmt.Sprintf("%s +%12s [P%-6d] [%-14s] [G%-6d] [%-10s] %-36s | %s\n",
		now.Format("15:04:05.000000000"),
		now.Sub(l.startedAt).Truncate(time.Microsecond),
		l.pid,
		l.process,
		goroutineID(),
		component,
		caller,
		msg,
	)

	l.mu.Lock()
	l.file.WriteString(out)
	l.mu.Unlock()
}

func resolveLogPath() (string, bool, error) {
	if inherited := strings.TrimSpace(os.Getenv(EnvLogPath)); inherited != "" {
		if dir := filepath.Dir(inherited); dir != "." && dir != string(filepath.Separator) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return "", true, fmt.Errorf("debug: create dir %s: %w", dir, err)
			}
		}
		return inherited, true, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("debug: user home dir: %w", err)
	}
	dir := filepath.Join(home, ".hexmesh", "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false, fmt.Errorf("debug: create dir %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("20060102T150405"), hexid.New())
	return filepath.Join(dir, name), false, nil
}

func processLabel() string {
	if p := strings.TrimSpace(os.Getenv(EnvProcess)); p != "" {
		return p
	}
	base := filepath.Base(os.Args[0])
	for i := 1; i < len(os.Args); i++ {
		arg := strings.TrimSpace(os.Args[i])
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		return base + ":" + arg
	}
	return base
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

// goroutineID extracts the goroutine ID from runtime.Stack output. Only used
// in debug mode where performance is secondary.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := string(buf[:n])
	if !strings.HasPrefix(s, "goroutine ") {
		return 0
	}
	s = s[len("goroutine "):]
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
