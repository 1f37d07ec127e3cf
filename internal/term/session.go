package term

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"

	"github.com/hexmesh/hexmesh/internal/debug"
)

const readBufferLen = 4096

// Listener receives session events. OnData is invoked synchronously in
// arrival order; it must not block. OnExit fires exactly once per process.
type Listener struct {
	OnData func(chunk []byte)
	OnExit func(exitCode int)
}

// Session is one PTY-backed process. Owned exclusively by the Manager.
type Session struct {
	ID string

	mu           sync.Mutex
	ptmx         *os.File
	cmd          *exec.Cmd
	cols, rows   int
	cwd          string
	buffer       *ringBuffer
	listeners    map[int]Listener
	nextListener int
	exited       bool
	exitNotified bool
	exitCode     int
	disposed     bool
	gen          int // bumped on respawn so a stale read loop can't report exit

	activityBytes atomic.Int64
}

// Subscribe registers a listener and returns an unsubscribe func.
func (s *Session) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// BufferedOutput returns the retained output chunks, oldest first.
func (s *Session) BufferedOutput() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Snapshot()
}

// Size returns the current terminal dimensions.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Exited reports whether the process has exited, and its exit code.
func (s *Session) Exited() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited, s.exitCode
}

// Disposed reports whether the session has been released.
func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// TakeActivityBytes returns the bytes emitted since the previous call and
// resets the counter. Feeds the periodic activity snapshot.
func (s *Session) TakeActivityBytes() int64 {
	return s.activityBytes.Swap(0)
}

// readLoop pumps PTY output into the ring buffer and listener fan-out until
// the process exits. gen guards against a stale loop surviving a respawn.
func (s *Session) readLoop(ptmx *os.File, cmd *exec.Cmd, gen int) {
	buf := make([]byte, readBufferLen)
	for {
		n, readErr := ptmx.Read(buf)
		if n > 0 {
			s.deliver(buf[:n], gen)
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !isClosedPTY(readErr) {
				debug.LogKV("term", "pty read error", "session_id", s.ID, "err", readErr)
			}
			break
		}
	}

	code := exitCode(cmd.Wait())
	s.finish(code, gen)
}

func (s *Session) deliver(chunk []byte, gen int) {
	s.mu.Lock()
	if s.gen != gen || s.disposed {
		s.mu.Unlock()
		return
	}
	s.buffer.Append(chunk)
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	s.activityBytes.Add(int64(len(chunk)))
	for _, l := range listeners {
		if l.OnData != nil {
			l.OnData(chunk)
		}
	}
}

func (s *Session) finish(code int, gen int) {
	s.mu.Lock()
	if s.gen != gen || s.exitNotified || s.disposed {
		s.mu.Unlock()
		return
	}
	s.exited = true
	s.exitNotified = true
	s.exitCode = code
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	debug.LogKV("term", "session exited", "session_id", s.ID, "exit_code", code)
	for _, l := range listeners {
		if l.OnExit != nil {
			l.OnExit(code)
		}
	}
}

// killLocked terminates the process group and closes the PTY. Caller holds s.mu.
func (s *Session) killLocked() {
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.Process.Pid > 0 {
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func isClosedPTY(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO)
}

func clampToUint16(value int) uint16 {
	if value < 1 {
		return 1
	}
	if value > 0xFFFF {
		return 0xFFFF
	}
	return uint16(value)
}

// setsize applies terminal dimensions to a PTY.
func setsize(ptmx *os.File, cols, rows int) error {
	return pty.Setsize(ptmx, &pty.Winsize{
		Rows: clampToUint16(rows),
		Cols: clampToUint16(cols),
	})
}
