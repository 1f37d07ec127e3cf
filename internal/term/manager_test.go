package term

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCreateRejectsUnresolvableCommand(t *testing.T) {
	m := NewManager()
	if _, err := m.Create(Options{Command: "definitely-not-a-real-agent-cli"}); err == nil {
		t.Fatal("expected configuration error before spawning")
	}
	if len(m.List()) != 0 {
		t.Fatal("failed create must not leave a session behind")
	}
}

func TestSessionOutputAndExit(t *testing.T) {
	m := NewManager()

	var mu sync.Mutex
	var out strings.Builder
	exitCh := make(chan int, 2)

	s, err := m.Create(Options{
		Command: "/bin/sh",
		Args:    []string{"-c", "printf hexmesh-output"},
		Cols:    80,
		Rows:    24,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer m.Dispose(s.ID)

	s.Subscribe(Listener{
		OnData: func(chunk []byte) {
			mu.Lock()
			out.Write(chunk)
			mu.Unlock()
		},
		OnExit: func(code int) { exitCh <- code },
	})

	select {
	case code := <-exitCh:
		if code != 0 {
			t.Fatalf("exit code = %d, want 0", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	// The chunk arrived before exit; it is in the listener output and the
	// replay buffer.
	mu.Lock()
	got := out.String()
	mu.Unlock()
	if !strings.Contains(got, "hexmesh-output") {
		t.Fatalf("listener output = %q", got)
	}
	var buffered strings.Builder
	for _, chunk := range s.BufferedOutput() {
		buffered.Write(chunk)
	}
	if !strings.Contains(buffered.String(), "hexmesh-output") {
		t.Fatalf("buffered output = %q", buffered.String())
	}

	// Exit is reported exactly once.
	select {
	case <-exitCh:
		t.Fatal("exit notified more than once")
	case <-time.After(200 * time.Millisecond):
	}

	exited, code := s.Exited()
	if !exited || code != 0 {
		t.Fatalf("Exited() = %v, %d", exited, code)
	}
}

func TestWriteAndResizeAfterDisposeFail(t *testing.T) {
	m := NewManager()
	s, err := m.Create(Options{Command: "/bin/cat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Write(s.ID, []byte("hi\n")); err != nil {
		t.Fatalf("Write before dispose: %v", err)
	}
	if err := m.Resize(s.ID, 120, 40); err != nil {
		t.Fatalf("Resize before dispose: %v", err)
	}
	if cols, rows := s.Size(); cols != 120 || rows != 40 {
		t.Fatalf("Size() = %dx%d, want 120x40", cols, rows)
	}

	m.Dispose(s.ID)
	m.Dispose(s.ID) // idempotent

	if err := m.Write(s.ID, []byte("x")); err == nil {
		t.Fatal("expected error writing to disposed session")
	}
	if err := m.Resize(s.ID, 10, 10); err == nil {
		t.Fatal("expected error resizing disposed session")
	}
}

func TestDisposeAllClearsEverySession(t *testing.T) {
	m := NewManager()
	for i := 0; i < 3; i++ {
		if _, err := m.Create(Options{Command: "/bin/cat"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if n := m.DisposeAll(); n != 3 {
		t.Fatalf("DisposeAll() = %d, want 3", n)
	}
	if len(m.List()) != 0 {
		t.Fatal("sessions remain after DisposeAll")
	}
}

func TestRespawnResetsBufferAndKeepsListeners(t *testing.T) {
	m := NewManager()
	s, err := m.Create(Options{Command: "/bin/sh", Args: []string{"-c", "printf before-respawn; exec cat"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer m.Dispose(s.ID)

	dataCh := make(chan string, 64)
	s.Subscribe(Listener{OnData: func(chunk []byte) { dataCh <- string(chunk) }})

	waitForOutput(t, dataCh, "before-respawn")

	if err := m.Respawn(s.ID, "/bin/sh"); err != nil {
		t.Fatalf("Respawn: %v", err)
	}
	if exited, _ := s.Exited(); exited {
		t.Fatal("respawned session reports exited")
	}

	// Old output is gone from the replay buffer.
	for _, chunk := range s.BufferedOutput() {
		if strings.Contains(string(chunk), "before-respawn") {
			t.Fatal("buffer not reset on respawn")
		}
	}

	// The surviving listener still sees the new shell's output.
	if err := m.Write(s.ID, []byte("printf after-respawn\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitForOutput(t, dataCh, "after-respawn")
}

func waitForOutput(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	var seen strings.Builder
	for {
		select {
		case chunk := <-ch:
			seen.WriteString(chunk)
			if strings.Contains(seen.String(), want) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q, saw %q", want, seen.String())
		}
	}
}
