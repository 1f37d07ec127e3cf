package debug

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestShouldEnableFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		enabled string
		path    string
		want    bool
	}{
		{name: "disabled by default", enabled: "", path: "", want: false},
		{name: "enabled explicit", enabled: "1", path: "", want: true},
		{name: "enabled via path", enabled: "", path: "/tmp/hexmesh.log", want: true},
		{name: "explicit off wins", enabled: "0", path: "/tmp/hexmesh.log", want: false},
		{name: "unknown toggle without path", enabled: "maybe", path: "", want: false},
		{name: "unknown toggle with path", enabled: "maybe", path: "/tmp/hexmesh.log", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvEnabled, tt.enabled)
			t.Setenv(EnvLogPath, tt.path)
			if got := ShouldEnableFromEnv(); got != tt.want {
				t.Fatalf("ShouldEnableFromEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInitAttachesToInheritedPath(t *testing.T) {
	defer Close()

	logPath := filepath.Join(t.TempDir(), "aggregate.log")
	if err := os.WriteFile(logPath, []byte("existing\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(EnvLogPath, logPath)
	t.Setenv(EnvProcess, "agent:ab12cd34")

	gotPath, err := Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if gotPath != logPath {
		t.Fatalf("Init() path = %q, want %q", gotPath, logPath)
	}

	LogKV("test", "hello", "k", "v")
	Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	if !strings.HasPrefix(out, "existing\n") {
		t.Fatalf("inherited file was truncated:\n%s", out)
	}
	if !strings.Contains(out, "PROCESS ATTACHED") {
		t.Fatalf("missing attach marker:\n%s", out)
	}
	if !strings.Contains(out, "agent:ab12cd34") {
		t.Fatalf("missing process label:\n%s", out)
	}
	if !strings.Contains(out, "hello k=v") {
		t.Fatalf("missing logged line:\n%s", out)
	}
}

func TestLogIsNoOpWhenDisabled(t *testing.T) {
	if Enabled() {
		t.Fatal("logger unexpectedly enabled")
	}
	// Must not panic.
	Log("test", "nothing")
	Logf("test", "nothing %d", 1)
	LogKV("test", "nothing", "k", "v")
	if Path() != "" {
		t.Fatalf("Path() = %q, want empty", Path())
	}
}

func TestPropagatedEnv(t *testing.T) {
	base := []string{"HOME=/home/x", EnvEnabled + "=0"}
	if got := PropagatedEnv(base, "agent"); len(got) != len(base) {
		t.Fatalf("disabled logger must not modify env, got %v", got)
	}

	t.Setenv(EnvLogPath, filepath.Join(t.TempDir(), "x.log"))
	if _, err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	env := PropagatedEnv(base, "agent:1")
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, EnvEnabled+"=1") {
		t.Fatalf("missing enabled toggle: %v", env)
	}
	if !strings.Contains(joined, EnvLogPath+"=") {
		t.Fatalf("missing log path: %v", env)
	}
	if !strings.Contains(joined, EnvProcess+"=agent:1") {
		t.Fatalf("missing process label: %v", env)
	}
}
