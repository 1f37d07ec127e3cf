// Package detect discovers installed coding-agent CLIs so the hub can pick
// a spawn command without explicit configuration.
package detect

import (
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const versionProbeTimeout = 1800 * time.Millisecond

var semverRE = regexp.MustCompile(`(?i)\bv?(\d+\.\d+(?:\.\d+)?(?:[-+][0-9A-Za-z.-]+)?)\b`)

// DetectedAgent describes an installed agent tool discovered on the machine.
type DetectedAgent struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Version string `json:"version"`
}

// knownAgents is the probe order; earlier entries win when resolving "auto".
var knownAgents = []string{
	"claude",
	"codex",
	"gemini",
	"aider",
	"goose",
	"opencode",
	"cursor-agent",
}

// Scan discovers installed agent CLIs from PATH, in preference order.
// Extra binaries can be appended via HEXMESH_EXTRA_AGENT_BINS.
func Scan() []DetectedAgent {
	candidates := append([]string(nil), knownAgents...)
	for _, v := range strings.Split(os.Getenv("HEXMESH_EXTRA_AGENT_BINS"), ",") {
		if v = strings.TrimSpace(v); v != "" {
			candidates = append(candidates, v)
		}
	}

	var agents []DetectedAgent
	seen := make(map[string]struct{})
	for _, name := range candidates {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		agents = append(agents, DetectedAgent{
			Name:    name,
			Path:    path,
			Version: detectVersion(path),
		})
	}
	return agents
}

// Resolve returns the command to launch agent cells with. A concrete command
// that resolves on PATH is kept as-is; "auto" or an unresolvable command
// falls back to the first detected agent.
func Resolve(configured string) (string, bool) {
	if configured != "" && configured != "auto" {
		if _, err := exec.LookPath(configured); err == nil {
			return configured, true
		}
	}
	if agents := Scan(); len(agents) > 0 {
		return agents[0].Name, true
	}
	return configured, false
}

func detectVersion(commandPath string) string {
	for _, args := range [][]string{{"--version"}, {"version"}} {
		out, err := runVersionProbe(commandPath, args)
		if err != nil {
			continue
		}
		if v := parseVersion(out); v != "" {
			return v
		}
	}
	return ""
}

func runVersionProbe(commandPath string, args []string) (string, error) {
	cmd := exec.Command(commandPath, args...)
	done := make(chan struct{})
	var out []byte
	var err error
	go func() {
		out, err = cmd.CombinedOutput()
		close(done)
	}()
	select {
	case <-done:
		return string(out), err
	case <-time.After(versionProbeTimeout):
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-done
		return "", err
	}
}

func parseVersion(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if m := semverRE.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}
