// Package config loads hub settings from hexmesh.yaml in the working
// directory, falling back to ~/.hexmesh/config.yaml, falling back to
// defaults. A missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LocalFileName sits next to the repo the hub serves.
const LocalFileName = "hexmesh.yaml"

// Config is everything the serve and agent commands need.
type Config struct {
	// Listen is the hub's bind address.
	Listen string `yaml:"listen,omitempty"`

	// AgentCommand launches the coding-agent CLI inside each spawned cell;
	// AgentArgs are appended verbatim.
	AgentCommand string   `yaml:"agentCommand,omitempty"`
	AgentArgs    []string `yaml:"agentArgs,omitempty"`

	// Shell backs plain terminal sessions and converted cells.
	Shell string `yaml:"shell,omitempty"`

	// WorkRoot is the repository the workspace manager carves worktrees out
	// of. Empty means the current directory.
	WorkRoot string `yaml:"workRoot,omitempty"`

	// MDNS advertises the hub as _hexmesh._tcp on the local network.
	MDNS         bool   `yaml:"mdns,omitempty"`
	MDNSInstance string `yaml:"mdnsInstance,omitempty"`

	ActivityInterval  Duration `yaml:"activityInterval,omitempty"`
	StaleWorkspaceAge Duration `yaml:"staleWorkspaceAge,omitempty"`
}

// Duration decodes yaml "5s" style strings into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the built-in settings.
func Default() *Config {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Config{
		Listen:            "127.0.0.1:7433",
		AgentCommand:      "claude",
		Shell:             shell,
		MDNSInstance:      "hexmesh",
		ActivityInterval:  Duration(5 * time.Second),
		StaleWorkspaceAge: Duration(24 * time.Hour),
	}
}

// Dir returns the global hexmesh config directory (~/.hexmesh), creating it
// if needed.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".hexmesh")
	os.MkdirAll(dir, 0755)
	return dir
}

func globalPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load resolves the effective config: defaults, overlaid with the global
// file, overlaid with the local file.
func Load() (*Config, error) {
	cfg := Default()
	if err := mergeFile(cfg, globalPath()); err != nil {
		return nil, err
	}
	if err := mergeFile(cfg, LocalFileName); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads exactly one config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Save writes cfg to the global config file.
func Save(cfg *Config) error {
	if cfg == nil {
		cfg = Default()
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(globalPath(), data, 0644)
}
