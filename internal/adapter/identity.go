// Package adapter runs inside each spawned coding-agent process. It serves
// the tool catalog over MCP stdio and forwards every call to the hub over a
// single websocket connection.
package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/hexmesh/hexmesh/internal/hexgrid"
	"github.com/hexmesh/hexmesh/internal/protocol"
	"github.com/hexmesh/hexmesh/internal/workspace"
)

// mdnsService is the advertised hub service type.
const mdnsService = "_hexmesh._tcp"

// Identity is who this adapter speaks as, resolved once at startup.
type Identity struct {
	AgentID   string
	CellType  protocol.CellType
	ParentID  string
	Hex       hexgrid.Hex
	ServerURL string
}

// LoadIdentity resolves the adapter identity from the environment, falling
// back to the config file written into the agent's checkout, and finally to
// an mDNS lookup for the hub address.
func LoadIdentity() (Identity, error) {
	id := Identity{
		AgentID:   os.Getenv("HEXMESH_AGENT_ID"),
		CellType:  protocol.CellType(os.Getenv("HEXMESH_CELL_TYPE")),
		ParentID:  os.Getenv("HEXMESH_PARENT_ID"),
		ServerURL: os.Getenv("HEXMESH_SERVER_URL"),
	}
	hexStr := os.Getenv("HEXMESH_HEX")

	if id.AgentID == "" || id.ServerURL == "" || hexStr == "" {
		if cfg, ok := findToolConfig(); ok {
			if id.AgentID == "" {
				id.AgentID = cfg.AgentID
			}
			if id.CellType == "" {
				id.CellType = protocol.CellType(cfg.CellType)
			}
			if id.ParentID == "" {
				id.ParentID = cfg.ParentID
			}
			if id.ServerURL == "" {
				id.ServerURL = cfg.ServerURL
			}
			if hexStr == "" {
				hexStr = cfg.Hex
			}
		}
	}
	if id.AgentID == "" {
		return Identity{}, fmt.Errorf("agent identity missing: set HEXMESH_AGENT_ID or run inside an agent checkout")
	}
	if !id.CellType.Valid() {
		return Identity{}, fmt.Errorf("invalid cell type %q", id.CellType)
	}
	if id.ServerURL == "" {
		if addr, err := discoverServer(2 * time.Second); err == nil {
			id.ServerURL = addr
		}
	}
	if id.ServerURL == "" {
		return Identity{}, fmt.Errorf("hub address missing: set HEXMESH_SERVER_URL")
	}
	if hexStr != "" {
		h, err := hexgrid.Parse(hexStr)
		if err != nil {
			return Identity{}, err
		}
		id.Hex = h
	}
	return id, nil
}

// findToolConfig walks upward from the working directory looking for the
// per-agent config file written at checkout creation.
func findToolConfig() (workspace.ToolConfig, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return workspace.ToolConfig{}, false
	}
	for {
		data, err := os.ReadFile(filepath.Join(dir, workspace.ConfigFileName))
		if err == nil {
			var cfg workspace.ToolConfig
			if json.Unmarshal(data, &cfg) == nil && cfg.AgentID != "" {
				return cfg, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return workspace.ToolConfig{}, false
		}
		dir = parent
	}
}

// discoverServer finds the hub over mDNS when no address was handed down.
func discoverServer(timeout time.Duration) (string, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	found := make(chan string, 1)
	go func() {
		for e := range entries {
			if e.AddrV4 == nil {
				continue
			}
			select {
			case found <- fmt.Sprintf("ws://%s:%d", e.AddrV4, e.Port):
			default:
			}
		}
	}()

	params := &mdns.QueryParam{
		Service:     mdnsService,
		Domain:      "local",
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	}
	err := mdns.Query(params)
	close(entries)
	if err != nil {
		return "", err
	}
	select {
	case addr := <-found:
		return addr, nil
	default:
		return "", fmt.Errorf("no %s service found", mdnsService)
	}
}
