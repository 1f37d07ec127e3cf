package adapter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexmesh/hexmesh/internal/hexgrid"
	"github.com/hexmesh/hexmesh/internal/protocol"
	"github.com/hexmesh/hexmesh/internal/workspace"
)

func clearIdentityEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HEXMESH_AGENT_ID", "HEXMESH_CELL_TYPE", "HEXMESH_PARENT_ID",
		"HEXMESH_HEX", "HEXMESH_SERVER_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadIdentityFromEnv(t *testing.T) {
	clearIdentityEnv(t)
	t.Setenv("HEXMESH_AGENT_ID", "agent-0011aabbccdd")
	t.Setenv("HEXMESH_CELL_TYPE", "orchestrator")
	t.Setenv("HEXMESH_PARENT_ID", "agent-parent000000")
	t.Setenv("HEXMESH_HEX", "2,-1")
	t.Setenv("HEXMESH_SERVER_URL", "ws://127.0.0.1:7433")

	id, err := LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, "agent-0011aabbccdd", id.AgentID)
	assert.Equal(t, protocol.CellOrchestrator, id.CellType)
	assert.Equal(t, "agent-parent000000", id.ParentID)
	assert.Equal(t, hexgrid.Hex{Q: 2, R: -1}, id.Hex)
	assert.Equal(t, "ws://127.0.0.1:7433", id.ServerURL)
}

func TestLoadIdentityFallsBackToCheckoutConfig(t *testing.T) {
	clearIdentityEnv(t)
	checkout := t.TempDir()
	cfg := workspace.ToolConfig{
		ServerURL: "ws://127.0.0.1:7433",
		AgentID:   "agent-ffee00112233",
		CellType:  "worker",
		ParentID:  "agent-parent000000",
		Hex:       "0,3",
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(checkout, workspace.ConfigFileName), data, 0o644))

	// The adapter starts inside the checkout; the file may sit above cwd.
	nested := filepath.Join(checkout, "src", "deep")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Chdir(nested)

	id, err := LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, "agent-ffee00112233", id.AgentID)
	assert.Equal(t, protocol.CellWorker, id.CellType)
	assert.Equal(t, hexgrid.Hex{Q: 0, R: 3}, id.Hex)
	assert.Equal(t, "ws://127.0.0.1:7433", id.ServerURL)
}

func TestLoadIdentityEnvWinsOverConfigFile(t *testing.T) {
	clearIdentityEnv(t)
	checkout := t.TempDir()
	cfg := workspace.ToolConfig{
		ServerURL: "ws://10.0.0.9:7433",
		AgentID:   "agent-fromfile0000",
		CellType:  "worker",
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(checkout, workspace.ConfigFileName), data, 0o644))
	t.Chdir(checkout)

	t.Setenv("HEXMESH_AGENT_ID", "agent-fromenv00000")
	t.Setenv("HEXMESH_CELL_TYPE", "orchestrator")

	id, err := LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, "agent-fromenv00000", id.AgentID)
	assert.Equal(t, protocol.CellOrchestrator, id.CellType)
	// Gaps are still filled from the file.
	assert.Equal(t, "ws://10.0.0.9:7433", id.ServerURL)
}

func TestLoadIdentityRejectsBadInput(t *testing.T) {
	clearIdentityEnv(t)
	t.Chdir(t.TempDir())

	_, err := LoadIdentity()
	require.Error(t, err, "no identity anywhere")

	t.Setenv("HEXMESH_AGENT_ID", "agent-0011aabbccdd")
	t.Setenv("HEXMESH_CELL_TYPE", "supervisor")
	t.Setenv("HEXMESH_SERVER_URL", "ws://127.0.0.1:7433")
	_, err = LoadIdentity()
	assert.ErrorContains(t, err, "invalid cell type")

	t.Setenv("HEXMESH_CELL_TYPE", "worker")
	t.Setenv("HEXMESH_HEX", "not-a-hex")
	_, err = LoadIdentity()
	assert.ErrorContains(t, err, "invalid hex coordinate")
}

func TestAgentEndpointEscapesID(t *testing.T) {
	got := agentEndpoint("ws://127.0.0.1:7433/", "agent-a b")
	assert.Equal(t, "ws://127.0.0.1:7433/ws/agent?agentId=agent-a+b", got)
}
