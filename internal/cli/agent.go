package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hexmesh/hexmesh/internal/adapter"
	"github.com/hexmesh/hexmesh/internal/debug"
	"github.com/hexmesh/hexmesh/internal/protocol"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Serve the agent tool catalog over MCP stdio",
	Long: `Run the per-agent tool adapter. The coding-agent CLI launches this as an
MCP stdio server; identity comes from the HEXMESH_* environment or the
.hexmesh-agent.json file in the checkout.`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	id, err := adapter.LoadIdentity()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := adapter.Dial(ctx, id.ServerURL, id.AgentID, func(msg *protocol.Msg) {
		onAgentPush(stop, msg)
	})
	if err != nil {
		return fmt.Errorf("connecting to hub at %s: %w", id.ServerURL, err)
	}
	defer client.Close()

	debug.LogKV("cli", "adapter running",
		"agent_id", id.AgentID,
		"cell_type", string(id.CellType),
		"hex", id.Hex.String(),
	)
	return adapter.NewServer(id, client).Run(ctx)
}

// onAgentPush reacts to hub pushes outside the request/reply flow. The inbox
// wake is consumed by a pending get_messages long poll on the hub side;
// removal means this process is being torn down.
func onAgentPush(stop context.CancelFunc, msg *protocol.Msg) {
	switch msg.Type {
	case protocol.PushAgentRemoved:
		debug.LogKV("cli", "agent removed by hub, shutting down")
		stop()
	case protocol.PushInbox:
		debug.LogKV("cli", "inbox notification received")
	}
}
