package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/hexmesh/hexmesh/internal/protocol"
	"github.com/hexmesh/hexmesh/internal/theme"
)

var gridCmd = &cobra.Command{
	Use:   "grid",
	Short: "Show agents on the grid, nearest to origin first",
	Args:  cobra.NoArgs,
	RunE:  runGrid,
}

func init() {
	gridCmd.Flags().String("server", "", "Hub address (default: config)")
	gridCmd.Flags().Int("range", 0, "Maximum hex distance from origin (default 5)")
	rootCmd.AddCommand(gridCmd)
}

func runGrid(cmd *cobra.Command, _ []string) error {
	server, _ := cmd.Flags().GetString("server")
	url, err := hubURL(server)
	if err != nil {
		return err
	}
	maxDistance, _ := cmd.Flags().GetInt("range")

	res, err := controlCall[protocol.GetGridResult](cmd.Context(), url, protocol.McpGetGrid,
		&protocol.GetGridRequest{MaxDistance: maxDistance})
	if err != nil {
		return err
	}
	fmt.Print(renderGrid(res.Agents, isatty.IsTerminal(os.Stdout.Fd())))
	return nil
}

func renderGrid(agents []protocol.AgentInfo, styled bool) string {
	if len(agents) == 0 {
		return "no agents on the grid\n"
	}
	var b strings.Builder
	header := fmt.Sprintf("%-20s %-14s %-8s %-20s %-4s %s", "AGENT", "CELL", "HEX", "STATUS", "DIST", "TASK")
	if styled {
		header = theme.Header.Render(header)
	}
	b.WriteString(header + "\n")

	for _, a := range agents {
		cell, status, id := string(a.CellType), string(a.Status), a.ID
		if styled {
			cell = theme.CellLabel(a.CellType)
			status = theme.StatusLabel(a.Status)
			id = theme.ID.Render(id)
		}
		task := a.Task
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(&b, "%-20s %-14s %-8s %-20s %-4d %s\n",
			id, cell, a.Hex.String(), status, a.Distance, task)
	}
	return b.String()
}
