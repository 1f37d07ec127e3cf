package cli

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/hexmesh/hexmesh/internal/protocol"
	"github.com/hexmesh/hexmesh/internal/theme"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live terminal sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().String("server", "", "Hub address (default: config)")
	sessionsCmd.Flags().Bool("clear", false, "Dispose every session instead of listing")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, _ []string) error {
	server, _ := cmd.Flags().GetString("server")
	url, err := hubURL(server)
	if err != nil {
		return err
	}

	if clear, _ := cmd.Flags().GetBool("clear"); clear {
		res, err := controlCall[protocol.SessionsClearResult](cmd.Context(), url, protocol.SessionsClear, nil)
		if err != nil {
			return err
		}
		fmt.Printf("cleared %d session(s)\n", res.Cleared)
		return nil
	}

	res, err := controlCall[protocol.SessionsListResult](cmd.Context(), url, protocol.SessionsList, nil)
	if err != nil {
		return err
	}
	fmt.Print(renderSessions(res.Sessions, isatty.IsTerminal(os.Stdout.Fd())))
	return nil
}

func renderSessions(sessions []protocol.SessionState, styled bool) string {
	if len(sessions) == 0 {
		return "no live sessions\n"
	}
	var b strings.Builder
	header := fmt.Sprintf("%-16s %-16s %-14s %-20s %-9s %s", "SESSION", "AGENT", "CELL", "STATUS", "SIZE", "BUFFERED")
	if styled {
		header = theme.Header.Render(header)
	}
	b.WriteString(header + "\n")

	for _, s := range sessions {
		agentID, cell, status := "-", "-", "-"
		if s.Agent != nil {
			agentID = s.Agent.ID
			cell = string(s.Agent.CellType)
			status = string(s.Agent.Status)
			if styled {
				cell = theme.CellLabel(s.Agent.CellType)
				status = theme.StatusLabel(s.Agent.Status)
			}
		}
		if s.Exited {
			status = fmt.Sprintf("exited(%d)", s.ExitCode)
			if styled {
				status = theme.Dim.Render(status)
			}
		}
		sessionID := s.SessionID
		if styled {
			sessionID = theme.ID.Render(sessionID)
		}
		fmt.Fprintf(&b, "%-16s %-16s %-14s %-20s %-9s %s\n",
			sessionID, agentID, cell, status,
			fmt.Sprintf("%dx%d", s.Cols, s.Rows),
			formatBufferSize(s.Buffer),
		)
	}
	return b.String()
}

func formatBufferSize(chunks []string) string {
	total := 0
	for _, c := range chunks {
		if raw, err := base64.StdEncoding.DecodeString(c); err == nil {
			total += len(raw)
		}
	}
	switch {
	case total >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(total)/(1<<20))
	case total >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(total)/(1<<10))
	default:
		return fmt.Sprintf("%dB", total)
	}
}
