// Package cli wires the hexmesh commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hexmesh/hexmesh/internal/buildinfo"
	"github.com/hexmesh/hexmesh/internal/debug"
)

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorDim   = "\033[2m"
	colorRed   = "\033[31m"

	styleBoldCyan  = "\033[1;36m"
	styleBoldWhite = "\033[1;37m"
)

var rootCmd = &cobra.Command{
	Use:   "hexmesh",
	Short: "Agent orchestration on a hex grid",
	Long: styleBoldCyan + `hexmesh` + colorReset + ` v` + buildinfo.Current().Version + `

  A hub for coordinating coding agents. Each agent lives on a hex grid
  cell with its own terminal session and git worktree; orchestrators
  spawn workers, watch their progress, and merge their changes back.

` + colorBold + `Getting started:` + colorReset + `
  hexmesh serve                 Run the hub in the current repository
  hexmesh sessions              List live terminal sessions
  hexmesh grid                  Show agents on the grid
  hexmesh agent                 Serve the MCP tool catalog (run by agents)`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.hexmesh/debug/")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "hexmesh starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
