package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hexmesh/hexmesh/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(*cobra.Command, []string) {
		bi := buildinfo.Current()
		fmt.Printf("hexmesh %s", bi.Version)
		if bi.CommitHash != "" {
			fmt.Printf(" (%s)", bi.CommitHash)
		}
		if bi.BuildDate != "" {
			fmt.Printf(" built %s", bi.BuildDate)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
